package job

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/teacurran/village-dispatch/id"
)

// HandlerFunc is a type-erased job handler. The typed Definition[T] is
// converted to a HandlerFunc at registration time.
type HandlerFunc func(ctx context.Context, jobID id.JobID, payload Payload) (Result, error)

type entry struct {
	handler HandlerFunc
	opts    Options
}

// Registry maps job types to handlers and their policy.
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]entry),
	}
}

// Register binds an untyped handler and its options to jobType.
// Registering a type again replaces the previous binding.
func (r *Registry) Register(jobType string, h HandlerFunc, opts Options) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[jobType] = entry{handler: h, opts: opts}
}

// RegisterDefinition registers a typed job definition. The payload map is
// decoded into T with mapstructure before the typed handler runs. A
// payload that does not decode is a permanent failure.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) {
	handler := func(ctx context.Context, jobID id.JobID, payload Payload) (Result, error) {
		var t T
		if err := DecodePayload(payload, &t); err != nil {
			return Result{}, Fatal(fmt.Errorf("decode payload for job %q: %w", def.Type, err))
		}
		return def.Handler(ctx, jobID, t)
	}
	r.Register(def.Type, handler, def.Opts)
}

// DecodePayload decodes payload into out using json field tags. Numbers
// that round-tripped through JSON as float64 convert to integer fields.
func DecodePayload(payload Payload, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:    "json",
		Result:     out,
		DecodeHook: mapstructure.DecodeHookFuncType(jsonNumberHook),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(payload))
}

func jsonNumberHook(_, _ reflect.Type, data any) (any, error) {
	if n, ok := data.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n.Float64()
	}
	return data, nil
}

// Get returns the handler for jobType.
func (r *Registry) Get(jobType string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[jobType]
	return e.handler, ok
}

// Options returns the policy of jobType, or DefaultOptions when the
// type is not registered.
func (r *Registry) Options(jobType string) Options {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[jobType]; ok {
		return e.opts
	}
	return DefaultOptions()
}

// Override adjusts the policy of an already registered type. It reports
// false when jobType is unknown.
func (r *Registry) Override(jobType string, fn func(*Options)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[jobType]
	if !ok {
		return false
	}
	fn(&e.opts)
	r.entries[jobType] = e
	return true
}

// Types returns all registered job types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.entries))
	for t := range r.entries {
		types = append(types, t)
	}
	return types
}
