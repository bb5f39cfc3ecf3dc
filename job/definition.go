package job

import (
	"context"

	"github.com/teacurran/village-dispatch/id"
)

// Definition is a typed job definition. T is the payload struct; its
// fields are decoded from the JSON payload by their `json` tags.
type Definition[T any] struct {
	// Type is the unique job type, e.g. "ai.tag".
	Type string

	// Handler processes one attempt.
	Handler func(ctx context.Context, jobID id.JobID, payload T) (Result, error)

	Opts Options
}

// NewDefinition creates a typed job definition.
func NewDefinition[T any](jobType string, handler func(ctx context.Context, jobID id.JobID, payload T) (Result, error), opts ...Option) *Definition[T] {
	def := &Definition[T]{
		Type:    jobType,
		Handler: handler,
		Opts:    DefaultOptions(),
	}
	for _, opt := range opts {
		opt(&def.Opts)
	}
	return def
}
