package ext

import (
	"context"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/job"
)

// entry pairs a hook implementation with the extension name captured at
// registration time.
type entry[H any] struct {
	name string
	hook H
}

// Registry holds registered extensions and dispatches lifecycle events
// to them. Extensions are sorted into per-hook slices at registration so
// emit calls only visit the ones that care.
type Registry struct {
	extensions []Extension
	logger     *slog.Logger

	jobEnqueued  []entry[JobEnqueued]
	jobStarted   []entry[JobStarted]
	jobCompleted []entry[JobCompleted]
	jobRetrying  []entry[JobRetrying]
	jobDeferred  []entry[JobDeferred]
	jobDead      []entry[JobDead]
	jobRecovered []entry[JobRecovered]
	bandChanged  []entry[BandChanged]
	shutdown     []entry[Shutdown]
}

// NewRegistry creates an extension registry with the given logger.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

func add[H any](list []entry[H], name string, e Extension) []entry[H] {
	if h, ok := e.(H); ok {
		return append(list, entry[H]{name, h})
	}
	return list
}

// Register adds an extension. Extensions are notified in registration
// order.
func (r *Registry) Register(e Extension) {
	r.extensions = append(r.extensions, e)
	name := e.Name()

	r.jobEnqueued = add(r.jobEnqueued, name, e)
	r.jobStarted = add(r.jobStarted, name, e)
	r.jobCompleted = add(r.jobCompleted, name, e)
	r.jobRetrying = add(r.jobRetrying, name, e)
	r.jobDeferred = add(r.jobDeferred, name, e)
	r.jobDead = add(r.jobDead, name, e)
	r.jobRecovered = add(r.jobRecovered, name, e)
	r.bandChanged = add(r.bandChanged, name, e)
	r.shutdown = add(r.shutdown, name, e)
}

// Extensions returns all registered extensions.
func (r *Registry) Extensions() []Extension { return r.extensions }

func emit[H any](r *Registry, hook string, list []entry[H], call func(H) error) {
	for _, e := range list {
		if err := call(e.hook); err != nil {
			r.logger.Warn("extension hook error",
				slog.String("hook", hook),
				slog.String("extension", e.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// EmitJobEnqueued notifies JobEnqueued hooks.
func (r *Registry) EmitJobEnqueued(ctx context.Context, j *job.Job) {
	emit(r, "OnJobEnqueued", r.jobEnqueued, func(h JobEnqueued) error { return h.OnJobEnqueued(ctx, j) })
}

// EmitJobStarted notifies JobStarted hooks.
func (r *Registry) EmitJobStarted(ctx context.Context, j *job.Job) {
	emit(r, "OnJobStarted", r.jobStarted, func(h JobStarted) error { return h.OnJobStarted(ctx, j) })
}

// EmitJobCompleted notifies JobCompleted hooks.
func (r *Registry) EmitJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) {
	emit(r, "OnJobCompleted", r.jobCompleted, func(h JobCompleted) error { return h.OnJobCompleted(ctx, j, elapsed) })
}

// EmitJobRetrying notifies JobRetrying hooks.
func (r *Registry) EmitJobRetrying(ctx context.Context, j *job.Job, jobErr error, nextRunAt time.Time) {
	emit(r, "OnJobRetrying", r.jobRetrying, func(h JobRetrying) error { return h.OnJobRetrying(ctx, j, jobErr, nextRunAt) })
}

// EmitJobDeferred notifies JobDeferred hooks.
func (r *Registry) EmitJobDeferred(ctx context.Context, j *job.Job, runAt time.Time) {
	emit(r, "OnJobDeferred", r.jobDeferred, func(h JobDeferred) error { return h.OnJobDeferred(ctx, j, runAt) })
}

// EmitJobDead notifies JobDead hooks.
func (r *Registry) EmitJobDead(ctx context.Context, j *job.Job, jobErr error) {
	emit(r, "OnJobDead", r.jobDead, func(h JobDead) error { return h.OnJobDead(ctx, j, jobErr) })
}

// EmitJobRecovered notifies JobRecovered hooks.
func (r *Registry) EmitJobRecovered(ctx context.Context, j *job.Job) {
	emit(r, "OnJobRecovered", r.jobRecovered, func(h JobRecovered) error { return h.OnJobRecovered(ctx, j) })
}

// EmitBandChanged notifies BandChanged hooks. Its signature matches
// admission.BandListener.
func (r *Registry) EmitBandChanged(ctx context.Context, from, to admission.Band, st budget.State) {
	emit(r, "OnBandChanged", r.bandChanged, func(h BandChanged) error { return h.OnBandChanged(ctx, from, to, st) })
}

// EmitShutdown notifies Shutdown hooks.
func (r *Registry) EmitShutdown(ctx context.Context) {
	emit(r, "OnShutdown", r.shutdown, func(h Shutdown) error { return h.OnShutdown(ctx) })
}
