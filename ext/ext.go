package ext

import (
	"context"
	"time"

	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/job"
)

// Extension is the base interface all extensions must implement.
type Extension interface {
	// Name returns a unique human-readable name for the extension.
	Name() string
}

// ──────────────────────────────────────────────────
// Job lifecycle hooks
// ──────────────────────────────────────────────────

// JobEnqueued is called after a job is persisted as pending.
type JobEnqueued interface {
	OnJobEnqueued(ctx context.Context, j *job.Job) error
}

// JobStarted is called when a worker begins executing a claimed job.
type JobStarted interface {
	OnJobStarted(ctx context.Context, j *job.Job) error
}

// JobCompleted is called after a job finishes successfully. The result
// code is on j.ResultCode.
type JobCompleted interface {
	OnJobCompleted(ctx context.Context, j *job.Job, elapsed time.Duration) error
}

// JobRetrying is called when a job failed and was rescheduled.
type JobRetrying interface {
	OnJobRetrying(ctx context.Context, j *job.Job, err error, nextRunAt time.Time) error
}

// JobDeferred is called when a handler postponed its job without failing,
// for example because the AI budget is in the QUEUE band.
type JobDeferred interface {
	OnJobDeferred(ctx context.Context, j *job.Job, runAt time.Time) error
}

// JobDead is called when a job becomes DEAD. This is the alert-worthy
// event: the job needs an operator to inspect or replay it.
type JobDead interface {
	OnJobDead(ctx context.Context, j *job.Job, err error) error
}

// JobRecovered is called when the reaper requeues a job abandoned by a
// lost worker.
type JobRecovered interface {
	OnJobRecovered(ctx context.Context, j *job.Job) error
}

// ──────────────────────────────────────────────────
// Other hooks
// ──────────────────────────────────────────────────

// BandChanged is called when the AI budget moves between admission bands.
type BandChanged interface {
	OnBandChanged(ctx context.Context, from, to admission.Band, st budget.State) error
}

// Shutdown is called during graceful shutdown.
type Shutdown interface {
	OnShutdown(ctx context.Context) error
}
