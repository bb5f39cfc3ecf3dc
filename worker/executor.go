// Package worker is the dispatcher. An [Executor] runs one claimed job
// through middleware and its handler and records the outcome; a [Pool]
// runs one claim loop per queue plus the heartbeat and stuck-job reaper.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/ext"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/middleware"
)

// ErrDrainTimeout is the cancellation cause given to jobs still running
// when the drain window of a shutdown expires. Their claims are released
// rather than failed.
var ErrDrainTimeout = errors.New("worker: drain timeout, job released for re-claim")

// Outcome is what happened to a job after one execution.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeRetrying  Outcome = "retrying"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeDead      Outcome = "dead"
	OutcomeReleased  Outcome = "released"
)

// Executor runs a single job through middleware and the registered
// handler, then records the outcome in the store and emits lifecycle
// events. Outcomes are written under workerID, which must be the
// identity the job was claimed with.
type Executor struct {
	registry   *job.Registry
	extensions *ext.Registry
	store      job.Store
	workerID   id.WorkerID
	mw         middleware.Middleware
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an Executor that records outcomes for jobs claimed
// by workerID.
func NewExecutor(
	registry *job.Registry,
	extensions *ext.Registry,
	store job.Store,
	workerID id.WorkerID,
	logger *slog.Logger,
	mws ...middleware.Middleware,
) *Executor {
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	return &Executor{
		registry:   registry,
		extensions: extensions,
		store:      store,
		workerID:   workerID,
		mw:         middleware.Chain(mws...),
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// WorkerID returns the claim identity outcomes are recorded under.
func (e *Executor) WorkerID() id.WorkerID { return e.workerID }

// Execute runs j, which must be claimed by the caller. The returned error
// is non-nil only when the outcome could not be persisted; handler errors
// are absorbed into the outcome.
func (e *Executor) Execute(ctx context.Context, j *job.Job) (Outcome, error) {
	handler, ok := e.registry.Get(j.Type)
	if !ok {
		return e.dead(ctx, j, fmt.Errorf("%w: %q", dispatch.ErrUnknownJobType, j.Type))
	}

	e.extensions.EmitJobStarted(ctx, j)
	start := time.Now()

	terminal := func(ctx context.Context) (job.Result, error) {
		return handler(ctx, j.ID, j.Payload)
	}
	res, err := e.mw(ctx, j, terminal)
	elapsed := time.Since(start)

	if errors.Is(context.Cause(ctx), ErrDrainTimeout) {
		return OutcomeReleased, nil
	}

	switch {
	case err == nil && res.IsDeferred():
		return e.deferred(ctx, j, res)
	case err == nil:
		return e.completed(ctx, j, res, elapsed)
	case job.IsFatal(err):
		return e.dead(ctx, j, err)
	default:
		return e.failed(ctx, j, err)
	}
}

func (e *Executor) completed(ctx context.Context, j *job.Job, res job.Result, elapsed time.Duration) (Outcome, error) {
	code := res.CodeOr(job.ResultOK)
	if err := e.store.MarkCompleted(ctx, j.ID, e.workerID, code); err != nil {
		return e.persistErr(j, "completed", err)
	}
	now := e.now()
	j.Status = job.StatusCompleted
	j.ResultCode = code
	j.CompletedAt = &now

	e.extensions.EmitJobCompleted(ctx, j, elapsed)
	return OutcomeCompleted, nil
}

func (e *Executor) deferred(ctx context.Context, j *job.Job, res job.Result) (Outcome, error) {
	runAt := *res.DeferUntil
	code := res.CodeOr(job.ResultOK)
	if err := e.store.DeferJob(ctx, j.ID, e.workerID, runAt, code); err != nil {
		return e.persistErr(j, "deferred", err)
	}
	j.Status = job.StatusPending
	j.Attempts--
	j.ScheduledAt = runAt
	j.ResultCode = code

	e.extensions.EmitJobDeferred(ctx, j, runAt)
	return OutcomeDeferred, nil
}

// failed consults the retry policy of the job type. The attempt cap is
// the one persisted on the row at enqueue time.
func (e *Executor) failed(ctx context.Context, j *job.Job, handlerErr error) (Outcome, error) {
	policy := e.registry.Options(j.Type).Policy
	policy.MaxAttempts = j.MaxAttempts

	now := e.now()
	d := policy.Decide(j.Attempts, now)
	if !d.Retry {
		return e.dead(ctx, j, handlerErr)
	}

	if err := e.store.MarkFailed(ctx, j.ID, e.workerID, handlerErr.Error(), &d.RunAt); err != nil {
		return e.persistErr(j, "retrying", err)
	}
	j.Status = job.StatusPending
	j.ScheduledAt = d.RunAt
	j.FailedAt = &now
	j.LastError = handlerErr.Error()

	e.logger.Info("job scheduled for retry",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.Int("attempt", j.Attempts),
		slog.Int("max_attempts", j.MaxAttempts),
		slog.Duration("delay", d.Delay),
		slog.String("error", handlerErr.Error()),
	)
	e.extensions.EmitJobRetrying(ctx, j, handlerErr, d.RunAt)
	return OutcomeRetrying, nil
}

func (e *Executor) dead(ctx context.Context, j *job.Job, cause error) (Outcome, error) {
	if err := e.store.MarkDead(ctx, j.ID, e.workerID, cause.Error()); err != nil {
		return e.persistErr(j, "dead", err)
	}
	now := e.now()
	j.Status = job.StatusDead
	j.FailedAt = &now
	j.LastError = cause.Error()

	e.logger.Warn("job is dead",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("queue", j.Queue.String()),
		slog.Int("attempts", j.Attempts),
		slog.String("error", cause.Error()),
	)
	e.extensions.EmitJobDead(ctx, j, cause)
	return OutcomeDead, nil
}

func (e *Executor) persistErr(j *job.Job, outcome string, err error) (Outcome, error) {
	e.logger.Error("failed to record job outcome",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("outcome", outcome),
		slog.String("error", err.Error()),
	)
	return "", fmt.Errorf("record %s outcome of job %s: %w", outcome, j.ID, err)
}
