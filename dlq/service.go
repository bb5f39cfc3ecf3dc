package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// ListOpts controls pagination and filtering for dead job queries.
type ListOpts struct {
	Limit  int
	Offset int
	Queue  queue.Name
}

// Service provides operator actions over DEAD jobs. Dead jobs stay in the
// job store; there is no separate queue to push into.
type Service struct {
	store  job.Store
	logger *slog.Logger
	onNew  func(context.Context, *job.Job)
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithEnqueueHook is called with every replayed job after it is persisted.
func WithEnqueueHook(fn func(context.Context, *job.Job)) Option {
	return func(s *Service) { s.onNew = fn }
}

// NewService creates a dead job service over store.
func NewService(store job.Store, opts ...Option) *Service {
	s := &Service{store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// List returns dead jobs, newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Entry, error) {
	jobs, err := s.store.ListJobsByStatus(ctx, job.StatusDead, job.ListOpts{
		Limit:  opts.Limit,
		Offset: opts.Offset,
		Queue:  opts.Queue,
	})
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, len(jobs))
	for i, j := range jobs {
		entries[i] = FromJob(j)
	}
	return entries, nil
}

// Get returns one dead job.
func (s *Service) Get(ctx context.Context, jobID id.JobID) (*Entry, error) {
	j, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return FromJob(j), nil
}

// Count returns the number of dead jobs, optionally in one queue.
func (s *Service) Count(ctx context.Context, q queue.Name) (int64, error) {
	return s.store.CountJobs(ctx, job.CountOpts{Queue: q, Status: job.StatusDead})
}

// Replay enqueues a fresh pending copy of a dead job with the same type,
// queue, payload and attempt budget, then stamps replayed_at on the
// original. A job is replayed at most once.
func (s *Service) Replay(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	orig, err := s.dead(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if orig.ReplayedAt != nil {
		return nil, fmt.Errorf("%w: %s", dispatch.ErrAlreadyReplayed, jobID)
	}

	opts := job.DefaultOptions()
	opts.Policy.MaxAttempts = orig.MaxAttempts
	opts.Timeout = orig.Timeout
	fresh := job.New(orig.Type, orig.Queue, orig.Payload, opts)

	if err := s.store.EnqueueJob(ctx, fresh); err != nil {
		return nil, err
	}
	if err := s.store.MarkReplayed(ctx, jobID); err != nil {
		// The copy is already enqueued.
		s.logger.Error("mark replayed failed",
			slog.String("job_id", jobID.String()),
			slog.String("replay_id", fresh.ID.String()),
			slog.String("error", err.Error()),
		)
		return fresh, err
	}

	s.logger.Info("dead job replayed",
		slog.String("job_id", jobID.String()),
		slog.String("replay_id", fresh.ID.String()),
		slog.String("job_type", fresh.Type),
	)
	if s.onNew != nil {
		s.onNew(ctx, fresh)
	}
	return fresh, nil
}

// Purge deletes dead jobs that failed before the cutoff and returns how
// many were removed.
func (s *Service) Purge(ctx context.Context, before time.Time) (int64, error) {
	n, err := s.store.PurgeDead(ctx, before)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info("purged dead jobs", slog.Int64("count", n), slog.Time("before", before))
	}
	return n, nil
}

func (s *Service) dead(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if j.Status != job.StatusDead {
		return nil, fmt.Errorf("%w: job %s is %s, not dead", dispatch.ErrInvalidState, jobID, j.Status)
	}
	return j, nil
}
