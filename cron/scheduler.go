package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// ErrDuplicateEntry is returned when a name is registered twice.
var ErrDuplicateEntry = errors.New("cron: entry already registered")

// ErrUnknownEntry is returned by Run for a name that was never added.
var ErrUnknownEntry = errors.New("cron: unknown entry")

// EnqueueFunc is the callback the scheduler uses to enqueue jobs.
// This breaks the import cycle: the engine provides the implementation.
type EnqueueFunc func(ctx context.Context, jobType string, q queue.Name, payload job.Payload) (id.JobID, error)

// cronParser supports standard 5-field cron and descriptors like "@every 30s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// ParseSchedule parses a cron expression and returns the schedule.
func ParseSchedule(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLocation sets the time zone schedules are evaluated in. The default
// is UTC, matching budget months.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) { s.location = loc }
}

// WithTaskTimeout bounds a single run of any entry. Zero means no bound.
func WithTaskTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.taskTimeout = d }
}

// Scheduler runs maintenance tasks and recurring enqueues inside the
// worker process. Every process with a scheduler runs it; tasks must be
// safe to run concurrently from several processes, which the store's
// CAS requeue and idempotent purge guarantee.
type Scheduler struct {
	enqueue     EnqueueFunc
	logger      *slog.Logger
	location    *time.Location
	taskTimeout time.Duration

	mu      sync.Mutex
	runner  *cronlib.Cron
	entries map[string]*state

	ctx    context.Context
	cancel context.CancelFunc
}

type state struct {
	entry  Entry
	run    TaskFunc
	cronID cronlib.EntryID
}

// NewScheduler creates a Scheduler. enqueue may be nil when no job
// definitions are added.
func NewScheduler(enqueue EnqueueFunc, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		enqueue:  enqueue,
		logger:   logger,
		location: time.UTC,
		entries:  make(map[string]*state),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	adapter := slogAdapter{logger: logger}
	s.runner = cronlib.New(
		cronlib.WithParser(cronParser),
		cronlib.WithLocation(s.location),
		cronlib.WithLogger(adapter),
		cronlib.WithChain(
			cronlib.Recover(adapter),
			cronlib.SkipIfStillRunning(adapter),
		),
	)
	return s
}

// AddTask registers a maintenance task.
func (s *Scheduler) AddTask(t Task) error {
	if t.Run == nil {
		return fmt.Errorf("cron: task %q has no run func", t.Name)
	}
	return s.add(t.Name, t.Schedule, KindTask, t.Run)
}

// AddJob registers a recurring enqueue.
func (s *Scheduler) AddJob(def JobDefinition) error {
	if s.enqueue == nil {
		return fmt.Errorf("cron: job %q added without an enqueue func", def.Name)
	}
	if def.JobType == "" {
		return fmt.Errorf("cron: job %q has no job type", def.Name)
	}
	return s.add(def.Name, def.Schedule, KindJob, func(ctx context.Context) error {
		payload := make(job.Payload, len(def.Payload))
		for k, v := range def.Payload {
			payload[k] = v
		}
		jobID, err := s.enqueue(ctx, def.JobType, def.Queue, payload)
		if err != nil {
			return err
		}
		s.logger.Info("cron enqueued job",
			slog.String("cron_name", def.Name),
			slog.String("job_type", def.JobType),
			slog.String("job_id", jobID.String()),
		)
		return nil
	})
}

func (s *Scheduler) add(name, expr string, kind Kind, fn TaskFunc) error {
	if name == "" {
		return errors.New("cron: entry name is required")
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return fmt.Errorf("cron: parse schedule %q for %s: %w", expr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateEntry, name)
	}
	st := &state{
		entry: Entry{Name: name, Schedule: expr, Kind: kind},
		run:   fn,
	}
	st.cronID = s.runner.Schedule(sched, cronlib.FuncJob(func() { s.fire(s.ctx, name) }))
	s.entries[name] = st
	return nil
}

// Start begins evaluating schedules.
func (s *Scheduler) Start(_ context.Context) error {
	s.runner.Start()
	s.logger.Info("cron scheduler started", slog.Int("entries", s.Len()))
	return nil
}

// Stop stops scheduling and waits for running entries until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.runner.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
	s.cancel()
	s.logger.Info("cron scheduler stopped")
	return nil
}

// Run fires the named entry immediately, outside its schedule.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	s.mu.Lock()
	_, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntry, name)
	}
	return s.fire(ctx, name)
}

// Entries returns a snapshot of all entries sorted by name.
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, st := range s.entries {
		e := st.entry
		if next := s.runner.Entry(st.cronID).Next; !next.IsZero() {
			n := next.UTC()
			e.NextRunAt = &n
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len returns the number of registered entries.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *Scheduler) fire(ctx context.Context, name string) error {
	s.mu.Lock()
	st := s.entries[name]
	s.mu.Unlock()

	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	start := time.Now().UTC()
	err := st.run(ctx)
	elapsed := time.Since(start)

	s.mu.Lock()
	st.entry.Runs++
	st.entry.LastRunAt = &start
	st.entry.LastError = ""
	if err != nil {
		st.entry.LastError = err.Error()
	}
	s.mu.Unlock()

	runsTotal.WithLabelValues(name, outcome(err)).Inc()
	if err != nil {
		s.logger.Error("cron entry failed",
			slog.String("cron_name", name),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return err
	}
	s.logger.Debug("cron entry ran",
		slog.String("cron_name", name),
		slog.Duration("elapsed", elapsed),
	)
	return nil
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// slogAdapter satisfies cronlib.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (a slogAdapter) Info(msg string, keysAndValues ...any) {
	a.logger.Debug("cron: "+msg, keysAndValues...)
}

func (a slogAdapter) Error(err error, msg string, keysAndValues ...any) {
	a.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
