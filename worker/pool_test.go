package worker_test

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teacurran/village-dispatch/ext"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/middleware"
	"github.com/teacurran/village-dispatch/queue"
	"github.com/teacurran/village-dispatch/store/memory"
	"github.com/teacurran/village-dispatch/worker"
)

type harness struct {
	pool  *worker.Pool
	store *memory.Store
	reg   *job.Registry
	exts  *ext.Registry
}

func setupTestPool(t *testing.T, lanes []queue.Config, opts ...worker.PoolOption) *harness {
	t.Helper()
	return setupWithStore(t, memory.New(), lanes, opts...)
}

func setupWithStore(t *testing.T, s *memory.Store, lanes []queue.Config, opts ...worker.PoolOption) *harness {
	t.Helper()
	logger := slog.Default()
	reg := job.NewRegistry()
	exts := ext.NewRegistry(logger)

	executor := worker.NewExecutor(reg, exts, s, id.NewWorkerID(), logger, middleware.Recover(logger))
	opts = append([]worker.PoolOption{
		worker.WithLanes(lanes),
		worker.WithPollInterval(5 * time.Millisecond),
		worker.WithStuckScanInterval(0),
		worker.WithDrainTimeout(2 * time.Second),
	}, opts...)
	pool := worker.NewPool(s, executor, exts, logger, opts...)
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	return &harness{pool: pool, store: s, reg: reg, exts: exts}
}

func (h *harness) enqueue(t *testing.T, jobType string, q queue.Name, payload job.Payload) *job.Job {
	t.Helper()
	j := job.New(jobType, q, payload, h.reg.Options(jobType))
	if err := h.store.EnqueueJob(context.Background(), j); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return j
}

func (h *harness) get(t *testing.T, jobID id.JobID) *job.Job {
	t.Helper()
	j, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	return j
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func lane(q queue.Name, concurrency int) queue.Config {
	return queue.Config{Name: q, Concurrency: concurrency}
}

// fastRetry gives a type near-instant, jitter-free backoff.
func fastRetry(maxAttempts int) []job.Option {
	return []job.Option{
		job.WithMaxAttempts(maxAttempts),
		job.WithBackoff(time.Millisecond, time.Millisecond),
		job.WithJitter(0),
	}
}

func TestPool_StartStop(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 2)})

	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected start error: %v", err)
	}
	// Double start should be no-op.
	if err := h.pool.Start(context.Background()); err != nil {
		t.Fatalf("unexpected double-start error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected stop error: %v", err)
	}
	// Double stop should be no-op.
	if err := h.pool.Stop(ctx); err != nil {
		t.Fatalf("unexpected double-stop error: %v", err)
	}
}

func TestPool_ProcessesTypedJob(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 1)})

	type greet struct {
		Name  string `json:"name"`
		Times int    `json:"times"`
	}
	var got atomic.Value
	job.RegisterDefinition(h.reg, job.NewDefinition("greet", func(_ context.Context, _ id.JobID, p greet) (job.Result, error) {
		got.Store(p)
		return job.OK(), nil
	}))

	j := h.enqueue(t, "greet", queue.Default, job.Payload{"name": "Alice", "times": float64(2)})
	_ = h.pool.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, j.ID).Status == job.StatusCompleted })

	if p, _ := got.Load().(greet); p.Name != "Alice" || p.Times != 2 {
		t.Fatalf("payload = %+v", p)
	}
	done := h.get(t, j.ID)
	if done.Attempts != 1 || done.ResultCode != job.ResultOK || done.CompletedAt == nil {
		t.Fatalf("completed job = %+v", done)
	}
}

func TestPool_BulkJobsExhaustAttemptsAndDie(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Bulk, 1)})

	var calls atomic.Int64
	h.reg.Register("always.fails", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		calls.Add(1)
		return job.Result{}, errors.New("upstream unavailable")
	}, optionsOf(fastRetry(2)...))

	jobs := make([]*job.Job, 5)
	for i := range jobs {
		jobs[i] = h.enqueue(t, "always.fails", queue.Bulk, nil)
	}
	_ = h.pool.Start(context.Background())

	waitFor(t, "all jobs dead", func() bool {
		n, _ := h.store.CountJobs(context.Background(), job.CountOpts{Status: job.StatusDead})
		return n == 5
	})
	for _, j := range jobs {
		got := h.get(t, j.ID)
		if got.Attempts != 2 || got.LastError != "upstream unavailable" {
			t.Errorf("job %s attempts=%d last_error=%q", j.ID, got.Attempts, got.LastError)
		}
	}
	if calls.Load() != 10 {
		t.Fatalf("handler calls = %d, want 10", calls.Load())
	}
}

func TestPool_PanicIsRetried(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 1)})

	var calls atomic.Int64
	h.reg.Register("flaky", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		if calls.Add(1) == 1 {
			panic("nil map")
		}
		return job.OK(), nil
	}, optionsOf(fastRetry(3)...))

	j := h.enqueue(t, "flaky", queue.Default, nil)
	_ = h.pool.Start(context.Background())

	waitFor(t, "completion", func() bool { return h.get(t, j.ID).Status == job.StatusCompleted })
	if got := h.get(t, j.ID); got.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", got.Attempts)
	}
}

func TestPool_StalledQueueDoesNotBlockOthers(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 1), lane(queue.Bulk, 1)})

	release := make(chan struct{})
	h.reg.Register("bulk.slow", func(ctx context.Context, _ id.JobID, _ job.Payload) (job.Result, error) {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return job.OK(), nil
	}, job.DefaultOptions())
	h.reg.Register("fast", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		return job.OK(), nil
	}, job.DefaultOptions())

	slow := h.enqueue(t, "bulk.slow", queue.Bulk, nil)
	_ = h.pool.Start(context.Background())
	waitFor(t, "bulk job running", func() bool { return h.get(t, slow.ID).Status == job.StatusRunning })

	fast := h.enqueue(t, "fast", queue.Default, nil)
	waitFor(t, "default job completion", func() bool { return h.get(t, fast.ID).Status == job.StatusCompleted })

	if h.get(t, slow.ID).Status != job.StatusRunning {
		t.Fatal("bulk job should still be running")
	}
	close(release)
}

func TestPool_RespectsQueueConcurrency(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 2)})

	var current, peak atomic.Int64
	h.reg.Register("work", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(15 * time.Millisecond)
		current.Add(-1)
		return job.OK(), nil
	}, job.DefaultOptions())

	for range 10 {
		h.enqueue(t, "work", queue.Default, nil)
	}
	_ = h.pool.Start(context.Background())

	waitFor(t, "all completed", func() bool {
		n, _ := h.store.CountJobs(context.Background(), job.CountOpts{Status: job.StatusCompleted})
		return n == 10
	})
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestPool_GracefulDrainCompletesInFlight(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 1)})

	started := make(chan struct{})
	h.reg.Register("slow", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return job.OK(), nil
	}, job.DefaultOptions())

	j := h.enqueue(t, "slow", queue.Default, nil)
	_ = h.pool.Start(context.Background())
	<-started

	if err := h.pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := h.get(t, j.ID); got.Status != job.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
}

func TestPool_DrainTimeoutReleasesJobs(t *testing.T) {
	h := setupTestPool(t, []queue.Config{lane(queue.Default, 1)},
		worker.WithDrainTimeout(30*time.Millisecond),
	)

	started := make(chan struct{})
	h.reg.Register("stuck", func(ctx context.Context, _ id.JobID, _ job.Payload) (job.Result, error) {
		close(started)
		<-ctx.Done()
		return job.Result{}, ctx.Err()
	}, job.DefaultOptions())

	j := h.enqueue(t, "stuck", queue.Default, nil)
	_ = h.pool.Start(context.Background())
	<-started

	if err := h.pool.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got := h.get(t, j.ID)
	if got.Status != job.StatusPending || got.Attempts != 0 || got.LockedAt != nil {
		t.Fatalf("released job = status %s attempts %d locked_at %v", got.Status, got.Attempts, got.LockedAt)
	}
	if h.pool.ActiveCount() != 0 {
		t.Fatalf("active = %d after stop", h.pool.ActiveCount())
	}
}

func TestPool_ReapStuck(t *testing.T) {
	clk := &clock{t: time.Now().UTC().Add(time.Minute)}
	s := memory.New(memory.WithClock(clk.Now))
	dead := &deadRecorder{}
	h := setupWithStore(t, s, []queue.Config{lane(queue.Low, 1)}, worker.WithStuckThreshold(time.Minute))
	h.exts.Register(dead)
	h.reg.Register("feed.refresh", func(context.Context, id.JobID, job.Payload) (job.Result, error) {
		return job.OK(), nil
	}, optionsOf(job.WithMaxAttempts(2)))
	ctx := context.Background()

	retryable := h.enqueue(t, "feed.refresh", queue.Low, nil)
	lost := id.NewWorkerID()
	if _, err := s.ClaimNext(ctx, queue.Low, lost); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)

	n, err := h.pool.ReapStuck(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ReapStuck = %d, %v", n, err)
	}
	got := h.get(t, retryable.ID)
	if got.Status != job.StatusPending || got.Attempts != 1 {
		t.Fatalf("requeued = %+v", got)
	}

	// Second loss spends the last attempt.
	if _, err := s.ClaimNext(ctx, queue.Low, lost); err != nil {
		t.Fatal(err)
	}
	clk.Advance(2 * time.Minute)
	if n, _ = h.pool.ReapStuck(ctx); n != 1 {
		t.Fatalf("second reap = %d", n)
	}
	got = h.get(t, retryable.ID)
	if got.Status != job.StatusDead || got.LastError != job.LostWorkerError {
		t.Fatalf("exhausted = %+v", got)
	}
	if dead.count() != 1 {
		t.Fatalf("dead hooks = %d, want 1", dead.count())
	}
}

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

func optionsOf(opts ...job.Option) job.Options {
	o := job.DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type deadRecorder struct {
	mu   sync.Mutex
	jobs []*job.Job
}

func (d *deadRecorder) Name() string { return "dead-recorder" }

func (d *deadRecorder) OnJobDead(_ context.Context, j *job.Job, _ error) error {
	d.mu.Lock()
	d.jobs = append(d.jobs, j)
	d.mu.Unlock()
	return nil
}

func (d *deadRecorder) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}
