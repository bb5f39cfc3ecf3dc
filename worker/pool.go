package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teacurran/village-dispatch/ext"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// Pool runs one independent claim loop per queue. Each loop owns a slot
// channel sized to the queue's concurrency, so a stalled handler on one
// queue never holds up another.
type Pool struct {
	store      job.Store
	executor   *Executor
	extensions *ext.Registry
	workerID   id.WorkerID
	logger     *slog.Logger

	lanes             []queue.Config
	pollInterval      time.Duration
	claimBatch        int
	heartbeatInterval time.Duration
	stuckThreshold    time.Duration
	stuckScanInterval time.Duration
	drainTimeout      time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	hbStop  chan struct{}
	cancel  context.CancelFunc
	loops   sync.WaitGroup
	hb      sync.WaitGroup
	jobs    sync.WaitGroup

	activeMu sync.Mutex
	active   map[id.JobID]context.CancelCauseFunc
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithLanes sets the queues the pool serves and their concurrency.
func WithLanes(lanes []queue.Config) PoolOption {
	return func(p *Pool) { p.lanes = lanes }
}

// WithPollInterval sets how long an idle loop sleeps between claims.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithClaimBatch caps how many jobs one loop iteration claims.
func WithClaimBatch(n int) PoolOption {
	return func(p *Pool) { p.claimBatch = n }
}

// WithHeartbeatInterval sets how often running claims are refreshed.
// Zero disables heartbeats.
func WithHeartbeatInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.heartbeatInterval = d }
}

// WithStuckThreshold sets the claim age after which a job counts as
// abandoned.
func WithStuckThreshold(d time.Duration) PoolOption {
	return func(p *Pool) { p.stuckThreshold = d }
}

// WithStuckScanInterval sets how often the reaper runs. Zero disables
// the in-pool reaper.
func WithStuckScanInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.stuckScanInterval = d }
}

// WithDrainTimeout bounds how long Stop waits for in-flight jobs.
func WithDrainTimeout(d time.Duration) PoolOption {
	return func(p *Pool) { p.drainTimeout = d }
}

// NewPool creates a worker pool. The pool claims under the executor's
// worker ID so that every outcome it records matches the claim.
func NewPool(
	store job.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	if extensions == nil {
		extensions = ext.NewRegistry(logger)
	}
	p := &Pool{
		store:             store,
		executor:          executor,
		extensions:        extensions,
		workerID:          executor.WorkerID(),
		logger:            logger,
		lanes:             queue.DefaultConfigs(),
		pollInterval:      time.Second,
		claimBatch:        10,
		stuckThreshold:    5 * time.Minute,
		stuckScanInterval: time.Minute,
		drainTimeout:      30 * time.Second,
		active:            make(map[id.JobID]context.CancelCauseFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.claimBatch < 1 {
		p.claimBatch = 1
	}
	queue.Sort(p.lanes)
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the queue loops, heartbeat and reaper. It returns
// immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.hbStop = make(chan struct{})

	var loopCtx context.Context
	loopCtx, p.cancel = context.WithCancel(context.Background())

	names := make([]string, 0, len(p.lanes))
	for _, lane := range p.lanes {
		names = append(names, lane.Name.String())
	}
	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Any("queues", names),
		slog.Int("claim_batch", p.claimBatch),
	)

	for _, lane := range p.lanes {
		p.loops.Add(1)
		go p.laneLoop(loopCtx, lane)
	}
	if p.stuckScanInterval > 0 && p.stuckThreshold > 0 {
		p.loops.Add(1)
		go p.reaperLoop(loopCtx)
	}
	if p.heartbeatInterval > 0 {
		p.hb.Add(1)
		go p.heartbeatLoop()
	}
	return nil
}

// Stop stops claiming, waits up to the drain timeout for in-flight jobs,
// then cancels the rest and releases their claims for another worker.
// ctx bounds the whole shutdown.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)
	p.cancel()
	p.loops.Wait()

	done := make(chan struct{})
	go func() {
		p.jobs.Wait()
		close(done)
	}()

	drain := time.NewTimer(p.drainTimeout)
	defer drain.Stop()

	var err error
	select {
	case <-done:
		p.logger.Info("worker pool drained")
	case <-drain.C:
		p.logger.Warn("drain timeout, releasing in-flight jobs",
			slog.Duration("drain_timeout", p.drainTimeout),
			slog.Int("in_flight", p.ActiveCount()),
		)
		p.releaseActive(ctx)
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		p.releaseActive(context.WithoutCancel(ctx))
		err = ctx.Err()
	}

	close(p.hbStop)
	p.hb.Wait()
	return err
}

// ActiveCount returns the number of jobs currently executing.
func (p *Pool) ActiveCount() int {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	return len(p.active)
}

// ──────────────────────────────────────────────────
// Queue loops
// ──────────────────────────────────────────────────

func (p *Pool) laneLoop(ctx context.Context, lane queue.Config) {
	defer p.loops.Done()

	slots := make(chan struct{}, lane.Slots())
	limiter := lane.Limiter()

	for {
		// Block for the first free slot, then take any others without
		// waiting.
		select {
		case slots <- struct{}{}:
		case <-p.stopCh:
			return
		}
		n := 1
	fill:
		for n < p.claimBatch {
			select {
			case slots <- struct{}{}:
				n++
			default:
				break fill
			}
		}

		if limiter != nil {
			if burst := limiter.Burst(); n > burst {
				freeSlots(slots, n-burst)
				n = burst
			}
			if err := limiter.WaitN(ctx, n); err != nil {
				freeSlots(slots, n)
				return
			}
		}

		// Stop may have landed while the slots were being taken.
		select {
		case <-p.stopCh:
			freeSlots(slots, n)
			return
		default:
		}

		jobs, err := p.store.ClaimJobs(ctx, lane.Name, p.workerID, n)
		if err != nil {
			freeSlots(slots, n)
			if errors.Is(err, context.Canceled) {
				return
			}
			p.logger.Error("claim error",
				slog.String("queue", lane.Name.String()),
				slog.String("error", err.Error()),
			)
			p.sleep()
			continue
		}
		freeSlots(slots, n-len(jobs))

		for _, j := range jobs {
			p.jobs.Add(1)
			go p.run(j, slots)
		}
		if len(jobs) == 0 {
			p.sleep()
		}
	}
}

func freeSlots(slots chan struct{}, n int) {
	for range n {
		<-slots
	}
}

// run executes one claimed job. Its context is detached from the loop so
// that Stop can drain it.
func (p *Pool) run(j *job.Job, slots chan struct{}) {
	defer p.jobs.Done()
	defer func() { <-slots }()

	ctx, cancel := context.WithCancelCause(context.Background())
	p.track(j.ID, cancel)
	defer func() {
		p.untrack(j.ID)
		cancel(nil)
	}()

	outcome, err := p.executor.Execute(ctx, j)
	if err != nil {
		return
	}
	p.logger.Debug("job executed",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", j.Type),
		slog.String("outcome", string(outcome)),
	)
}

func (p *Pool) sleep() {
	t := time.NewTimer(p.pollInterval)
	defer t.Stop()
	select {
	case <-t.C:
	case <-p.stopCh:
	}
}

// ──────────────────────────────────────────────────
// Heartbeat
// ──────────────────────────────────────────────────

func (p *Pool) heartbeatLoop() {
	defer p.hb.Done()

	ticker := time.NewTicker(p.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.hbStop:
			return
		case <-ticker.C:
			p.sendHeartbeats()
		}
	}
}

func (p *Pool) sendHeartbeats() {
	for _, jobID := range p.activeIDs() {
		if err := p.store.HeartbeatJob(context.Background(), jobID, p.workerID); err != nil {
			p.logger.Warn("heartbeat failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// ──────────────────────────────────────────────────
// Stuck-job reaper
// ──────────────────────────────────────────────────

func (p *Pool) reaperLoop(ctx context.Context) {
	defer p.loops.Done()

	ticker := time.NewTicker(p.stuckScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if _, err := p.ReapStuck(ctx); err != nil && !errors.Is(err, context.Canceled) {
				p.logger.Error("stuck job scan failed", slog.String("error", err.Error()))
			}
		}
	}
}

// ReapStuck requeues jobs whose claim is older than the stuck threshold.
// Jobs that already spent their last attempt are dead-lettered by the
// store instead. The conditional requeue never takes a claim that was
// refreshed after the scan. It returns the number of jobs reset.
func (p *Pool) ReapStuck(ctx context.Context) (int, error) {
	stuck, err := p.store.ListStuck(ctx, p.stuckThreshold)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, j := range stuck {
		if j.LockedAt == nil || p.isActive(j.ID) {
			continue
		}
		ok, err := p.store.RequeueStuck(ctx, j.ID, *j.LockedAt)
		if err != nil {
			p.logger.Error("requeue stuck job failed",
				slog.String("job_id", j.ID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !ok {
			continue
		}
		reaped++

		lostBy := j.LockedBy
		j.LockedBy = id.Nil
		j.LockedAt = nil
		if j.AttemptsLeft() {
			j.Status = job.StatusPending
			p.logger.Info("requeued stuck job",
				slog.String("job_id", j.ID.String()),
				slog.String("job_type", j.Type),
				slog.String("lost_worker", lostBy.String()),
				slog.Int("attempts", j.Attempts),
			)
			p.extensions.EmitJobRecovered(ctx, j)
			continue
		}

		j.Status = job.StatusDead
		j.LastError = job.LostWorkerError
		p.logger.Warn("job is dead",
			slog.String("job_id", j.ID.String()),
			slog.String("job_type", j.Type),
			slog.String("queue", j.Queue.String()),
			slog.Int("attempts", j.Attempts),
			slog.String("error", job.LostWorkerError),
		)
		p.extensions.EmitJobDead(ctx, j, errors.New(job.LostWorkerError))
	}
	return reaped, nil
}

// ──────────────────────────────────────────────────
// Active job tracking
// ──────────────────────────────────────────────────

func (p *Pool) track(jobID id.JobID, cancel context.CancelCauseFunc) {
	p.activeMu.Lock()
	p.active[jobID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrack(jobID id.JobID) {
	p.activeMu.Lock()
	delete(p.active, jobID)
	p.activeMu.Unlock()
}

func (p *Pool) isActive(jobID id.JobID) bool {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	_, ok := p.active[jobID]
	return ok
}

func (p *Pool) activeIDs() []id.JobID {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	ids := make([]id.JobID, 0, len(p.active))
	for jobID := range p.active {
		ids = append(ids, jobID)
	}
	return ids
}

// releaseActive cancels every in-flight job with ErrDrainTimeout and
// hands its claim back to the queue.
func (p *Pool) releaseActive(ctx context.Context) {
	p.activeMu.Lock()
	active := make(map[id.JobID]context.CancelCauseFunc, len(p.active))
	for jobID, cancel := range p.active {
		active[jobID] = cancel
	}
	p.activeMu.Unlock()

	for jobID, cancel := range active {
		cancel(ErrDrainTimeout)
		if err := p.store.ReleaseJob(ctx, jobID, p.workerID); err != nil {
			p.logger.Error("release job failed",
				slog.String("job_id", jobID.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.logger.Warn("released in-flight job", slog.String("job_id", jobID.String()))
	}
}
