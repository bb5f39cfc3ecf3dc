package memory

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store    = (*Store)(nil)
	_ budget.Store = (*Store)(nil)
)

type usageKey struct {
	month    budget.Month
	provider string
}

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	jobs  map[string]*job.Job
	usage map[usageKey]*budget.Record

	now func() time.Time
}

// Option configures a memory Store.
type Option func(*Store)

// WithClock replaces the store clock.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns a new empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		jobs:  make(map[string]*job.Job),
		usage: make(map[usageKey]*budget.Record),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (m *Store) clock() time.Time { return m.now().UTC() }

// ──────────────────────────────────────────────────
// Lifecycle
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

func clone(j *job.Job) *job.Job {
	cp := *j
	cp.Payload = maps.Clone(j.Payload)
	return &cp
}

func unlock(j *job.Job) {
	j.LockedBy = id.Nil
	j.LockedAt = nil
}

// EnqueueJob persists a new job in pending state.
func (m *Store) EnqueueJob(_ context.Context, j *job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := j.ID.String()
	if _, exists := m.jobs[key]; exists {
		return dispatch.ErrJobAlreadyExists
	}
	cp := clone(j)
	cp.Status = job.StatusPending
	if cp.CreatedAt.IsZero() {
		cp.Entity = dispatch.Entity{CreatedAt: m.clock(), UpdatedAt: m.clock()}
	}
	if cp.ScheduledAt.IsZero() {
		cp.ScheduledAt = cp.CreatedAt
	}
	m.jobs[key] = cp
	return nil
}

// ClaimJobs claims up to limit eligible jobs from q under the store mutex,
// oldest scheduled_at first.
func (m *Store) ClaimJobs(ctx context.Context, q queue.Name, workerID id.WorkerID, limit int) ([]*job.Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock()

	candidates := make([]*job.Job, 0)
	for _, j := range m.jobs {
		if j.Queue != q || !j.Claimable(now) {
			continue
		}
		candidates = append(candidates, j)
	}

	sort.Slice(candidates, func(i, k int) bool {
		a, b := candidates[i], candidates[k]
		if !a.ScheduledAt.Equal(b.ScheduledAt) {
			return a.ScheduledAt.Before(b.ScheduledAt)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*job.Job, len(candidates))
	for i, j := range candidates {
		lockedAt := now
		j.Status = job.StatusRunning
		j.LockedBy = workerID
		j.LockedAt = &lockedAt
		j.Attempts++
		j.UpdatedAt = now
		result[i] = clone(j)
	}
	return result, nil
}

// ClaimNext claims the single oldest eligible job, or returns nil.
func (m *Store) ClaimNext(ctx context.Context, q queue.Name, workerID id.WorkerID) (*job.Job, error) {
	jobs, err := m.ClaimJobs(ctx, q, workerID, 1)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// running returns the job if it exists and is running.
func (m *Store) running(jobID id.JobID) (*job.Job, error) {
	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	if j.Status != job.StatusRunning {
		return nil, dispatch.ErrInvalidState
	}
	return j, nil
}

// claimedBy returns the job if it is running under workerID's claim.
func (m *Store) claimedBy(jobID id.JobID, workerID id.WorkerID) (*job.Job, error) {
	j, err := m.running(jobID)
	if err != nil {
		return nil, err
	}
	if j.LockedBy != workerID {
		return nil, dispatch.ErrInvalidState
	}
	return j, nil
}

// HeartbeatJob refreshes locked_at while workerID holds the claim.
func (m *Store) HeartbeatJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.clock()
	j.LockedAt = &now
	return nil
}

// MarkCompleted records success.
func (m *Store) MarkCompleted(_ context.Context, jobID id.JobID, workerID id.WorkerID, code job.ResultCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.clock()
	j.Status = job.StatusCompleted
	j.CompletedAt = &now
	j.ResultCode = code
	j.UpdatedAt = now
	unlock(j)
	return nil
}

// MarkFailed records a failure and either reschedules or dead-letters.
func (m *Store) MarkFailed(_ context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string, retryAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.clock()
	j.LastError = errMsg
	j.FailedAt = &now
	j.UpdatedAt = now
	unlock(j)
	if retryAt != nil && j.AttemptsLeft() {
		j.Status = job.StatusPending
		j.ScheduledAt = retryAt.UTC()
		return nil
	}
	j.Status = job.StatusDead
	return nil
}

// MarkDead dead-letters a running job held by workerID.
func (m *Store) MarkDead(_ context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	now := m.clock()
	j.Status = job.StatusDead
	j.LastError = errMsg
	j.FailedAt = &now
	j.UpdatedAt = now
	unlock(j)
	return nil
}

// DeferJob returns a running job to pending at runAt without spending
// its attempt.
func (m *Store) DeferJob(_ context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, code job.ResultCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = job.StatusPending
	j.ScheduledAt = runAt.UTC()
	j.ResultCode = code
	j.UpdatedAt = m.clock()
	if j.Attempts > 0 {
		j.Attempts--
	}
	unlock(j)
	return nil
}

// ReleaseJob hands a running job back for re-claim while workerID
// still holds it.
func (m *Store) ReleaseJob(_ context.Context, jobID id.JobID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, err := m.claimedBy(jobID, workerID)
	if err != nil {
		return err
	}
	j.Status = job.StatusPending
	j.UpdatedAt = m.clock()
	if j.Attempts > 0 {
		j.Attempts--
	}
	unlock(j)
	return nil
}

// ListStuck returns running jobs locked longer than threshold.
func (m *Store) ListStuck(_ context.Context, threshold time.Duration) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := m.clock().Add(-threshold)
	var stuck []*job.Job
	for _, j := range m.jobs {
		if j.Status == job.StatusRunning && j.LockedAt != nil && j.LockedAt.Before(cutoff) {
			stuck = append(stuck, clone(j))
		}
	}
	sort.Slice(stuck, func(i, k int) bool { return stuck[i].LockedAt.Before(*stuck[k].LockedAt) })
	return stuck, nil
}

// RequeueStuck resets an abandoned claim if locked_at is unchanged. A job
// with no attempts left is dead-lettered instead.
func (m *Store) RequeueStuck(_ context.Context, jobID id.JobID, lockedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return false, dispatch.ErrJobNotFound
	}
	if j.Status != job.StatusRunning || j.LockedAt == nil || !j.LockedAt.Equal(lockedAt) {
		return false, nil
	}
	now := m.clock()
	j.UpdatedAt = now
	unlock(j)
	if j.AttemptsLeft() {
		j.Status = job.StatusPending
		return true, nil
	}
	j.Status = job.StatusDead
	j.LastError = job.LostWorkerError
	j.FailedAt = &now
	return true, nil
}

// GetJob retrieves a job by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, dispatch.ErrJobNotFound
	}
	return clone(j), nil
}

// ListJobsByStatus returns jobs in status, most recently updated first.
func (m *Store) ListJobsByStatus(_ context.Context, status job.Status, opts job.ListOpts) ([]*job.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.Status != status {
			continue
		}
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		result = append(result, clone(j))
	}

	sort.Slice(result, func(i, k int) bool {
		if !result[i].UpdatedAt.Equal(result[k].UpdatedAt) {
			return result[i].UpdatedAt.After(result[k].UpdatedAt)
		}
		return result[i].ID.String() > result[k].ID.String()
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}
	return result, nil
}

// CountJobs returns the number of jobs matching the given options.
func (m *Store) CountJobs(_ context.Context, opts job.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, j := range m.jobs {
		if opts.Queue != "" && j.Queue != opts.Queue {
			continue
		}
		if opts.Status != "" && j.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// QueueDepths reports the health of every known queue.
func (m *Store) QueueDepths(_ context.Context, stuckThreshold time.Duration) ([]job.QueueDepth, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.clock()
	cutoff := now.Add(-stuckThreshold)

	accs := make(map[queue.Name]*depthAcc)
	get := func(q queue.Name) *depthAcc {
		a, ok := accs[q]
		if !ok {
			a = &depthAcc{depth: job.QueueDepth{Queue: q}}
			accs[q] = a
		}
		return a
	}

	for _, j := range m.jobs {
		switch j.Status {
		case job.StatusPending:
			a := get(j.Queue)
			a.depth.PendingCount++
			if !j.ScheduledAt.After(now) {
				a.waitSum += now.Sub(j.ScheduledAt).Seconds()
				a.waitN++
			}
		case job.StatusRunning:
			if j.LockedAt != nil && j.LockedAt.Before(cutoff) {
				get(j.Queue).depth.StuckCount++
			}
		}
	}

	found := make([]job.QueueDepth, 0, len(accs))
	for _, a := range accs {
		if a.waitN > 0 {
			a.depth.AvgWaitSeconds = a.waitSum / float64(a.waitN)
		}
		found = append(found, a.depth)
	}
	return job.CompleteDepths(found), nil
}

type depthAcc struct {
	depth   job.QueueDepth
	waitSum float64
	waitN   int
}

// MarkReplayed stamps replayed_at on a dead job.
func (m *Store) MarkReplayed(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	j, ok := m.jobs[jobID.String()]
	if !ok {
		return dispatch.ErrJobNotFound
	}
	if j.Status != job.StatusDead {
		return dispatch.ErrInvalidState
	}
	now := m.clock()
	j.ReplayedAt = &now
	j.UpdatedAt = now
	return nil
}

// PurgeDead deletes dead jobs that failed before the cutoff.
func (m *Store) PurgeDead(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for key, j := range m.jobs {
		if j.Status != job.StatusDead {
			continue
		}
		at := j.UpdatedAt
		if j.FailedAt != nil {
			at = *j.FailedAt
		}
		if at.Before(before) {
			delete(m.jobs, key)
			n++
		}
	}
	return n, nil
}

// ──────────────────────────────────────────────────
// Budget Store
// ──────────────────────────────────────────────────

// AddUsage adds delta to the (month, provider) record under the mutex.
func (m *Store) AddUsage(_ context.Context, month budget.Month, provider string, delta budget.Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := usageKey{month: month, provider: provider}
	r, ok := m.usage[key]
	if !ok {
		r = &budget.Record{Month: month, Provider: provider}
		m.usage[key] = r
	}
	r.RequestCount += delta.Requests
	r.InputTokens += delta.InputTokens
	r.OutputTokens += delta.OutputTokens
	r.CostCents += delta.CostCents
	r.UpdatedAt = m.clock()
	return nil
}

// ListUsage returns the records of month ordered by provider.
func (m *Store) ListUsage(_ context.Context, month budget.Month) ([]budget.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]budget.Record, 0)
	for key, r := range m.usage {
		if key.month == month {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Provider < out[k].Provider })
	return out, nil
}
