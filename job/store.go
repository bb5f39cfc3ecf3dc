package job

import (
	"context"
	"sort"
	"time"

	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/queue"
)

// LostWorkerError is recorded on jobs dead-lettered by RequeueStuck after
// their last attempt was abandoned.
const LostWorkerError = "worker lost while running"

// ListOpts controls pagination and filtering for job list queries.
type ListOpts struct {
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit int
	// Offset is the number of jobs to skip.
	Offset int
	// Queue filters by queue name. Empty means all queues.
	Queue queue.Name
}

// CountOpts controls filtering for job count queries.
type CountOpts struct {
	// Queue filters by queue name. Empty means all queues.
	Queue queue.Name
	// Status filters by job status. Empty means all statuses.
	Status Status
}

// QueueDepth is the health of one queue.
type QueueDepth struct {
	Queue          queue.Name `json:"queue"`
	PendingCount   int64      `json:"pending_count"`
	AvgWaitSeconds float64    `json:"avg_wait_seconds"`
	StuckCount     int64      `json:"stuck_count"`
}

// Store defines the persistence contract for jobs. Implementations must
// make ClaimJobs atomic against concurrent claimers in any process.
type Store interface {
	// EnqueueJob persists a new job in pending state.
	EnqueueJob(ctx context.Context, j *Job) error

	// ClaimJobs atomically claims up to limit eligible pending jobs from
	// q for workerID, oldest scheduled_at first. Each claimed job is set
	// running, locked and has its attempts incremented.
	ClaimJobs(ctx context.Context, q queue.Name, workerID id.WorkerID, limit int) ([]*Job, error)

	// ClaimNext claims a single job. It returns nil, nil when nothing is
	// eligible.
	ClaimNext(ctx context.Context, q queue.Name, workerID id.WorkerID) (*Job, error)

	// HeartbeatJob refreshes locked_at while workerID holds the claim.
	HeartbeatJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// The outcome operations below apply only while workerID still holds
	// the claim. A former owner whose claim was reset and re-taken gets
	// ErrInvalidState and the new claim is left untouched.

	// MarkCompleted records success and clears the lock.
	MarkCompleted(ctx context.Context, jobID id.JobID, workerID id.WorkerID, code ResultCode) error

	// MarkFailed records a failure. With retryAt set and attempts left,
	// the job returns to pending at retryAt. Otherwise it becomes dead.
	MarkFailed(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string, retryAt *time.Time) error

	// MarkDead dead-letters a running job.
	MarkDead(ctx context.Context, jobID id.JobID, workerID id.WorkerID, errMsg string) error

	// DeferJob reschedules a running job for runAt and gives back
	// the attempt consumed by its claim.
	DeferJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID, runAt time.Time, code ResultCode) error

	// ReleaseJob returns a running job to pending and gives back its
	// attempt, only while workerID still holds the claim.
	ReleaseJob(ctx context.Context, jobID id.JobID, workerID id.WorkerID) error

	// ListStuck returns running jobs whose locked_at is older than threshold.
	ListStuck(ctx context.Context, threshold time.Duration) ([]*Job, error)

	// RequeueStuck resets an abandoned claim. The reset applies only if
	// locked_at still equals lockedAt. It reports whether it applied.
	RequeueStuck(ctx context.Context, jobID id.JobID, lockedAt time.Time) (bool, error)

	// GetJob retrieves a job by ID.
	GetJob(ctx context.Context, jobID id.JobID) (*Job, error)

	// ListJobsByStatus returns jobs in status, newest first.
	ListJobsByStatus(ctx context.Context, status Status, opts ListOpts) ([]*Job, error)

	// CountJobs returns the number of jobs matching opts.
	CountJobs(ctx context.Context, opts CountOpts) (int64, error)

	// QueueDepths reports pending counts, average wait of claimable jobs
	// and jobs running longer than stuckThreshold, per queue.
	QueueDepths(ctx context.Context, stuckThreshold time.Duration) ([]QueueDepth, error)

	// MarkReplayed stamps replayed_at on a dead job.
	MarkReplayed(ctx context.Context, jobID id.JobID) error

	// PurgeDead deletes dead jobs that failed before the cutoff. It
	// returns the number of rows removed.
	PurgeDead(ctx context.Context, before time.Time) (int64, error)
}

// CompleteDepths adds a zero entry for every known queue missing from
// found and orders the result by queue priority, highest first.
func CompleteDepths(found []QueueDepth) []QueueDepth {
	byName := make(map[queue.Name]QueueDepth, len(found))
	for _, d := range found {
		byName[d.Queue] = d
	}
	for _, q := range queue.All() {
		if _, ok := byName[q]; !ok {
			byName[q] = QueueDepth{Queue: q}
		}
	}
	out := make([]QueueDepth, 0, len(byName))
	for _, d := range byName {
		out = append(out, d)
	}
	sort.Slice(out, func(i, k int) bool {
		pi, pk := out[i].Queue.Priority(), out[k].Queue.Priority()
		if pi != pk {
			return pi > pk
		}
		return out[i].Queue < out[k].Queue
	})
	return out
}
