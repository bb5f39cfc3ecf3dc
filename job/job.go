package job

import (
	"time"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/queue"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	// StatusPending means the job waits for scheduled_at and a free worker.
	StatusPending Status = "pending"
	// StatusRunning means a worker holds the claim.
	StatusRunning Status = "running"
	// StatusCompleted means the handler returned a result.
	StatusCompleted Status = "completed"
	// StatusFailed is recorded for a retryable failure. Stores move the
	// row straight back to pending with a future scheduled_at.
	StatusFailed Status = "failed"
	// StatusDead is terminal. Only an operator replay creates new work.
	StatusDead Status = "dead"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusDead:
		return true
	}
	return false
}

// Payload is the JSON object handed to a handler.
type Payload map[string]any

// Job is one persisted unit of background work.
type Job struct {
	dispatch.Entity

	ID          id.JobID      `json:"id"`
	Type        string        `json:"type"`
	Queue       queue.Name    `json:"queue"`
	Payload     Payload       `json:"payload"`
	Status      Status        `json:"status"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	LockedBy    id.WorkerID   `json:"locked_by,omitempty"`
	LockedAt    *time.Time    `json:"locked_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	FailedAt    *time.Time    `json:"failed_at,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
	ResultCode  ResultCode    `json:"result_code,omitempty"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	ReplayedAt  *time.Time    `json:"replayed_at,omitempty"`
}

// New builds a pending job of the given type, ready for EnqueueJob.
func New(jobType string, q queue.Name, payload Payload, opts Options) *Job {
	ent := dispatch.NewEntity()
	if payload == nil {
		payload = Payload{}
	}
	maxAttempts := opts.Policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Job{
		Entity:      ent,
		ID:          id.NewJobID(),
		Type:        jobType,
		Queue:       q,
		Payload:     payload,
		Status:      StatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: ent.CreatedAt,
		Timeout:     opts.Timeout,
	}
}

// Claimable reports whether the job may be claimed at now.
func (j *Job) Claimable(now time.Time) bool {
	return j.Status == StatusPending &&
		j.Attempts < j.MaxAttempts &&
		!j.ScheduledAt.After(now)
}

// AttemptsLeft reports whether another attempt is allowed.
func (j *Job) AttemptsLeft() bool { return j.Attempts < j.MaxAttempts }
