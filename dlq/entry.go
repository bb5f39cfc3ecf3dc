package dlq

import (
	"time"

	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// Entry is the operator view of a DEAD job.
type Entry struct {
	JobID       id.JobID    `json:"job_id"`
	Type        string      `json:"type"`
	Queue       queue.Name  `json:"queue"`
	Payload     job.Payload `json:"payload"`
	Error       string      `json:"error"`
	Attempts    int         `json:"attempts"`
	MaxAttempts int         `json:"max_attempts"`
	FailedAt    time.Time   `json:"failed_at"`
	ReplayedAt  *time.Time  `json:"replayed_at,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// FromJob builds an Entry from a dead job.
func FromJob(j *job.Job) *Entry {
	failedAt := j.UpdatedAt
	if j.FailedAt != nil {
		failedAt = *j.FailedAt
	}
	return &Entry{
		JobID:       j.ID,
		Type:        j.Type,
		Queue:       j.Queue,
		Payload:     j.Payload,
		Error:       j.LastError,
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		FailedAt:    failedAt,
		ReplayedAt:  j.ReplayedAt,
		CreatedAt:   j.CreatedAt,
	}
}
