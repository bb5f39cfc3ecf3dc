package cron

import (
	"context"

	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// TaskFunc is a maintenance action run in-process on a schedule.
type TaskFunc func(ctx context.Context) error

// Task is a named maintenance action.
type Task struct {
	// Name is the unique identifier for this entry.
	Name string

	// Schedule is a cron expression (e.g., "*/5 * * * *" or "@every 30s").
	Schedule string

	Run TaskFunc
}

// JobDefinition enqueues a job each time its schedule fires.
type JobDefinition struct {
	Name     string
	Schedule string

	// JobType is the registered type to enqueue.
	JobType string

	// Queue overrides the type's default queue (optional).
	Queue queue.Name

	// Payload is copied into every enqueued job.
	Payload job.Payload
}
