package cron

import "time"

// Kind tells maintenance tasks from recurring enqueues.
type Kind string

const (
	KindTask Kind = "task"
	KindJob  Kind = "job"
)

// Entry is a snapshot of one scheduled entry.
type Entry struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Kind      Kind       `json:"kind"`
	Runs      int64      `json:"runs"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
}
