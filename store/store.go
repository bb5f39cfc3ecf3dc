package store

import (
	"context"

	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/job"
)

// Store is what engine.Build needs from a backend: the job queue, the
// AI usage ledger and schema lifecycle.
type Store interface {
	job.Store
	budget.Store

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
