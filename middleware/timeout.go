package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/job"
)

// Timeout enforces a per-job deadline: the job's own Timeout, or
// fallback when the job has none. A zero deadline adds nothing.
func Timeout(logger *slog.Logger, fallback time.Duration) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (job.Result, error) {
		d := j.Timeout
		if d <= 0 {
			d = fallback
		}
		if d > 0 {
			logger.Debug("job timeout set",
				slog.String("job_id", j.ID.String()),
				slog.Duration("timeout", d),
			)
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		return next(ctx)
	}
}
