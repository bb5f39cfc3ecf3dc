package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/teacurran/village-dispatch/job"
)

// Recover converts a handler panic into an ordinary error, so the job
// goes through the retry policy instead of crashing the worker.
func Recover(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (res job.Result, retErr error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job handler panicked",
					slog.String("job_type", j.Type),
					slog.String("job_id", j.ID.String()),
					slog.Int("attempt", j.Attempts),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				res = job.Result{}
				retErr = fmt.Errorf("panic in job %s: %v", j.Type, r)
			}
		}()
		return next(ctx)
	}
}
