package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/job"
)

// Logging logs job start and outcome.
func Logging(logger *slog.Logger) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (job.Result, error) {
		logger.Debug("job started",
			slog.String("job_type", j.Type),
			slog.String("job_id", j.ID.String()),
			slog.String("queue", j.Queue.String()),
			slog.Int("attempt", j.Attempts),
		)

		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start)

		attrs := []any{
			slog.String("job_type", j.Type),
			slog.String("job_id", j.ID.String()),
			slog.Int("attempt", j.Attempts),
			slog.Duration("elapsed", elapsed),
		}
		switch {
		case err != nil:
			logger.Error("job failed", append(attrs, slog.String("error", err.Error()))...)
		case res.IsDeferred():
			logger.Info("job deferred", append(attrs,
				slog.String("result_code", string(res.Code)),
				slog.Time("until", *res.DeferUntil),
			)...)
		default:
			logger.Info("job completed", append(attrs, slog.String("result_code", string(res.CodeOr(job.ResultOK))))...)
		}
		return res, err
	}
}
