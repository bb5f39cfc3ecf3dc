package middleware

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/teacurran/village-dispatch/job"
)

// Metrics records per-job execution metrics on the global MeterProvider.
//
// Instruments:
//   - dispatch.job.duration (Float64Histogram, seconds)
//   - dispatch.job.executions (Int64Counter)
//
// Both carry job_type, queue and outcome ("ok", "deferred", "error" or
// "fatal").
func Metrics() Middleware {
	return MetricsWithMeter(otel.Meter(scopeName))
}

// MetricsWithMeter is Metrics with an explicit meter.
func MetricsWithMeter(meter metric.Meter) Middleware {
	// The OTel API hands back noop instruments alongside any error.
	duration, _ := meter.Float64Histogram(
		"dispatch.job.duration",
		metric.WithDescription("Duration of job execution in seconds"),
		metric.WithUnit("s"),
	)
	executions, _ := meter.Int64Counter(
		"dispatch.job.executions",
		metric.WithDescription("Total number of job executions"),
		metric.WithUnit("{execution}"),
	)

	return func(ctx context.Context, j *job.Job, next Handler) (job.Result, error) {
		start := time.Now()
		res, err := next(ctx)
		elapsed := time.Since(start).Seconds()

		attrs := metric.WithAttributes(
			attribute.String("job_type", j.Type),
			attribute.String("queue", j.Queue.String()),
			attribute.String("outcome", outcome(res, err)),
		)
		duration.Record(ctx, elapsed, attrs)
		executions.Add(ctx, 1, attrs)
		return res, err
	}
}
