package middleware

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/teacurran/village-dispatch/job"
)

// scopeName is the instrumentation scope for dispatch traces and metrics.
const scopeName = "github.com/teacurran/village-dispatch"

// Tracing wraps job execution in a span from the global TracerProvider.
// Without a configured provider the noop tracer makes it a pass-through.
func Tracing() Middleware {
	return TracingWithTracer(otel.Tracer(scopeName))
}

// TracingWithTracer is Tracing with an explicit tracer.
//
// Span attributes: dispatch.job.id, dispatch.job.type, dispatch.queue,
// dispatch.attempt and, on return, dispatch.result_code.
func TracingWithTracer(tracer trace.Tracer) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (job.Result, error) {
		ctx, span := tracer.Start(ctx, "dispatch.job.execute",
			trace.WithAttributes(
				attribute.String("dispatch.job.id", j.ID.String()),
				attribute.String("dispatch.job.type", j.Type),
				attribute.String("dispatch.queue", j.Queue.String()),
				attribute.Int("dispatch.attempt", j.Attempts),
			),
			trace.WithSpanKind(trace.SpanKindInternal),
		)
		defer span.End()

		res, err := next(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		span.SetAttributes(attribute.String("dispatch.result_code", string(res.CodeOr(job.ResultOK))))
		span.SetStatus(codes.Ok, "")
		return res, nil
	}
}
