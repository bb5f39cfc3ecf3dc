// Package middleware provides composable middleware for job execution.
//
// A [Middleware] wraps a job handler. Middleware are composed with
// [Chain]; the first in the list is the outermost wrapper.
//
//	chain := middleware.Chain(
//	    middleware.Logging(logger),
//	    middleware.Recover(logger),
//	    middleware.Timeout(logger, 5*time.Minute),
//	)
//
// # Built-in Middleware
//
//   - [Logging]: logs job type, queue, attempt, duration and outcome
//   - [Recover]: turns panics into retryable errors
//   - [Timeout]: cancels the job context after its deadline
//   - [Tracing]: wraps execution in an OpenTelemetry span
//   - [Metrics]: records per-job duration and outcome counters
//
// Handlers return a [job.Result] alongside the error. Middleware must pass
// both through unchanged unless they mean to alter the outcome.
package middleware
