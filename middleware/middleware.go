package middleware

import (
	"context"

	"github.com/teacurran/village-dispatch/job"
)

// Handler is the terminal function that executes job logic.
type Handler func(ctx context.Context) (job.Result, error)

// Middleware wraps a Handler with cross-cutting logic. It receives the
// claimed job and the next handler, and must call next unless it
// short-circuits.
type Middleware func(ctx context.Context, j *job.Job, next Handler) (job.Result, error)

// Chain composes middleware into one. The first middleware is the
// outermost wrapper:
//
//	Chain(logging, recover, timeout) runs logging → recover → timeout → handler
func Chain(mws ...Middleware) Middleware {
	return func(ctx context.Context, j *job.Job, next Handler) (job.Result, error) {
		h := next
		for i := len(mws) - 1; i >= 0; i-- {
			mw := mws[i]
			prev := h
			h = func(ctx context.Context) (job.Result, error) {
				return mw(ctx, j, prev)
			}
		}
		return h(ctx)
	}
}

// outcome labels a handler return for logs and metrics.
func outcome(res job.Result, err error) string {
	switch {
	case err != nil && job.IsFatal(err):
		return "fatal"
	case err != nil:
		return "error"
	case res.IsDeferred():
		return "deferred"
	default:
		return "ok"
	}
}
