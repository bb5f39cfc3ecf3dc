package job

import (
	"errors"
	"time"
)

// ResultCode distinguishes successful outcomes. Budget outcomes are
// results, not errors.
type ResultCode string

const (
	ResultOK             ResultCode = "ok"
	ResultBudgetDeferred ResultCode = "budget_deferred"
	ResultBudgetRejected ResultCode = "budget_rejected"
	ResultCacheHit       ResultCode = "cache_hit"
	ResultReduced        ResultCode = "reduced"
)

// Result is what a handler returns on a controlled outcome.
type Result struct {
	Code ResultCode

	// DeferUntil, when set, sends the job back to pending at that time
	// without spending an attempt.
	DeferUntil *time.Time
}

// OK is the plain success result.
func OK() Result { return Result{Code: ResultOK} }

// Done returns a completed result carrying code.
func Done(code ResultCode) Result { return Result{Code: code} }

// Deferred returns a result that reschedules the job for runAt.
func Deferred(runAt time.Time, code ResultCode) Result {
	t := runAt.UTC()
	return Result{Code: code, DeferUntil: &t}
}

// IsDeferred reports whether the result reschedules the job.
func (r Result) IsDeferred() bool { return r.DeferUntil != nil }

// CodeOr returns the result code, or fallback when empty.
func (r Result) CodeOr(fallback ResultCode) ResultCode {
	if r.Code == "" {
		return fallback
	}
	return r.Code
}

type fatalError struct{ err error }

func (e *fatalError) Error() string { return "fatal: " + e.err.Error() }
func (e *fatalError) Unwrap() error { return e.err }

// Fatal marks err as permanent. The job is dead-lettered on the first
// occurrence, with no retry.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &fatalError{err: err}
}

// IsFatal reports whether err, or any error it wraps, was marked Fatal.
func IsFatal(err error) bool {
	var fe *fatalError
	return errors.As(err, &fe)
}
