// Package queue classifies jobs into named queues with a priority, a
// per-process worker concurrency and an optional claim rate limit.
//
// The five queues are HIGH, DEFAULT, LOW, BULK and SCREENSHOT. Every
// queue gets its own dispatch loop in the worker package, so a stalled
// BULK handler never holds up DEFAULT. Priority is expressed as worker
// concurrency, not preemption:
//
//	queue.Config{
//	    Name:        queue.Bulk,
//	    Concurrency: 1,
//	    RateLimit:   5,  // at most 5 claims/s
//	    RateBurst:   10,
//	}
//
// Rate limits use a token bucket from golang.org/x/time/rate.
package queue
