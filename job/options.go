package job

import (
	"time"

	"github.com/teacurran/village-dispatch/backoff"
	"github.com/teacurran/village-dispatch/queue"
)

// Options is the policy bound to a job type at registration. Producers
// never set these.
type Options struct {
	// Queue is the default queue for the type when the producer passes none.
	Queue queue.Name

	// Policy decides retries and backoff.
	Policy backoff.Policy

	// Timeout caps one attempt. Zero means unlimited.
	Timeout time.Duration
}

// DefaultOptions returns the policy used for unregistered types too.
func DefaultOptions() Options {
	return Options{
		Queue:   queue.Default,
		Policy:  backoff.DefaultPolicy(),
		Timeout: 5 * time.Minute,
	}
}

// Option is a functional option for configuring a job definition.
type Option func(*Options)

// WithMaxAttempts sets the total number of attempts.
func WithMaxAttempts(n int) Option {
	return func(o *Options) {
		o.Policy.MaxAttempts = n
	}
}

// WithBackoff sets the exponential base delay and cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(o *Options) {
		o.Policy.BaseDelay = base
		o.Policy.MaxDelay = maxDelay
	}
}

// WithJitter sets the jitter fraction added to each delay.
func WithJitter(f float64) Option {
	return func(o *Options) {
		o.Policy.Jitter = f
	}
}

// WithStrategy replaces the exponential delay with s.
func WithStrategy(s backoff.Strategy) Option {
	return func(o *Options) {
		o.Policy.Strategy = s
	}
}

// WithQueue sets the default queue.
func WithQueue(q queue.Name) Option {
	return func(o *Options) {
		o.Queue = q
	}
}

// WithTimeout sets the maximum execution duration of one attempt.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.Timeout = d
	}
}
