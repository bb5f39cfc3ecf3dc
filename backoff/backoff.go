// Package backoff decides whether a failed job is retried and when.
//
// A [Policy] is bound to a job type at registration. Given the number of
// attempts already consumed it either schedules the next attempt at
// now + min(MaxDelay, BaseDelay·2^attempts) plus jitter, or reports that
// the job has run out of attempts and must be dead-lettered.
package backoff

import (
	"math"
	"math/rand/v2"
	"time"
)

// Strategy computes the wait before the next attempt. attempts is the
// number of attempts already made, so the first retry sees attempts=1.
type Strategy interface {
	Delay(attempts int) time.Duration
}

// Constant waits the same interval before every retry.
type Constant struct {
	Interval time.Duration
}

// NewConstant creates a constant backoff strategy.
func NewConstant(interval time.Duration) *Constant {
	return &Constant{Interval: interval}
}

// Delay returns the fixed interval.
func (c *Constant) Delay(_ int) time.Duration { return c.Interval }

// Linear grows the wait by Step per attempt, capped at Max.
type Linear struct {
	Step time.Duration
	Max  time.Duration
}

// NewLinear creates a linear backoff strategy.
func NewLinear(step, maxDelay time.Duration) *Linear {
	return &Linear{Step: step, Max: maxDelay}
}

// Delay returns Step·attempts, capped at Max.
func (l *Linear) Delay(attempts int) time.Duration {
	d := l.Step * time.Duration(attempts)
	if l.Max > 0 && d > l.Max {
		return l.Max
	}
	return d
}

// Exponential doubles the wait per attempt: min(Max, Base·2^attempts).
// A positive Jitter adds a uniform random fraction in [0, Jitter·delay).
type Exponential struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// NewExponential creates an exponential backoff strategy without jitter.
func NewExponential(base, maxDelay time.Duration) *Exponential {
	return &Exponential{Base: base, Max: maxDelay}
}

// NewExponentialWithJitter creates an exponential backoff strategy that
// spreads retries by up to jitter·delay.
func NewExponentialWithJitter(base, maxDelay time.Duration, jitter float64) *Exponential {
	return &Exponential{Base: base, Max: maxDelay, Jitter: jitter}
}

// Delay returns min(Max, Base·2^attempts) plus jitter.
func (e *Exponential) Delay(attempts int) time.Duration {
	d := e.ceiling(attempts)
	if e.Jitter > 0 && d > 0 {
		d += time.Duration(rand.Float64() * e.Jitter * float64(d)) //nolint:gosec // jitter does not need crypto rand
	}
	return d
}

func (e *Exponential) ceiling(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	f := float64(e.Base) * math.Pow(2, float64(attempts))
	if e.Max > 0 && f > float64(e.Max) {
		return e.Max
	}
	if f >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(f)
}

// Default policy values.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = time.Hour
	DefaultJitter      = 0.2
)

// Policy is the retry policy of one job type.
type Policy struct {
	// MaxAttempts is the total number of attempts, the first included.
	MaxAttempts int
	// BaseDelay is the delay unit doubled per attempt.
	BaseDelay time.Duration
	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration
	// Jitter is the random fraction added on top of the delay.
	Jitter float64
	// Strategy overrides the exponential delay when set.
	Strategy Strategy
}

// DefaultPolicy returns three attempts with 30s base delay and a one hour cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// Decision is the outcome of a failed attempt.
type Decision struct {
	// Retry is false when the job must be marked dead.
	Retry bool
	// RunAt is the next scheduled_at when Retry is true.
	RunAt time.Time
	// Delay is RunAt - now.
	Delay time.Duration
}

// Decide returns the retry decision for a job that has consumed attempts
// attempts and just failed at now.
func (p Policy) Decide(attempts int, now time.Time) Decision {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if attempts >= maxAttempts {
		return Decision{}
	}
	d := p.strategy().Delay(attempts)
	return Decision{Retry: true, RunAt: now.Add(d), Delay: d}
}

func (p Policy) strategy() Strategy {
	if p.Strategy != nil {
		return p.Strategy
	}
	return &Exponential{Base: p.BaseDelay, Max: p.MaxDelay, Jitter: p.Jitter}
}
