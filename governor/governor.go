package governor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrAcquireTimeout is returned when no permit frees up in time. It is a
// transient failure and the job should be retried.
var ErrAcquireTimeout = errors.New("governor: permit acquire timed out")

// DefaultCapacity is the number of concurrent external processes.
const DefaultCapacity = 3

// DefaultAlertAfter is the wait above which a warning is logged.
const DefaultAlertAfter = 60 * time.Second

// Stats is a snapshot of the permit pool.
type Stats struct {
	Capacity int           `json:"capacity"`
	InFlight int           `json:"in_flight"`
	Waiting  int           `json:"waiting"`
	LastWait time.Duration `json:"last_wait"`
	MaxWait  time.Duration `json:"max_wait"`
}

// Option configures a Governor.
type Option func(*Governor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Governor) { g.logger = l }
}

// WithAlertAfter sets the wait that triggers a warning log.
func WithAlertAfter(d time.Duration) Option {
	return func(g *Governor) { g.alertAfter = d }
}

// WithWaitObserver adds fn to the observers of every successful wait.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(g *Governor) { g.observers = append(g.observers, fn) }
}

// Governor bounds how many external processes run at once in this
// process. Waiters are served in FIFO order.
type Governor struct {
	sem        *semaphore.Weighted
	capacity   int
	alertAfter time.Duration
	logger     *slog.Logger
	observers  []func(time.Duration)

	inFlight atomic.Int64
	waiting  atomic.Int64

	mu       sync.Mutex
	lastWait time.Duration
	maxWait  time.Duration
}

// New creates a governor with capacity permits. A capacity below one
// uses DefaultCapacity.
func New(capacity int, opts ...Option) *Governor {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	g := &Governor{
		sem:        semaphore.NewWeighted(int64(capacity)),
		capacity:   capacity,
		alertAfter: DefaultAlertAfter,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Permit is one held slot. Release it exactly once; extra calls are
// no-ops.
type Permit struct {
	g    *Governor
	once sync.Once
	wait time.Duration
}

// Wait is how long the holder waited for this permit.
func (p *Permit) Wait() time.Duration { return p.wait }

// Release returns the slot to the pool.
func (p *Permit) Release() {
	p.once.Do(func() {
		p.g.inFlight.Add(-1)
		inFlightGauge.Dec()
		p.g.sem.Release(1)
	})
}

// Acquire blocks until a permit is free, ctx is done, or timeout
// elapses. A non-positive timeout waits for ctx alone.
func (g *Governor) Acquire(ctx context.Context, timeout time.Duration) (*Permit, error) {
	start := time.Now()

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g.waiting.Add(1)
	waitingGauge.Inc()
	err := g.sem.Acquire(waitCtx, 1)
	g.waiting.Add(-1)
	waitingGauge.Dec()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		acquireTimeouts.Inc()
		return nil, ErrAcquireTimeout
	}

	wait := time.Since(start)
	g.inFlight.Add(1)
	inFlightGauge.Inc()
	g.record(wait)
	return &Permit{g: g, wait: wait}, nil
}

func (g *Governor) record(wait time.Duration) {
	g.mu.Lock()
	g.lastWait = wait
	if wait > g.maxWait {
		g.maxWait = wait
	}
	g.mu.Unlock()

	waitSeconds.Observe(wait.Seconds())
	for _, fn := range g.observers {
		fn(wait)
	}
	if g.alertAfter > 0 && wait > g.alertAfter {
		g.logger.Warn("governor permit wait exceeded alert threshold",
			slog.Duration("wait", wait),
			slog.Duration("alert_after", g.alertAfter),
			slog.Int("capacity", g.capacity),
		)
	}
}

// Stats returns a snapshot of the pool.
func (g *Governor) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Capacity: g.capacity,
		InFlight: int(g.inFlight.Load()),
		Waiting:  int(g.waiting.Load()),
		LastWait: g.lastWait,
		MaxWait:  g.maxWait,
	}
}

// Capacity returns the number of permits.
func (g *Governor) Capacity() int { return g.capacity }
