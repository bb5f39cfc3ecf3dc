package admission

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/teacurran/village-dispatch/budget"
)

// Band is a threshold band of the monthly budget.
type Band string

// Bands, lowest first.
const (
	Normal   Band = "NORMAL"
	Reduce   Band = "REDUCE"
	Queue    Band = "QUEUE"
	HardStop Band = "HARD_STOP"
)

// Lower edges of the bands, in percent. Each edge belongs to the band
// above it, so exactly 75% is Reduce.
const (
	ReduceAt   = 75
	QueueAt    = 90
	HardStopAt = 100
)

// BandFor maps consumption to a band with integer arithmetic, so the
// inclusive lower edges are exact. A non-positive budget is HardStop.
func BandFor(consumedCents, budgetCents int64) Band {
	if budgetCents <= 0 {
		return HardStop
	}
	scaled := consumedCents * 100
	switch {
	case scaled >= HardStopAt*budgetCents:
		return HardStop
	case scaled >= QueueAt*budgetCents:
		return Queue
	case scaled >= ReduceAt*budgetCents:
		return Reduce
	default:
		return Normal
	}
}

// StateReader reads the derived budget state of a month.
// *budget.Ledger satisfies it.
type StateReader interface {
	CurrentState(ctx context.Context, month budget.Month) (budget.State, error)
}

// Decision is the admission verdict for one unit of AI work.
type Decision struct {
	Band Band `json:"band"`
	// BatchSize is the number of items the caller may send. Zero when
	// the work must not run now.
	BatchSize int `json:"batch_size"`
	// DeferUntil is the first instant of next month for the Queue band.
	DeferUntil time.Time    `json:"defer_until,omitempty"`
	State      budget.State `json:"state"`
}

// Proceed reports whether the AI call may run.
func (d Decision) Proceed() bool { return d.Band == Normal || d.Band == Reduce }

// Report is the budget query view for dashboards.
type Report struct {
	Month         budget.Month `json:"month"`
	ConsumedCents int64        `json:"consumed_cents"`
	BudgetCents   int64        `json:"budget_cents"`
	Percent       float64      `json:"percent"`
	State         Band         `json:"state"`
}

// BandListener is notified when the observed band changes.
type BandListener func(ctx context.Context, from, to Band, st budget.State)

// Controller decides whether budget-sensitive work runs, shrinks, waits
// for next month, or is rejected. Every call reads the ledger afresh.
type Controller struct {
	ledger       StateReader
	batchSize    int
	reduceFactor float64
	logger       *slog.Logger
	listeners    []BandListener

	mu   sync.Mutex
	last Band
}

// Option configures a Controller.
type Option func(*Controller)

// WithBatchSize sets the full batch size used in the Normal band.
func WithBatchSize(n int) Option {
	return func(c *Controller) { c.batchSize = n }
}

// WithReduceFactor sets the fraction of the batch kept in the Reduce band.
func WithReduceFactor(f float64) Option {
	return func(c *Controller) { c.reduceFactor = f }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithBandListener registers fn for band transitions.
func WithBandListener(fn BandListener) Option {
	return func(c *Controller) { c.listeners = append(c.listeners, fn) }
}

// New creates a controller reading from ledger.
func New(ledger StateReader, opts ...Option) *Controller {
	c := &Controller{
		ledger:       ledger,
		batchSize:    20,
		reduceFactor: 0.5,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.batchSize < 1 {
		c.batchSize = 1
	}
	return c
}

// Decide evaluates the current month at now.
func (c *Controller) Decide(ctx context.Context, now time.Time) (Decision, error) {
	month := budget.MonthOf(now)
	st, err := c.ledger.CurrentState(ctx, month)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: %w", err)
	}

	band := BandFor(st.ConsumedCents, st.BudgetCents)
	d := Decision{Band: band, State: st}
	switch band {
	case Normal:
		d.BatchSize = c.batchSize
	case Reduce:
		d.BatchSize = c.reduced()
	case Queue:
		d.DeferUntil = month.Next().Start()
	case HardStop:
	}

	decisionsTotal.WithLabelValues(string(band)).Inc()
	c.observe(ctx, band, st)
	return d, nil
}

// Report returns the budget view of month.
func (c *Controller) Report(ctx context.Context, month budget.Month) (Report, error) {
	st, err := c.ledger.CurrentState(ctx, month)
	if err != nil {
		return Report{}, fmt.Errorf("admission: %w", err)
	}
	return Report{
		Month:         month,
		ConsumedCents: st.ConsumedCents,
		BudgetCents:   st.BudgetCents,
		Percent:       st.Percent,
		State:         BandFor(st.ConsumedCents, st.BudgetCents),
	}, nil
}

func (c *Controller) reduced() int {
	n := int(math.Floor(float64(c.batchSize) * c.reduceFactor))
	if n < 1 {
		return 1
	}
	return n
}

func (c *Controller) observe(ctx context.Context, band Band, st budget.State) {
	c.mu.Lock()
	from := c.last
	c.last = band
	c.mu.Unlock()

	if from == band {
		return
	}
	for _, b := range []Band{Normal, Reduce, Queue, HardStop} {
		v := 0.0
		if b == band {
			v = 1
		}
		bandGauge.WithLabelValues(string(b)).Set(v)
	}
	if from == "" {
		return
	}

	c.logger.Warn("ai budget band changed",
		slog.String("from", string(from)),
		slog.String("to", string(band)),
		slog.String("month", st.Month.String()),
		slog.Int64("consumed_cents", st.ConsumedCents),
		slog.Int64("budget_cents", st.BudgetCents),
	)
	for _, fn := range c.listeners {
		fn(ctx, from, band, st)
	}
}
