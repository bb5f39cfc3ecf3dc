package budget

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// State is the derived view of one month's spend.
type State struct {
	Month         Month   `json:"month"`
	ConsumedCents int64   `json:"consumed_cents"`
	BudgetCents   int64   `json:"budget_cents"`
	Percent       float64 `json:"percent"`
}

// Ledger accumulates AI spend per month and derives the budget state.
// It holds no state of its own; every read goes to the store.
type Ledger struct {
	store       Store
	budgetCents int64
	pricing     Pricing
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPricing replaces the price table.
func WithPricing(p Pricing) Option {
	return func(l *Ledger) { l.pricing = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithClock overrides the clock used by PreviousMonthTotal callers that
// pass a zero time.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// NewLedger creates a ledger over store with a monthly ceiling of
// budgetCents.
func NewLedger(store Store, budgetCents int64, opts ...Option) *Ledger {
	l := &Ledger{
		store:       store,
		budgetCents: budgetCents,
		pricing:     DefaultPricing(),
		logger:      slog.Default(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// BudgetCents returns the monthly ceiling.
func (l *Ledger) BudgetCents() int64 { return l.budgetCents }

// Pricing returns the price table.
func (l *Ledger) Pricing() Pricing { return l.pricing }

// RecordUsage prices one or more successful AI calls and adds them to
// month. It returns the cost charged.
func (l *Ledger) RecordUsage(ctx context.Context, month Month, provider string, requests, inputTokens, outputTokens int64) (int64, error) {
	if requests < 0 || inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("budget: negative usage for %s", provider)
	}
	cost := l.pricing.Cost(provider, inputTokens, outputTokens)
	delta := Usage{
		Requests:     requests,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		CostCents:    cost,
	}
	if err := l.store.AddUsage(ctx, month, provider, delta); err != nil {
		return 0, fmt.Errorf("budget: record usage: %w", err)
	}
	spendTotal.WithLabelValues(provider).Add(float64(cost))

	l.logger.Debug("ai usage recorded",
		slog.String("month", month.String()),
		slog.String("provider", provider),
		slog.Int64("cost_cents", cost),
	)
	return cost, nil
}

// CurrentState sums month across providers. It is a pure read.
func (l *Ledger) CurrentState(ctx context.Context, month Month) (State, error) {
	records, err := l.store.ListUsage(ctx, month)
	if err != nil {
		return State{}, fmt.Errorf("budget: read usage: %w", err)
	}
	var consumed int64
	for _, r := range records {
		consumed += r.CostCents
	}
	st := State{
		Month:         month,
		ConsumedCents: consumed,
		BudgetCents:   l.budgetCents,
		Percent:       Percent(consumed, l.budgetCents),
	}
	consumedGauge.WithLabelValues(month.String()).Set(float64(consumed))
	percentGauge.WithLabelValues(month.String()).Set(st.Percent)
	return st, nil
}

// PreviousMonthTotal returns the final state of the month before now.
// A zero now uses the ledger clock.
func (l *Ledger) PreviousMonthTotal(ctx context.Context, now time.Time) (State, error) {
	if now.IsZero() {
		now = l.now()
	}
	return l.CurrentState(ctx, MonthOf(now).Prev())
}

// Usage returns the per-provider breakdown of month.
func (l *Ledger) Usage(ctx context.Context, month Month) ([]Record, error) {
	records, err := l.store.ListUsage(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("budget: read usage: %w", err)
	}
	return records, nil
}

// Percent returns consumed as a percentage of budget. A non-positive
// budget reports 100.
func Percent(consumed, budget int64) float64 {
	if budget <= 0 {
		return 100
	}
	return float64(consumed) * 100 / float64(budget)
}
