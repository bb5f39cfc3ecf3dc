package budget_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/store/memory"
)

func TestMonth(t *testing.T) {
	m := budget.MonthOf(time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC))
	assert.Equal(t, budget.Month("2026-12"), m)
	assert.Equal(t, budget.Month("2027-01"), m.Next())
	assert.Equal(t, budget.Month("2026-11"), m.Prev())
	assert.Equal(t, time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC), m.Start())
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), m.Next().Start())

	// A non-UTC instant is keyed by its UTC month.
	east := time.FixedZone("UTC+3", 3*3600)
	assert.Equal(t, budget.Month("2026-02"), budget.MonthOf(time.Date(2026, 3, 1, 1, 0, 0, 0, east)))
}

func TestParseMonth(t *testing.T) {
	m, err := budget.ParseMonth("2026-03")
	require.NoError(t, err)
	assert.Equal(t, budget.Month("2026-03"), m)

	_, err = budget.ParseMonth("March")
	assert.Error(t, err)
}

func TestPricing_Cost(t *testing.T) {
	p := budget.Pricing{
		budget.DefaultProvider: {InputCentsPerMTok: 100, OutputCentsPerMTok: 1000},
		"cheap":                {InputCentsPerMTok: 10, OutputCentsPerMTok: 20},
	}

	tests := []struct {
		name     string
		provider string
		in, out  int64
		want     int64
	}{
		{"zero", "cheap", 0, 0, 0},
		{"rounds up", "cheap", 1, 0, 1},
		{"exact", "cheap", 1_000_000, 1_000_000, 30},
		{"unknown uses default", "mystery", 1_000_000, 500_000, 600},
		{"fraction rounds up", budget.DefaultProvider, 1_500_000, 0, 150},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Cost(tt.provider, tt.in, tt.out))
		})
	}
}

func TestLedger_RecordAndState(t *testing.T) {
	ctx := context.Background()
	l := budget.NewLedger(memory.New(), 500, budget.WithPricing(budget.Pricing{
		budget.DefaultProvider: {InputCentsPerMTok: 1_000_000, OutputCentsPerMTok: 0},
	}))
	month := budget.Month("2026-05")

	cost, err := l.RecordUsage(ctx, month, "anthropic", 1, 120, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(120), cost)

	_, err = l.RecordUsage(ctx, month, "openai", 2, 360, 0)
	require.NoError(t, err)

	st, err := l.CurrentState(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, int64(480), st.ConsumedCents)
	assert.Equal(t, int64(500), st.BudgetCents)
	assert.InDelta(t, 96.0, st.Percent, 1e-9)

	records, err := l.Usage(ctx, month)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "anthropic", records[0].Provider)
	assert.Equal(t, int64(2), records[1].RequestCount)

	_, err = l.RecordUsage(ctx, month, "anthropic", -1, 0, 0)
	assert.Error(t, err)
}

func TestLedger_MonotonicWithinMonthAndResets(t *testing.T) {
	ctx := context.Background()
	l := budget.NewLedger(memory.New(), 10_000, budget.WithPricing(budget.Pricing{
		budget.DefaultProvider: {InputCentsPerMTok: 1_000_000},
	}))
	month := budget.Month("2026-07")

	prev := 0.0
	for i := range 10 {
		_, err := l.RecordUsage(ctx, month, "anthropic", 1, int64(i+1)*7, 0)
		require.NoError(t, err)
		st, err := l.CurrentState(ctx, month)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, st.Percent, prev)
		prev = st.Percent
	}

	next, err := l.CurrentState(ctx, month.Next())
	require.NoError(t, err)
	assert.Zero(t, next.ConsumedCents)
	assert.Zero(t, next.Percent)

	final, err := l.PreviousMonthTotal(ctx, month.Next().Start())
	require.NoError(t, err)
	assert.Equal(t, month, final.Month)
	assert.InDelta(t, prev, final.Percent, 1e-9)
}

func TestLedger_ConcurrentRecordUsage(t *testing.T) {
	ctx := context.Background()
	l := budget.NewLedger(memory.New(), 1_000_000, budget.WithPricing(budget.Pricing{
		budget.DefaultProvider: {InputCentsPerMTok: 1_000_000},
	}))
	month := budget.Month("2026-08")

	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.RecordUsage(ctx, month, "anthropic", 1, 3, 0)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	st, err := l.CurrentState(ctx, month)
	require.NoError(t, err)
	assert.Equal(t, int64(64*3), st.ConsumedCents)
}

func TestLedger_PreviousMonthUsesClock(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	l := budget.NewLedger(memory.New(), 100, budget.WithClock(func() time.Time { return now }))

	st, err := l.PreviousMonthTotal(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, budget.Month("2026-05"), st.Month)
}

func TestPercent(t *testing.T) {
	assert.Equal(t, 100.0, budget.Percent(0, 0))
	assert.Equal(t, 100.0, budget.Percent(5, -1))
	assert.Equal(t, 75.0, budget.Percent(375, 500))
}
