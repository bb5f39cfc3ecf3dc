package cron

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/budget"
)

// Names of the built-in maintenance tasks.
const (
	StuckScanTask = "stuck-scan"
	ReconcileTask = "budget-reconcile"
	PurgeTask     = "dead-purge"
)

// Reaper re-queues jobs abandoned by crashed workers.
// *worker.Pool satisfies it.
type Reaper interface {
	ReapStuck(ctx context.Context) (int, error)
}

// MonthCloser reports the final state of the month before now.
// *budget.Ledger satisfies it.
type MonthCloser interface {
	PreviousMonthTotal(ctx context.Context, now time.Time) (budget.State, error)
}

// Purger deletes DEAD jobs that failed before a cutoff.
// *dlq.Service satisfies it.
type Purger interface {
	Purge(ctx context.Context, before time.Time) (int64, error)
}

// StuckScan returns a task that reaps stuck jobs every interval.
func StuckScan(r Reaper, interval time.Duration) Task {
	return Task{
		Name:     StuckScanTask,
		Schedule: "@every " + interval.String(),
		Run: func(ctx context.Context) error {
			_, err := r.ReapStuck(ctx)
			return err
		},
	}
}

// BudgetReconcile returns a task that logs the closing total of the
// previous month. Months roll over by key, so nothing is reset; the task
// records the final figure and flags an overspend.
func BudgetReconcile(m MonthCloser, schedule string, logger *slog.Logger) Task {
	if logger == nil {
		logger = slog.Default()
	}
	return Task{
		Name:     ReconcileTask,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			st, err := m.PreviousMonthTotal(ctx, time.Now().UTC())
			if err != nil {
				return fmt.Errorf("reconcile budget: %w", err)
			}
			attrs := []any{
				slog.String("month", st.Month.String()),
				slog.Int64("consumed_cents", st.ConsumedCents),
				slog.Int64("budget_cents", st.BudgetCents),
				slog.Float64("percent", st.Percent),
			}
			if st.BudgetCents > 0 && st.ConsumedCents > st.BudgetCents {
				logger.Warn("ai budget month closed over budget", attrs...)
				return nil
			}
			logger.Info("ai budget month closed", attrs...)
			return nil
		},
	}
}

// DeadPurge returns a task that deletes DEAD jobs older than retention.
func DeadPurge(p Purger, schedule string, retention time.Duration) Task {
	return Task{
		Name:     PurgeTask,
		Schedule: schedule,
		Run: func(ctx context.Context) error {
			_, err := p.Purge(ctx, time.Now().UTC().Add(-retention))
			return err
		},
	}
}
