package postgres

import (
	"context"
	"fmt"

	"github.com/teacurran/village-dispatch/budget"
)

// AddUsage adds delta to the (month, provider) row with a single upsert.
// The increment happens in the database, so concurrent writers never
// lose updates.
func (s *Store) AddUsage(ctx context.Context, month budget.Month, provider string, delta budget.Usage) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dispatch_ai_usage (
			month, provider, request_count, input_tokens, output_tokens, cost_cents, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (month, provider) DO UPDATE SET
			request_count = dispatch_ai_usage.request_count + EXCLUDED.request_count,
			input_tokens  = dispatch_ai_usage.input_tokens + EXCLUDED.input_tokens,
			output_tokens = dispatch_ai_usage.output_tokens + EXCLUDED.output_tokens,
			cost_cents    = dispatch_ai_usage.cost_cents + EXCLUDED.cost_cents,
			updated_at    = NOW()`,
		string(month), provider, delta.Requests, delta.InputTokens, delta.OutputTokens, delta.CostCents,
	)
	if err != nil {
		return fmt.Errorf("dispatch/postgres: add usage: %w", err)
	}
	return nil
}

// ListUsage returns the records of month ordered by provider.
func (s *Store) ListUsage(ctx context.Context, month budget.Month) ([]budget.Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT month, provider, request_count, input_tokens, output_tokens, cost_cents, updated_at
		FROM dispatch_ai_usage
		WHERE month = $1
		ORDER BY provider`,
		string(month),
	)
	if err != nil {
		return nil, fmt.Errorf("dispatch/postgres: list usage: %w", err)
	}
	defer rows.Close()

	records := make([]budget.Record, 0)
	for rows.Next() {
		var (
			r budget.Record
			m string
		)
		if err := rows.Scan(&m, &r.Provider, &r.RequestCount, &r.InputTokens, &r.OutputTokens, &r.CostCents, &r.UpdatedAt); err != nil {
			return nil, fmt.Errorf("dispatch/postgres: scan usage row: %w", err)
		}
		r.Month = budget.Month(m)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispatch/postgres: iterate usage rows: %w", err)
	}
	return records, nil
}
