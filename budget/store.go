package budget

import (
	"context"
	"time"
)

// Usage is an increment applied to a month's usage record.
type Usage struct {
	Requests     int64
	InputTokens  int64
	OutputTokens int64
	CostCents    int64
}

// Record is the accumulated usage of one provider in one month.
type Record struct {
	Month        Month     `json:"month"`
	Provider     string    `json:"provider"`
	RequestCount int64     `json:"request_count"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	CostCents    int64     `json:"cost_cents"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store persists usage records.
type Store interface {
	// AddUsage atomically adds delta to the (month, provider) record,
	// creating it when absent. Concurrent callers never lose increments.
	AddUsage(ctx context.Context, month Month, provider string, delta Usage) error

	// ListUsage returns every provider record of month. A month with no
	// usage yields an empty slice.
	ListUsage(ctx context.Context, month Month) ([]Record, error)
}
