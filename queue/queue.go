package queue

import (
	"fmt"
	"sort"

	"golang.org/x/time/rate"
)

// Name identifies a queue.
type Name string

// Known queues.
const (
	High       Name = "high"
	Default    Name = "default"
	Low        Name = "low"
	Bulk       Name = "bulk"
	Screenshot Name = "screenshot"
)

// Priority orders queues for servicing. Higher queues get more workers,
// they never preempt lower ones.
type Priority int

// Queue priorities.
const (
	PriorityHigh       Priority = 40
	PriorityDefault    Priority = 30
	PriorityLow        Priority = 20
	PriorityBulk       Priority = 10
	PriorityScreenshot Priority = 10
)

var priorities = map[Name]Priority{
	High:       PriorityHigh,
	Default:    PriorityDefault,
	Low:        PriorityLow,
	Bulk:       PriorityBulk,
	Screenshot: PriorityScreenshot,
}

// All returns the known queues, highest priority first.
func All() []Name {
	return []Name{High, Default, Low, Bulk, Screenshot}
}

// Parse validates s as a queue name. The empty string maps to Default.
func Parse(s string) (Name, error) {
	if s == "" {
		return Default, nil
	}
	n := Name(s)
	if !n.Valid() {
		return "", fmt.Errorf("unknown queue %q", s)
	}
	return n, nil
}

// Valid reports whether n is a known queue.
func (n Name) Valid() bool {
	_, ok := priorities[n]
	return ok
}

// Priority returns the queue's priority. Unknown queues rank lowest.
func (n Name) Priority() Priority { return priorities[n] }

func (n Name) String() string { return string(n) }

// Config defines per-queue worker concurrency and rate limit.
type Config struct {
	Name Name

	// Concurrency is the number of jobs from this queue a single worker
	// process runs at once. Values below 1 are treated as 1.
	Concurrency int

	// RateLimit is the maximum sustained claims per second from this
	// queue. Zero disables rate limiting.
	RateLimit float64

	// RateBurst is the token bucket burst. Defaults to 1 when RateLimit
	// is set.
	RateBurst int
}

// Slots returns the effective concurrency.
func (c Config) Slots() int {
	if c.Concurrency < 1 {
		return 1
	}
	return c.Concurrency
}

// Limiter builds the token bucket for the queue, or nil when unlimited.
func (c Config) Limiter() *rate.Limiter {
	if c.RateLimit <= 0 {
		return nil
	}
	burst := c.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.RateLimit), burst)
}

// DefaultConfigs returns the standard queue set: HIGH=8, DEFAULT=4,
// LOW=2, BULK=1 and SCREENSHOT=3.
func DefaultConfigs() []Config {
	return []Config{
		{Name: High, Concurrency: 8},
		{Name: Default, Concurrency: 4},
		{Name: Low, Concurrency: 2},
		{Name: Bulk, Concurrency: 1},
		{Name: Screenshot, Concurrency: 3},
	}
}

// Sort orders configs by priority, highest first. Ties keep the order
// given by All.
func Sort(configs []Config) {
	rank := make(map[Name]int, len(priorities))
	for i, n := range All() {
		rank[n] = i
	}
	sort.SliceStable(configs, func(i, j int) bool {
		pi, pj := configs[i].Name.Priority(), configs[j].Name.Priority()
		if pi != pj {
			return pi > pj
		}
		return rank[configs[i].Name] < rank[configs[j].Name]
	})
}
