package backoff_test

import (
	"testing"
	"time"

	"github.com/teacurran/village-dispatch/backoff"
)

func TestConstant_ReturnsFixedDelay(t *testing.T) {
	c := backoff.NewConstant(5 * time.Second)
	for attempts := 0; attempts <= 10; attempts++ {
		if got := c.Delay(attempts); got != 5*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", attempts, got, 5*time.Second)
		}
	}
}

func TestLinear_GrowsAndCaps(t *testing.T) {
	l := backoff.NewLinear(time.Second, 5*time.Second)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{1, time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
		{50, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := l.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_DoublesPerAttempt(t *testing.T) {
	e := backoff.NewExponential(time.Second, time.Hour)

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 1 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 16 * time.Second},
	}
	for _, tt := range tests {
		if got := e.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestExponential_CapsAtMax(t *testing.T) {
	e := backoff.NewExponential(time.Second, 10*time.Second)

	for _, attempts := range []int{4, 20, 5000} {
		if got := e.Delay(attempts); got != 10*time.Second {
			t.Errorf("Delay(%d) = %v, want 10s", attempts, got)
		}
	}
}

func TestExponential_JitterWithinBounds(t *testing.T) {
	e := backoff.NewExponentialWithJitter(time.Second, time.Minute, 0.5)

	seen := make(map[time.Duration]bool)
	for range 200 {
		got := e.Delay(2) // ceiling 4s
		if got < 4*time.Second || got >= 6*time.Second {
			t.Fatalf("Delay(2) = %v, want in [4s, 6s)", got)
		}
		seen[got] = true
	}
	if len(seen) < 2 {
		t.Errorf("expected jitter variance, got %d distinct values", len(seen))
	}
}

func TestPolicy_Decide(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	p := backoff.Policy{MaxAttempts: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute}

	tests := []struct {
		name      string
		attempts  int
		wantRetry bool
		wantDelay time.Duration
	}{
		{"first failure", 1, true, 20 * time.Second},
		{"second failure", 2, true, 40 * time.Second},
		{"exhausted", 3, false, 0},
		{"over max", 4, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := p.Decide(tt.attempts, now)
			if d.Retry != tt.wantRetry {
				t.Fatalf("Retry = %v, want %v", d.Retry, tt.wantRetry)
			}
			if !tt.wantRetry {
				return
			}
			if d.Delay != tt.wantDelay {
				t.Errorf("Delay = %v, want %v", d.Delay, tt.wantDelay)
			}
			if !d.RunAt.Equal(now.Add(tt.wantDelay)) {
				t.Errorf("RunAt = %v, want %v", d.RunAt, now.Add(tt.wantDelay))
			}
		})
	}
}

func TestPolicy_DecideCapped(t *testing.T) {
	now := time.Now()
	p := backoff.Policy{MaxAttempts: 20, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	d := p.Decide(10, now)
	if !d.Retry || d.Delay != 30*time.Second {
		t.Fatalf("Decide(10) = %+v, want retry capped at 30s", d)
	}
}

func TestPolicy_ZeroMaxAttemptsUsesDefault(t *testing.T) {
	p := backoff.Policy{BaseDelay: time.Second}
	if !p.Decide(backoff.DefaultMaxAttempts-1, time.Now()).Retry {
		t.Fatal("expected retry below default max attempts")
	}
	if p.Decide(backoff.DefaultMaxAttempts, time.Now()).Retry {
		t.Fatal("expected no retry at default max attempts")
	}
}

func TestPolicy_CustomStrategy(t *testing.T) {
	p := backoff.Policy{MaxAttempts: 5, Strategy: backoff.NewConstant(time.Minute)}
	if d := p.Decide(3, time.Now()); d.Delay != time.Minute {
		t.Fatalf("Delay = %v, want 1m", d.Delay)
	}
}

func TestDefaultPolicy(t *testing.T) {
	p := backoff.DefaultPolicy()
	if p.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", p.MaxAttempts)
	}
	d := p.Decide(1, time.Now())
	lo := 2 * backoff.DefaultBaseDelay
	hi := lo + time.Duration(backoff.DefaultJitter*float64(lo))
	if d.Delay < lo || d.Delay >= hi {
		t.Errorf("Delay = %v, want in [%v, %v)", d.Delay, lo, hi)
	}
}
