package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/config"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeFile(t, "config.yaml", "")

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	def := dispatch.DefaultConfig()
	assert.Equal(t, def.Worker, cfg.Worker)
	assert.Equal(t, def.Budget, cfg.Budget)
	assert.Equal(t, def.Governor, cfg.Governor)
	assert.Equal(t, def.Queues, cfg.Queues)
	assert.Equal(t, 3, cfg.Governor.Capacity)
	assert.Equal(t, "@daily", cfg.Maintenance.PurgeSchedule)
}

func TestLoad_FileOverrides(t *testing.T) {
	path := writeFile(t, "config.yaml", `
database_url: postgres://localhost/village
worker:
  drain_timeout: 45s
queues:
  bulk:
    concurrency: 2
    rate_limit: 5
budget:
  monthly_cents: 1200
governor:
  capacity: 5
jobs:
  feed.refresh:
    max_attempts: 7
    base_delay: 2s
maintenance:
  jobs:
    - name: hourly-feeds
      schedule: "@hourly"
      type: feed.refresh
      queue: low
      payload:
        all: true
`)

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/village", cfg.DatabaseURL)
	assert.Equal(t, 45*time.Second, cfg.Worker.DrainTimeout)
	assert.Equal(t, time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 2, cfg.Queues["bulk"].Concurrency)
	assert.InDelta(t, 5.0, cfg.Queues["bulk"].RateLimit, 1e-9)
	assert.Equal(t, 4, cfg.Queues["default"].Concurrency)
	assert.Equal(t, int64(1200), cfg.Budget.MonthlyCents)
	assert.Equal(t, 5, cfg.Governor.Capacity)
	assert.Equal(t, 7, cfg.Jobs["feed.refresh"].MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Jobs["feed.refresh"].BaseDelay)

	require.Len(t, cfg.Maintenance.Jobs, 1)
	assert.Equal(t, "hourly-feeds", cfg.Maintenance.Jobs[0].Name)
	assert.Equal(t, "low", cfg.Maintenance.Jobs[0].Queue)
	assert.Equal(t, true, cfg.Maintenance.Jobs[0].Payload["all"])
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "config.yaml", "budget:\n  monthly_cents: 1200\n")
	t.Setenv("DISPATCH_BUDGET_MONTHLY_CENTS", "900")
	t.Setenv("DISPATCH_GOVERNOR_ACQUIRE_TIMEOUT", "30s")
	t.Setenv("DISPATCH_HTTP_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := config.Load(path, filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, int64(900), cfg.Budget.MonthlyCents)
	assert.Equal(t, 30*time.Second, cfg.Governor.AcquireTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.HTTP.AllowedOrigins)
}

func TestLoad_DotEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", "")
	env := writeFile(t, ".env", "DISPATCH_REDIS_URL=redis://cache:6379/0\n")
	t.Cleanup(func() { _ = os.Unsetenv("DISPATCH_REDIS_URL") })

	cfg, err := config.Load(path, env)
	require.NoError(t, err)
	assert.Equal(t, "redis://cache:6379/0", cfg.RedisURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"), filepath.Join(t.TempDir(), "missing.env"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := dispatch.DefaultConfig()
	require.NoError(t, config.Validate(cfg))

	cfg.Queues["urgent"] = dispatch.QueueConfig{Concurrency: 1}
	cfg.Governor.Capacity = 0
	cfg.Budget.ReduceFactor = 1.5
	cfg.Log.Format = "xml"

	err := config.Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, dispatch.ErrUnknownQueue))
	assert.Contains(t, err.Error(), "governor.capacity")
	assert.Contains(t, err.Error(), "reduce_factor")
	assert.Contains(t, err.Error(), "log.format")
}

func TestValidate_Heartbeat(t *testing.T) {
	tests := []struct {
		name      string
		heartbeat time.Duration
		wantErr   bool
	}{
		{"below threshold", 30 * time.Second, false},
		{"zero", 0, true},
		{"negative", -time.Second, true},
		{"equal to threshold", 5 * time.Minute, true},
		{"above threshold", 10 * time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := dispatch.DefaultConfig()
			cfg.Worker.StuckThreshold = 5 * time.Minute
			cfg.Worker.HeartbeatInterval = tt.heartbeat

			err := config.Validate(cfg)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), "worker.heartbeat_interval")
		})
	}
}
