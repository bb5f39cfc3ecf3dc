package dispatch

import "time"

// Config holds configuration for the Dispatcher and the subsystems the
// engine wires around it. Field tags match the keys read by the config
// package.
type Config struct {
	// DatabaseURL is the PostgreSQL connection string for the job store.
	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL enables the shared fingerprint cache when non-empty.
	RedisURL string `mapstructure:"redis_url"`

	Worker    WorkerConfig               `mapstructure:"worker"`
	Queues    map[string]QueueConfig     `mapstructure:"queues"`
	Jobs      map[string]JobPolicyConfig `mapstructure:"jobs"`
	Budget    BudgetConfig               `mapstructure:"budget"`
	Governor  GovernorConfig             `mapstructure:"governor"`
	Cache     CacheConfig                `mapstructure:"cache"`
	Log       LogConfig                  `mapstructure:"log"`
	Telemetry TelemetryConfig            `mapstructure:"telemetry"`
	HTTP      HTTPConfig                 `mapstructure:"http"`

	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// WorkerConfig controls the dispatch loops of one worker process.
type WorkerConfig struct {
	// PollInterval is how long an idle queue loop sleeps between claims.
	PollInterval time.Duration `mapstructure:"poll_interval"`

	// DrainTimeout bounds how long shutdown waits for in-flight jobs
	// before releasing them for re-claim.
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`

	// HeartbeatInterval is how often running jobs refresh their claim.
	// It must be positive and shorter than StuckThreshold.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`

	// StuckThreshold is how old a claim may get before the job is
	// considered abandoned by a crashed worker.
	StuckThreshold time.Duration `mapstructure:"stuck_threshold"`

	// StuckScanInterval is how often the reaper scans for stuck jobs.
	StuckScanInterval time.Duration `mapstructure:"stuck_scan_interval"`

	// ClaimBatch caps how many jobs one loop iteration may claim.
	ClaimBatch int `mapstructure:"claim_batch"`
}

// QueueConfig is the per-queue concurrency budget and optional rate limit.
type QueueConfig struct {
	Concurrency int     `mapstructure:"concurrency"`
	RateLimit   float64 `mapstructure:"rate_limit"`
	RateBurst   int     `mapstructure:"rate_burst"`
}

// JobPolicyConfig overrides the retry policy of a registered job type.
type JobPolicyConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// BudgetConfig configures the AI spend ledger and admission bands.
type BudgetConfig struct {
	// MonthlyCents is the monthly AI spend ceiling in minor currency units.
	MonthlyCents int64 `mapstructure:"monthly_cents"`

	// BatchSize is the full batch size used in the NORMAL band.
	BatchSize int `mapstructure:"batch_size"`

	// ReduceFactor scales BatchSize in the REDUCE band.
	ReduceFactor float64 `mapstructure:"reduce_factor"`
}

// GovernorConfig configures the screenshot concurrency governor.
type GovernorConfig struct {
	Capacity       int           `mapstructure:"capacity"`
	AcquireTimeout time.Duration `mapstructure:"acquire_timeout"`
	AlertAfter     time.Duration `mapstructure:"alert_after"`
	CaptureTimeout time.Duration `mapstructure:"capture_timeout"`
}

// CacheConfig configures the content fingerprint cache.
type CacheConfig struct {
	Size int           `mapstructure:"size"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// MaintenanceConfig schedules the housekeeping tasks run by the cron
// scheduler. Schedules use standard five-field cron syntax or descriptors
// such as "@daily". An empty schedule disables the task.
type MaintenanceConfig struct {
	// DeadRetention is how long DEAD jobs are kept before purge.
	DeadRetention time.Duration `mapstructure:"dead_retention"`

	PurgeSchedule     string `mapstructure:"purge_schedule"`
	ReconcileSchedule string `mapstructure:"reconcile_schedule"`

	// Jobs are recurring enqueues, such as an hourly feed refresh.
	Jobs []ScheduledJobConfig `mapstructure:"jobs"`
}

// ScheduledJobConfig enqueues Type on Queue every time Schedule fires.
type ScheduledJobConfig struct {
	Name     string         `mapstructure:"name"`
	Schedule string         `mapstructure:"schedule"`
	Type     string         `mapstructure:"type"`
	Queue    string         `mapstructure:"queue"`
	Payload  map[string]any `mapstructure:"payload"`
}

// LogConfig selects the slog handler built by the binary.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig toggles OTLP export.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// HTTPConfig configures the admin HTTP surface.
type HTTPConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Worker: WorkerConfig{
			PollInterval:      1 * time.Second,
			DrainTimeout:      30 * time.Second,
			HeartbeatInterval: 10 * time.Second,
			StuckThreshold:    5 * time.Minute,
			StuckScanInterval: 1 * time.Minute,
			ClaimBatch:        10,
		},
		Queues: map[string]QueueConfig{
			"high":       {Concurrency: 8},
			"default":    {Concurrency: 4},
			"low":        {Concurrency: 2},
			"bulk":       {Concurrency: 1},
			"screenshot": {Concurrency: 3},
		},
		Jobs: map[string]JobPolicyConfig{},
		Budget: BudgetConfig{
			MonthlyCents: 50000,
			BatchSize:    20,
			ReduceFactor: 0.5,
		},
		Governor: GovernorConfig{
			Capacity:       3,
			AcquireTimeout: 2 * time.Minute,
			AlertAfter:     60 * time.Second,
			CaptureTimeout: 45 * time.Second,
		},
		Cache: CacheConfig{
			Size: 10000,
			TTL:  7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "village-dispatch",
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Maintenance: MaintenanceConfig{
			DeadRetention:     30 * 24 * time.Hour,
			PurgeSchedule:     "@daily",
			ReconcileSchedule: "5 0 1 * *",
		},
	}
}
