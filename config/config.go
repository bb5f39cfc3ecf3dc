// Package config loads dispatch.Config from defaults, an optional YAML
// file, .env files and DISPATCH_* environment variables, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/queue"
)

// EnvPrefix prefixes every environment override, e.g.
// DISPATCH_WORKER_DRAIN_TIMEOUT=45s or DISPATCH_QUEUES_BULK_CONCURRENCY=2.
const EnvPrefix = "DISPATCH"

// keyDelim separates nested keys. Job type names such as "ai.tag" contain
// dots, so viper's default delimiter would split them.
const keyDelim = "::"

func key(parts ...string) string { return strings.Join(parts, keyDelim) }

// Load reads the configuration. path names a YAML file; empty searches
// for config.yaml in ./config and the working directory, and a missing
// file is not an error. envFiles are loaded with godotenv before the
// environment is read; missing env files are skipped and variables
// already set in the process win.
func Load(path string, envFiles ...string) (dispatch.Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return dispatch.Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelim))
	setDefaults(v, dispatch.DefaultConfig())

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelim, "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return dispatch.Config{}, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg dispatch.Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return dispatch.Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return dispatch.Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid field of cfg.
func Validate(cfg dispatch.Config) error {
	var errs []error
	if cfg.Budget.MonthlyCents < 0 {
		errs = append(errs, errors.New("budget.monthly_cents must not be negative"))
	}
	if cfg.Budget.BatchSize < 1 {
		errs = append(errs, errors.New("budget.batch_size must be at least 1"))
	}
	if cfg.Budget.ReduceFactor <= 0 || cfg.Budget.ReduceFactor > 1 {
		errs = append(errs, errors.New("budget.reduce_factor must be in (0, 1]"))
	}
	if cfg.Governor.Capacity < 1 {
		errs = append(errs, errors.New("governor.capacity must be at least 1"))
	}
	if cfg.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}
	if cfg.Worker.StuckThreshold <= 0 {
		errs = append(errs, errors.New("worker.stuck_threshold must be positive"))
	}
	// A claim older than the threshold is taken by another worker's
	// stuck scan, so a live job must refresh it well before then.
	if cfg.Worker.HeartbeatInterval <= 0 || cfg.Worker.HeartbeatInterval >= cfg.Worker.StuckThreshold {
		errs = append(errs, errors.New("worker.heartbeat_interval must be positive and below worker.stuck_threshold"))
	}
	for name, qc := range cfg.Queues {
		if !queue.Name(name).Valid() {
			errs = append(errs, fmt.Errorf("%w: queues.%s", dispatch.ErrUnknownQueue, name))
		}
		if qc.RateLimit < 0 {
			errs = append(errs, fmt.Errorf("queues.%s.rate_limit must not be negative", name))
		}
	}
	for name, jc := range cfg.Jobs {
		if jc.MaxAttempts < 0 {
			errs = append(errs, fmt.Errorf("jobs.%s.max_attempts must not be negative", name))
		}
	}
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want text or json", cfg.Log.Format))
	}
	return errors.Join(errs...)
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, def dispatch.Config) {
	v.SetDefault(key("database_url"), def.DatabaseURL)
	v.SetDefault(key("redis_url"), def.RedisURL)

	v.SetDefault(key("worker", "poll_interval"), def.Worker.PollInterval)
	v.SetDefault(key("worker", "drain_timeout"), def.Worker.DrainTimeout)
	v.SetDefault(key("worker", "heartbeat_interval"), def.Worker.HeartbeatInterval)
	v.SetDefault(key("worker", "stuck_threshold"), def.Worker.StuckThreshold)
	v.SetDefault(key("worker", "stuck_scan_interval"), def.Worker.StuckScanInterval)
	v.SetDefault(key("worker", "claim_batch"), def.Worker.ClaimBatch)

	for name, qc := range def.Queues {
		v.SetDefault(key("queues", name, "concurrency"), qc.Concurrency)
		v.SetDefault(key("queues", name, "rate_limit"), qc.RateLimit)
		v.SetDefault(key("queues", name, "rate_burst"), qc.RateBurst)
	}

	v.SetDefault(key("budget", "monthly_cents"), def.Budget.MonthlyCents)
	v.SetDefault(key("budget", "batch_size"), def.Budget.BatchSize)
	v.SetDefault(key("budget", "reduce_factor"), def.Budget.ReduceFactor)

	v.SetDefault(key("governor", "capacity"), def.Governor.Capacity)
	v.SetDefault(key("governor", "acquire_timeout"), def.Governor.AcquireTimeout)
	v.SetDefault(key("governor", "alert_after"), def.Governor.AlertAfter)
	v.SetDefault(key("governor", "capture_timeout"), def.Governor.CaptureTimeout)

	v.SetDefault(key("cache", "size"), def.Cache.Size)
	v.SetDefault(key("cache", "ttl"), def.Cache.TTL)

	v.SetDefault(key("log", "level"), def.Log.Level)
	v.SetDefault(key("log", "format"), def.Log.Format)

	v.SetDefault(key("telemetry", "enabled"), def.Telemetry.Enabled)
	v.SetDefault(key("telemetry", "endpoint"), def.Telemetry.Endpoint)
	v.SetDefault(key("telemetry", "service_name"), def.Telemetry.ServiceName)

	v.SetDefault(key("http", "addr"), def.HTTP.Addr)
	origins := def.HTTP.AllowedOrigins
	if origins == nil {
		origins = []string{}
	}
	v.SetDefault(key("http", "allowed_origins"), origins)

	v.SetDefault(key("maintenance", "dead_retention"), def.Maintenance.DeadRetention)
	v.SetDefault(key("maintenance", "purge_schedule"), def.Maintenance.PurgeSchedule)
	v.SetDefault(key("maintenance", "reconcile_schedule"), def.Maintenance.ReconcileSchedule)
}
