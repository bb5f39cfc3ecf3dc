package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/capture"
	"github.com/teacurran/village-dispatch/config"
	"github.com/teacurran/village-dispatch/engine"
	"github.com/teacurran/village-dispatch/store/postgres"
	"github.com/teacurran/village-dispatch/telemetry"
)

// app carries what every subcommand needs after the config is loaded.
type app struct {
	configPath string
	envFile    string

	cfg    dispatch.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "dispatchd",
		Short:         "Background job dispatch with AI budget admission and a capture governor",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var envFiles []string
			if a.envFile != "" {
				envFiles = []string{a.envFile}
			}
			cfg, err := config.Load(a.configPath, envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.Log)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load (default .env)")

	root.AddCommand(
		newWorkerCmd(a),
		newServeCmd(a),
		newEnqueueCmd(a),
		newBudgetCmd(a),
		newQueuesCmd(a),
		newDeadCmd(a),
		newMigrateCmd(a),
	)
	return root
}

func newLogger(cfg dispatch.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// runtimeOptions configures an engine for a long-running process.
type runtimeOptions struct {
	screenshotDir string
	taggerURL     string
	chromePath    string
	queues        []string
}

// openStore connects to Postgres.
func (a *app) openStore(ctx context.Context) (*postgres.Store, error) {
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database_url is not set (DISPATCH_DATABASE_URL)")
	}
	return postgres.New(ctx, a.cfg.DatabaseURL, postgres.WithLogger(a.logger))
}

// openEngine connects the store and builds an engine. Operator commands
// pass a nil rt and get an engine without handlers or telemetry.
func (a *app) openEngine(ctx context.Context, rt *runtimeOptions) (*engine.Engine, func(context.Context), error) {
	st, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	dopts := []dispatch.Option{
		dispatch.WithConfig(a.cfg),
		dispatch.WithLogger(a.logger),
		dispatch.WithStore(st),
	}
	if rt != nil && len(rt.queues) > 0 {
		dopts = append(dopts, dispatch.WithQueues(rt.queues))
	}
	d, err := dispatch.New(dopts...)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}

	var (
		opts    []engine.Option
		closers []func(context.Context) error
	)
	if a.cfg.RedisURL != "" {
		ropts, err := redis.ParseURL(a.cfg.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, nil, fmt.Errorf("parse redis_url: %w", err)
		}
		client := redis.NewClient(ropts)
		opts = append(opts, engine.WithFingerprintCache(admission.NewRedisCache(client, "", a.cfg.Cache.TTL)))
		closers = append(closers, func(context.Context) error { return client.Close() })
	}

	if rt != nil {
		providers, err := telemetry.Init(ctx, a.cfg.Telemetry)
		if err != nil {
			_ = st.Close()
			return nil, nil, err
		}
		closers = append(closers, providers.Shutdown)
		opts = append(opts,
			engine.WithTracerProvider(providers.Tracer),
			engine.WithMeterProvider(providers.Meter),
			engine.WithMetricsRegisterer(prometheus.DefaultRegisterer),
		)

		if rt.taggerURL != "" {
			opts = append(opts, engine.WithTagging(newHTTPTagger(rt.taggerURL), logTagSink{logger: a.logger}))
		}
		if rt.screenshotDir != "" {
			capt := capture.Chromium(rt.chromePath, 1280, 800)
			opts = append(opts, engine.WithScreenshots(capt, fileScreenshotSink{dir: rt.screenshotDir}))
		}
	}

	eng, err := engine.Build(d, opts...)
	if err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	cleanup := func(ctx context.Context) {
		for _, fn := range closers {
			if err := fn(ctx); err != nil {
				a.logger.Warn("shutdown", slog.String("error", err.Error()))
			}
		}
	}
	return eng, cleanup, nil
}

func (rt *runtimeOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&rt.screenshotDir, "screenshot-dir", "", "directory for captured screenshots; empty disables screenshot.capture")
	cmd.Flags().StringVar(&rt.taggerURL, "tagger-url", "", "HTTP endpoint of the tagging service; empty disables ai.tag")
	cmd.Flags().StringVar(&rt.chromePath, "chrome", "", "path to the headless browser binary")
	cmd.Flags().StringSliceVar(&rt.queues, "queues", nil, "only run these queues, e.g. --queues screenshot")
}
