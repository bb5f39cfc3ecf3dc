package dispatch

import (
	"context"
	"log/slog"
)

// Storer is the part of a backend the Dispatcher itself touches: schema
// setup, liveness and shutdown. Job, budget and cron persistence live in
// store.Store, which the engine asserts for when it builds.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Dispatcher holds the settings a process starts from (configuration,
// logger and store) and owns the start and stop order once engine.Build
// has attached the worker pool and hooks.
//
// A Dispatcher on its own claims nothing. engine.Build registers the job
// types, puts the budget admission controller and screenshot governor
// in front of their handlers, then calls SetPool and SetExtensions.
type Dispatcher struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	started bool
}

// New returns a Dispatcher with DefaultConfig and slog.Default, then
// applies opts in order. The first failing option aborts construction.
func New(opts ...Option) (*Dispatcher, error) {
	d := &Dispatcher{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Dispatcher) Logger() *slog.Logger { return d.logger }

func (d *Dispatcher) Store() Storer { return d.store }

// Config returns the configuration by value.
func (d *Dispatcher) Config() Config { return d.config }

// SetPool attaches the worker pool. engine.Build is the only caller.
func (d *Dispatcher) SetPool(p poolRunner) { d.pool = p }

// SetExtensions attaches the hook registry told about shutdown.
func (d *Dispatcher) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start launches the queue lanes. It fails with ErrNotBuilt until
// engine.Build has attached a pool.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.pool == nil {
		return ErrNotBuilt
	}
	if err := d.pool.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Stop ends claiming and drains running jobs for the configured window.
// Jobs still running after it are released back to pending so another
// worker picks them up without spending an attempt. Hooks then see
// shutdown and the store is closed.
func (d *Dispatcher) Stop(ctx context.Context) error {
	if d.pool != nil && d.started {
		if err := d.pool.Stop(ctx); err != nil {
			d.logger.Error("worker pool stop failed", slog.String("error", err.Error()))
		}
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}
