package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/capture"
	"github.com/teacurran/village-dispatch/cron"
	"github.com/teacurran/village-dispatch/dlq"
	"github.com/teacurran/village-dispatch/ext"
	"github.com/teacurran/village-dispatch/governor"
	"github.com/teacurran/village-dispatch/handlers"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	mw "github.com/teacurran/village-dispatch/middleware"
	"github.com/teacurran/village-dispatch/observability"
	"github.com/teacurran/village-dispatch/queue"
	"github.com/teacurran/village-dispatch/store"
	"github.com/teacurran/village-dispatch/worker"
)

const instrumentationName = "github.com/teacurran/village-dispatch"

// Engine wraps a Dispatcher with typed subsystem access.
// Use Build() to create one from a Dispatcher.
type Engine struct {
	d          *dispatch.Dispatcher
	config     dispatch.Config
	extensions *ext.Registry
	registry   *job.Registry
	store      store.Store
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	ledger    *budget.Ledger
	admission *admission.Controller
	governor  *governor.Governor
	cache     admission.FingerprintCache
	dlq       *dlq.Service
	scheduler *cron.Scheduler

	pricing budget.Pricing

	tagger      handlers.Tagger
	contentSink handlers.ContentSink
	capturer    capture.Capturer
	imageSink   handlers.ScreenshotSink

	// Optional; nil means the OTel globals.
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Nil disables the Prometheus lifecycle extension.
	registerer prometheus.Registerer
}

// Option configures an Engine.
type Option func(*Engine)

// WithExtension registers an extension with the engine.
func WithExtension(e ext.Extension) Option {
	return func(eng *Engine) {
		eng.extensions.Register(e)
	}
}

// WithMiddleware adds middleware after the default chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(eng *Engine) {
		eng.mws = append(eng.mws, m)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider for the tracing
// middleware. If not set, the global otel.GetTracerProvider() is used.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(eng *Engine) {
		eng.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider for the metrics
// middleware. If not set, the global otel.GetMeterProvider() is used.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(eng *Engine) {
		eng.meterProvider = mp
	}
}

// WithMetricsRegisterer registers the Prometheus lifecycle extension with
// reg. The binary passes prometheus.DefaultRegisterer.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(eng *Engine) {
		eng.registerer = reg
	}
}

// WithPricing replaces the provider price table of the budget ledger.
func WithPricing(p budget.Pricing) Option {
	return func(eng *Engine) {
		eng.pricing = p
	}
}

// WithFingerprintCache replaces the in-process LRU, e.g. with a
// RedisCache shared by all workers.
func WithFingerprintCache(c admission.FingerprintCache) Option {
	return func(eng *Engine) {
		eng.cache = c
	}
}

// WithTagging registers the ai.tag handler.
func WithTagging(t handlers.Tagger, sink handlers.ContentSink) Option {
	return func(eng *Engine) {
		eng.tagger = t
		eng.contentSink = sink
	}
}

// WithScreenshots registers the screenshot.capture handler.
func WithScreenshots(c capture.Capturer, sink handlers.ScreenshotSink) Option {
	return func(eng *Engine) {
		eng.capturer = c
		eng.imageSink = sink
	}
}

// Build creates an Engine from an existing Dispatcher.
// The Dispatcher's store must implement store.Store.
func Build(d *dispatch.Dispatcher, opts ...Option) (*Engine, error) {
	logger := d.Logger()
	if d.Store() == nil {
		return nil, dispatch.ErrNoStore
	}
	st, ok := d.Store().(store.Store)
	if !ok {
		return nil, fmt.Errorf("dispatch: store does not implement store.Store")
	}

	cfg := d.Config()
	eng := &Engine{
		d:          d,
		config:     cfg,
		extensions: ext.NewRegistry(logger),
		registry:   job.NewRegistry(),
		store:      st,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(eng)
	}

	lanes, err := lanesFromConfig(cfg.Queues)
	if err != nil {
		return nil, err
	}

	if eng.registerer != nil {
		eng.extensions.Register(observability.NewMetricsExtensionWithRegisterer(eng.registerer))
	}

	// Budget and admission.
	ledgerOpts := []budget.Option{budget.WithLogger(logger)}
	if eng.pricing != nil {
		ledgerOpts = append(ledgerOpts, budget.WithPricing(eng.pricing))
	}
	eng.ledger = budget.NewLedger(st, cfg.Budget.MonthlyCents, ledgerOpts...)
	eng.admission = admission.New(eng.ledger,
		admission.WithBatchSize(cfg.Budget.BatchSize),
		admission.WithReduceFactor(cfg.Budget.ReduceFactor),
		admission.WithLogger(logger),
		admission.WithBandListener(eng.extensions.EmitBandChanged),
	)
	if eng.cache == nil {
		eng.cache = admission.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL)
	}

	eng.governor = governor.New(cfg.Governor.Capacity,
		governor.WithLogger(logger),
		governor.WithAlertAfter(cfg.Governor.AlertAfter),
	)

	eng.dlq = dlq.NewService(st,
		dlq.WithLogger(logger),
		dlq.WithEnqueueHook(eng.extensions.EmitJobEnqueued),
	)

	// Default middleware stack: recover → tracing → metrics → logging → timeout.
	tracingMw := mw.Tracing()
	if eng.tracerProvider != nil {
		tracingMw = mw.TracingWithTracer(eng.tracerProvider.Tracer(instrumentationName))
	}
	metricsMw := mw.Metrics()
	if eng.meterProvider != nil {
		metricsMw = mw.MetricsWithMeter(eng.meterProvider.Meter(instrumentationName))
	}
	allMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Timeout(logger, job.DefaultOptions().Timeout),
	}
	allMws = append(allMws, eng.mws...)

	executor := worker.NewExecutor(eng.registry, eng.extensions, st, id.NewWorkerID(), logger, allMws...)
	eng.pool = worker.NewPool(st, executor, eng.extensions, logger,
		worker.WithLanes(lanes),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithClaimBatch(cfg.Worker.ClaimBatch),
		worker.WithHeartbeatInterval(cfg.Worker.HeartbeatInterval),
		worker.WithStuckThreshold(cfg.Worker.StuckThreshold),
		worker.WithDrainTimeout(cfg.Worker.DrainTimeout),
		// The cron scheduler owns the stuck scan.
		worker.WithStuckScanInterval(0),
	)

	// Wire back into the Dispatcher.
	d.SetPool(eng.pool)
	d.SetExtensions(eng.extensions)

	if err := eng.buildScheduler(); err != nil {
		return nil, err
	}
	eng.registerHandlers()

	return eng, nil
}

func (eng *Engine) buildScheduler() error {
	cfg := eng.config
	eng.scheduler = cron.NewScheduler(func(ctx context.Context, jobType string, q queue.Name, payload job.Payload) (id.JobID, error) {
		return eng.Enqueue(ctx, jobType, q, payload, nil)
	}, eng.logger)

	var tasks []cron.Task
	if cfg.Worker.StuckScanInterval > 0 {
		tasks = append(tasks, cron.StuckScan(eng.pool, cfg.Worker.StuckScanInterval))
	}
	if cfg.Maintenance.ReconcileSchedule != "" {
		tasks = append(tasks, cron.BudgetReconcile(eng.ledger, cfg.Maintenance.ReconcileSchedule, eng.logger))
	}
	if cfg.Maintenance.PurgeSchedule != "" && cfg.Maintenance.DeadRetention > 0 {
		tasks = append(tasks, cron.DeadPurge(eng.dlq, cfg.Maintenance.PurgeSchedule, cfg.Maintenance.DeadRetention))
	}
	for _, t := range tasks {
		if err := eng.scheduler.AddTask(t); err != nil {
			return err
		}
	}
	for _, jc := range cfg.Maintenance.Jobs {
		def := cron.JobDefinition{
			Name:     jc.Name,
			Schedule: jc.Schedule,
			JobType:  jc.Type,
			Queue:    queue.Name(jc.Queue),
			Payload:  jc.Payload,
		}
		if err := eng.scheduler.AddJob(def); err != nil {
			return err
		}
	}
	return nil
}

func (eng *Engine) registerHandlers() {
	cfg := eng.config
	if eng.tagger != nil && eng.contentSink != nil {
		h := handlers.NewTagging(eng.tagger, eng.contentSink, eng.admission, eng.ledger, eng.cache,
			handlers.WithTaggingLogger(eng.logger))
		Register(eng, h.Definition())
	}
	if eng.capturer != nil && eng.imageSink != nil {
		h := handlers.NewScreenshot(eng.governor, eng.capturer, eng.imageSink,
			handlers.WithScreenshotLogger(eng.logger),
			handlers.WithAcquireTimeout(cfg.Governor.AcquireTimeout),
			handlers.WithCaptureTimeout(cfg.Governor.CaptureTimeout),
		)
		Register(eng, h.Definition())
	}
}

func lanesFromConfig(queues map[string]dispatch.QueueConfig) ([]queue.Config, error) {
	if len(queues) == 0 {
		return queue.DefaultConfigs(), nil
	}
	lanes := make([]queue.Config, 0, len(queues))
	for name, qc := range queues {
		n := queue.Name(name)
		if !n.Valid() {
			return nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownQueue, name)
		}
		lanes = append(lanes, queue.Config{
			Name:        n,
			Concurrency: qc.Concurrency,
			RateLimit:   qc.RateLimit,
			RateBurst:   qc.RateBurst,
		})
	}
	queue.Sort(lanes)
	return lanes, nil
}

// Register registers a typed job definition with the engine. A policy
// under jobs.<type> in the configuration overrides the definition's.
func Register[T any](eng *Engine, def *job.Definition[T]) {
	job.RegisterDefinition(eng.registry, def)
	pc, ok := eng.config.Jobs[def.Type]
	if !ok {
		return
	}
	eng.registry.Override(def.Type, func(o *job.Options) {
		if pc.MaxAttempts > 0 {
			o.Policy.MaxAttempts = pc.MaxAttempts
		}
		if pc.BaseDelay > 0 {
			o.Policy.BaseDelay = pc.BaseDelay
		}
		if pc.MaxDelay > 0 {
			o.Policy.MaxDelay = pc.MaxDelay
		}
	})
}

// Enqueue persists a pending job. An empty q uses the type's default
// queue; a nil scheduledAt means now. The retry policy comes from the
// registry, so an unregistered type gets the default policy.
func (eng *Engine) Enqueue(ctx context.Context, jobType string, q queue.Name, payload job.Payload, scheduledAt *time.Time) (id.JobID, error) {
	if jobType == "" {
		return id.Nil, fmt.Errorf("%w: empty job type", dispatch.ErrUnknownJobType)
	}
	opts := eng.registry.Options(jobType)
	if q == "" {
		q = opts.Queue
	}
	if !q.Valid() {
		return id.Nil, fmt.Errorf("%w: %q", dispatch.ErrUnknownQueue, q)
	}

	j := job.New(jobType, q, payload, opts)
	if scheduledAt != nil {
		j.ScheduledAt = scheduledAt.UTC()
	}
	if err := eng.store.EnqueueJob(ctx, j); err != nil {
		return id.Nil, err
	}

	eng.extensions.EmitJobEnqueued(ctx, j)
	eng.logger.Debug("job enqueued",
		slog.String("job_id", j.ID.String()),
		slog.String("job_type", jobType),
		slog.String("queue", string(q)),
		slog.Time("scheduled_at", j.ScheduledAt),
	)
	return j.ID, nil
}

// GetJob returns a job by id.
func (eng *Engine) GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error) {
	return eng.store.GetJob(ctx, jobID)
}

// BudgetState reports consumption of month against the budget and its
// current band.
func (eng *Engine) BudgetState(ctx context.Context, month budget.Month) (admission.Report, error) {
	return eng.admission.Report(ctx, month)
}

// BudgetUsage returns the per-provider usage records of month.
func (eng *Engine) BudgetUsage(ctx context.Context, month budget.Month) ([]budget.Record, error) {
	return eng.ledger.Usage(ctx, month)
}

// QueueDepths reports the health of every queue.
func (eng *Engine) QueueDepths(ctx context.Context) ([]job.QueueDepth, error) {
	return eng.store.QueueDepths(ctx, eng.config.Worker.StuckThreshold)
}

// DeadJobs lists DEAD jobs, newest first.
func (eng *Engine) DeadJobs(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	return eng.dlq.List(ctx, opts)
}

// Replay enqueues a fresh copy of a DEAD job and returns its id.
func (eng *Engine) Replay(ctx context.Context, jobID id.JobID) (id.JobID, error) {
	j, err := eng.dlq.Replay(ctx, jobID)
	if err != nil {
		return id.Nil, err
	}
	return j.ID, nil
}

// Start begins job processing by starting the cron scheduler and the
// worker pool.
func (eng *Engine) Start(ctx context.Context) error {
	if err := eng.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return eng.d.Start(ctx)
}

// Stop gracefully shuts down the engine. In-flight jobs get the drain
// window before their claims are released.
func (eng *Engine) Stop(ctx context.Context) error {
	if err := eng.scheduler.Stop(ctx); err != nil {
		eng.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}
	return eng.d.Stop(ctx)
}

// Extensions returns the extension registry.
func (eng *Engine) Extensions() *ext.Registry { return eng.extensions }

// Registry returns the job registry.
func (eng *Engine) Registry() *job.Registry { return eng.registry }

// Dispatcher returns the underlying Dispatcher.
func (eng *Engine) Dispatcher() *dispatch.Dispatcher { return eng.d }

// Store returns the composite store.
func (eng *Engine) Store() store.Store { return eng.store }

// Pool returns the worker pool.
func (eng *Engine) Pool() *worker.Pool { return eng.pool }

// Ledger returns the AI budget ledger.
func (eng *Engine) Ledger() *budget.Ledger { return eng.ledger }

// Admission returns the admission controller.
func (eng *Engine) Admission() *admission.Controller { return eng.admission }

// Governor returns the screenshot concurrency governor.
func (eng *Engine) Governor() *governor.Governor { return eng.governor }

// Cache returns the fingerprint cache.
func (eng *Engine) Cache() admission.FingerprintCache { return eng.cache }

// DLQ returns the dead job service.
func (eng *Engine) DLQ() *dlq.Service { return eng.dlq }

// Scheduler returns the cron scheduler.
func (eng *Engine) Scheduler() *cron.Scheduler { return eng.scheduler }
