package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/dlq"
	"github.com/teacurran/village-dispatch/engine"
	"github.com/teacurran/village-dispatch/handlers"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
	"github.com/teacurran/village-dispatch/store/memory"
)

// ──────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────

type feedPayload struct {
	SourceID int    `json:"source_id"`
	Title    string `json:"title"`
}

func testConfig() dispatch.Config {
	cfg := dispatch.DefaultConfig()
	cfg.Worker.PollInterval = 5 * time.Millisecond
	cfg.Worker.DrainTimeout = time.Second
	cfg.Worker.HeartbeatInterval = 0
	cfg.Queues = map[string]dispatch.QueueConfig{
		"default": {Concurrency: 2},
		"low":     {Concurrency: 1},
	}
	return cfg
}

func buildEngine(t *testing.T, cfg dispatch.Config, opts ...engine.Option) (*engine.Engine, *memory.Store) {
	t.Helper()
	s := memory.New()
	d, err := dispatch.New(dispatch.WithConfig(cfg), dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	eng, err := engine.Build(d, opts...)
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s
}

func waitForStatus(t *testing.T, eng *engine.Engine, jobID id.JobID, want job.Status) *job.Job {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		j, err := eng.GetJob(context.Background(), jobID)
		if err == nil && j.Status == want {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := eng.GetJob(context.Background(), jobID)
	t.Fatalf("job %s never reached %s (last: %+v)", jobID, want, j)
	return nil
}

// ──────────────────────────────────────────────────
// End-to-end: Register → Enqueue → Process
// ──────────────────────────────────────────────────

func TestEngine_EndToEnd_RegisterEnqueueProcess(t *testing.T) {
	eng, _ := buildEngine(t, testConfig())

	var (
		mu  sync.Mutex
		got feedPayload
	)
	engine.Register(eng, job.NewDefinition("feed.refresh", func(_ context.Context, _ id.JobID, p feedPayload) (job.Result, error) {
		mu.Lock()
		got = p
		mu.Unlock()
		return job.OK(), nil
	}, job.WithQueue(queue.Low)))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = eng.Stop(ctx) }()

	jobID, err := eng.Enqueue(ctx, "feed.refresh", "", job.Payload{"source_id": 7, "title": "Warta Desa"}, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	j := waitForStatus(t, eng, jobID, job.StatusCompleted)
	if j.Queue != queue.Low {
		t.Errorf("queue = %s, want low", j.Queue)
	}
	if j.ResultCode != job.ResultOK || j.Attempts != 1 {
		t.Errorf("completed job = %+v", j)
	}
	mu.Lock()
	defer mu.Unlock()
	if got.SourceID != 7 || got.Title != "Warta Desa" {
		t.Errorf("payload = %+v", got)
	}
}

func TestEngine_EnqueueValidation(t *testing.T) {
	eng, _ := buildEngine(t, testConfig())
	ctx := context.Background()

	if _, err := eng.Enqueue(ctx, "", queue.Default, nil, nil); !errors.Is(err, dispatch.ErrUnknownJobType) {
		t.Errorf("empty type err = %v", err)
	}
	if _, err := eng.Enqueue(ctx, "feed.refresh", "urgent", nil, nil); !errors.Is(err, dispatch.ErrUnknownQueue) {
		t.Errorf("bad queue err = %v", err)
	}

	// Unregistered types are accepted with the default policy.
	later := time.Now().Add(time.Hour)
	jobID, err := eng.Enqueue(ctx, "notify.send", queue.High, job.Payload{"user_id": "u1"}, &later)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	j, err := eng.GetJob(ctx, jobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if j.Status != job.StatusPending || j.MaxAttempts != job.DefaultOptions().Policy.MaxAttempts {
		t.Errorf("job = %+v", j)
	}
	if !j.ScheduledAt.Equal(later.UTC()) {
		t.Errorf("scheduled_at = %v, want %v", j.ScheduledAt, later.UTC())
	}
}

func TestEngine_ConfigPolicyOverride(t *testing.T) {
	cfg := testConfig()
	cfg.Jobs = map[string]dispatch.JobPolicyConfig{
		"image.resize": {MaxAttempts: 7, BaseDelay: time.Second},
	}
	eng, _ := buildEngine(t, cfg)
	engine.Register(eng, job.NewDefinition("image.resize", func(context.Context, id.JobID, struct{}) (job.Result, error) {
		return job.OK(), nil
	}))

	opts := eng.Registry().Options("image.resize")
	if opts.Policy.MaxAttempts != 7 || opts.Policy.BaseDelay != time.Second {
		t.Fatalf("policy = %+v", opts.Policy)
	}
	jobID, _ := eng.Enqueue(context.Background(), "image.resize", "", nil, nil)
	j, _ := eng.GetJob(context.Background(), jobID)
	if j.MaxAttempts != 7 {
		t.Errorf("max_attempts = %d, want 7", j.MaxAttempts)
	}
}

func TestEngine_RejectsUnknownQueueInConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Queues["urgent"] = dispatch.QueueConfig{Concurrency: 1}
	d, _ := dispatch.New(dispatch.WithConfig(cfg), dispatch.WithStore(memory.New()))
	if _, err := engine.Build(d); !errors.Is(err, dispatch.ErrUnknownQueue) {
		t.Fatalf("Build err = %v, want ErrUnknownQueue", err)
	}
}

func TestEngine_BuildWithoutStore(t *testing.T) {
	d, _ := dispatch.New()
	if _, err := engine.Build(d); !errors.Is(err, dispatch.ErrNoStore) {
		t.Fatalf("Build err = %v, want ErrNoStore", err)
	}
}

// ──────────────────────────────────────────────────
// Query APIs
// ──────────────────────────────────────────────────

func TestEngine_QueueDepths(t *testing.T) {
	eng, _ := buildEngine(t, testConfig())
	ctx := context.Background()

	for range 3 {
		if _, err := eng.Enqueue(ctx, "feed.refresh", queue.Bulk, nil, nil); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	depths, err := eng.QueueDepths(ctx)
	if err != nil {
		t.Fatalf("QueueDepths: %v", err)
	}
	if len(depths) != len(queue.All()) {
		t.Fatalf("depths = %d entries, want %d", len(depths), len(queue.All()))
	}
	if depths[0].Queue != queue.High {
		t.Errorf("first queue = %s, want high", depths[0].Queue)
	}
	for _, d := range depths {
		want := int64(0)
		if d.Queue == queue.Bulk {
			want = 3
		}
		if d.PendingCount != want {
			t.Errorf("%s pending = %d, want %d", d.Queue, d.PendingCount, want)
		}
	}
}

func TestEngine_BudgetState(t *testing.T) {
	cfg := testConfig()
	cfg.Budget.MonthlyCents = 500
	eng, _ := buildEngine(t, cfg, engine.WithPricing(budget.Pricing{
		budget.DefaultProvider: {InputCentsPerMTok: 1_000_000},
	}))
	ctx := context.Background()
	month := budget.Month("2026-05")

	if _, err := eng.Ledger().RecordUsage(ctx, month, "anthropic", 1, 480, 0); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}
	report, err := eng.BudgetState(ctx, month)
	if err != nil {
		t.Fatalf("BudgetState: %v", err)
	}
	if report.ConsumedCents != 480 || report.BudgetCents != 500 || report.State != admission.Queue {
		t.Fatalf("report = %+v", report)
	}

	next, _ := eng.BudgetState(ctx, month.Next())
	if next.ConsumedCents != 0 || next.State != admission.Normal {
		t.Fatalf("next month = %+v", next)
	}

	usage, err := eng.BudgetUsage(ctx, month)
	if err != nil || len(usage) != 1 || usage[0].Provider != "anthropic" {
		t.Fatalf("usage = %+v, %v", usage, err)
	}
}

// ──────────────────────────────────────────────────
// Dead jobs
// ──────────────────────────────────────────────────

func TestEngine_DeadJobAndReplay(t *testing.T) {
	reg := prometheus.NewRegistry()
	eng, _ := buildEngine(t, testConfig(), engine.WithMetricsRegisterer(reg))

	var calls atomic.Int32
	engine.Register(eng, job.NewDefinition("notify.send", func(context.Context, id.JobID, struct{}) (job.Result, error) {
		if calls.Add(1) == 1 {
			return job.Result{}, job.Fatal(errors.New("recipient unsubscribed"))
		}
		return job.OK(), nil
	}))

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = eng.Stop(ctx) }()

	jobID, err := eng.Enqueue(ctx, "notify.send", "", nil, nil)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	dead := waitForStatus(t, eng, jobID, job.StatusDead)
	if dead.LastError == "" {
		t.Error("expected last_error on dead job")
	}

	entries, err := eng.DeadJobs(ctx, dlq.ListOpts{Limit: 10})
	if err != nil || len(entries) != 1 || entries[0].JobID != jobID {
		t.Fatalf("DeadJobs = %+v, %v", entries, err)
	}

	freshID, err := eng.Replay(ctx, jobID)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	waitForStatus(t, eng, freshID, job.StatusCompleted)

	if n := testutil.CollectAndCount(reg, "dispatch_jobs_dead_total"); n != 1 {
		t.Errorf("dead series = %d, want 1", n)
	}
	if n := testutil.CollectAndCount(reg, "dispatch_jobs_enqueued_total"); n != 1 {
		t.Errorf("enqueued series = %d, want 1", n)
	}
}

// ──────────────────────────────────────────────────
// Built-in handlers
// ──────────────────────────────────────────────────

type stubTagger struct{ calls atomic.Int32 }

func (s *stubTagger) Tag(_ context.Context, _ string, items []handlers.TagItem) (handlers.TagResponse, error) {
	s.calls.Add(1)
	resp := handlers.TagResponse{Tags: map[string][]string{}, InputTokens: 10}
	for _, it := range items {
		resp.Tags[it.ContentID] = []string{"berita"}
	}
	return resp, nil
}

type memorySink struct {
	mu   sync.Mutex
	tags map[string]handlers.TagSource
}

func (m *memorySink) SaveTags(_ context.Context, contentID string, _ []string, source handlers.TagSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tags == nil {
		m.tags = map[string]handlers.TagSource{}
	}
	m.tags[contentID] = source
	return nil
}

func TestEngine_TaggingThroughPool(t *testing.T) {
	tagger := &stubTagger{}
	sink := &memorySink{}
	eng, _ := buildEngine(t, testConfig(), engine.WithTagging(tagger, sink))

	if _, ok := eng.Registry().Get(handlers.TagJobType); !ok {
		t.Fatal("ai.tag not registered")
	}

	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() { _ = eng.Stop(ctx) }()

	first, _ := eng.Enqueue(ctx, handlers.TagJobType, "", job.Payload{"content_id": "a", "content": "Harga cabai naik"}, nil)
	j := waitForStatus(t, eng, first, job.StatusCompleted)
	if j.ResultCode != job.ResultOK {
		t.Errorf("first result = %s", j.ResultCode)
	}

	second, _ := eng.Enqueue(ctx, handlers.TagJobType, "", job.Payload{"content_id": "b", "content": "harga  CABAI naik"}, nil)
	j = waitForStatus(t, eng, second, job.StatusCompleted)
	if j.ResultCode != job.ResultCacheHit {
		t.Errorf("second result = %s, want cache_hit", j.ResultCode)
	}
	if tagger.calls.Load() != 1 {
		t.Errorf("tagger calls = %d, want 1", tagger.calls.Load())
	}

	report, _ := eng.BudgetState(ctx, budget.MonthOf(time.Now()))
	if report.ConsumedCents == 0 {
		t.Error("expected AI usage to be recorded")
	}
}

func TestEngine_SchedulerEntries(t *testing.T) {
	cfg := testConfig()
	cfg.Maintenance.Jobs = []dispatch.ScheduledJobConfig{
		{Name: "feeds", Schedule: "@hourly", Type: "feed.refresh", Queue: "low"},
	}
	eng, _ := buildEngine(t, cfg)

	names := map[string]bool{}
	for _, e := range eng.Scheduler().Entries() {
		names[e.Name] = true
	}
	for _, want := range []string{"stuck-scan", "budget-reconcile", "dead-purge", "feeds"} {
		if !names[want] {
			t.Errorf("missing scheduler entry %q", want)
		}
	}

	if err := eng.Scheduler().Run(context.Background(), "feeds"); err != nil {
		t.Fatalf("Run(feeds): %v", err)
	}
	depths, _ := eng.QueueDepths(context.Background())
	for _, d := range depths {
		if d.Queue == queue.Low && d.PendingCount != 1 {
			t.Errorf("low pending = %d, want 1", d.PendingCount)
		}
	}
}
