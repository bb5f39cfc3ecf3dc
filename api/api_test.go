package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	dispatch "github.com/teacurran/village-dispatch"
	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/api"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/dlq"
	"github.com/teacurran/village-dispatch/engine"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
	"github.com/teacurran/village-dispatch/store/memory"
)

func setup(t *testing.T) (*engine.Engine, *memory.Store, http.Handler) {
	t.Helper()
	s := memory.New()
	cfg := dispatch.DefaultConfig()
	cfg.Budget.MonthlyCents = 1000
	d, err := dispatch.New(dispatch.WithConfig(cfg), dispatch.WithStore(s))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	reg := prometheus.NewRegistry()
	eng, err := engine.Build(d, engine.WithMetricsRegisterer(reg))
	if err != nil {
		t.Fatalf("engine.Build: %v", err)
	}
	return eng, s, api.New(eng, api.WithGatherer(reg), api.WithAllowedOrigins([]string{"https://admin.example"})).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func killJob(t *testing.T, s *memory.Store) id.JobID {
	t.Helper()
	ctx := context.Background()
	j := job.New("notify.send", queue.Default, job.Payload{"user_id": "u1"}, job.DefaultOptions())
	j.ScheduledAt = time.Now().UTC().Add(-time.Second)
	if err := s.EnqueueJob(ctx, j); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}
	wid := id.NewWorkerID()
	c, _ := s.ClaimNext(ctx, queue.Default, wid)
	if err := s.MarkDead(ctx, c.ID, wid, "smtp rejected"); err != nil {
		t.Fatalf("MarkDead: %v", err)
	}
	return j.ID
}

func TestAPI_Health(t *testing.T) {
	_, _, h := setup(t)
	rec := do(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rec.Code, rec.Body.String())
	}
}

func TestAPI_EnqueueAndGetJob(t *testing.T) {
	_, _, h := setup(t)

	rec := do(t, h, http.MethodPost, "/v1/jobs", api.EnqueueRequest{
		Type:    "feed.refresh",
		Queue:   "low",
		Payload: job.Payload{"source_id": 3},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("enqueue = %d %s", rec.Code, rec.Body.String())
	}
	created := decode[api.EnqueueResponse](t, rec)

	rec = do(t, h, http.MethodGet, "/v1/jobs/"+created.JobID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get = %d %s", rec.Code, rec.Body.String())
	}
	got := decode[job.Job](t, rec)
	if got.Type != "feed.refresh" || got.Queue != queue.Low || got.Status != job.StatusPending {
		t.Fatalf("job = %+v", got)
	}
}

func TestAPI_EnqueueErrors(t *testing.T) {
	_, _, h := setup(t)

	tests := []struct {
		name string
		body any
		want int
	}{
		{"missing type", api.EnqueueRequest{}, http.StatusBadRequest},
		{"unknown queue", api.EnqueueRequest{Type: "x", Queue: "urgent"}, http.StatusBadRequest},
		{"bad json", "not an object", http.StatusBadRequest},
		{"body too large", api.EnqueueRequest{Type: "x", Payload: job.Payload{"blob": strings.Repeat("a", 2<<20)}}, http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := do(t, h, http.MethodPost, "/v1/jobs", tt.body); rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	if rec := do(t, h, http.MethodGet, "/v1/jobs/not-an-id", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/jobs/"+id.NewJobID().String(), nil); rec.Code != http.StatusNotFound {
		t.Errorf("missing job = %d", rec.Code)
	}
}

func TestAPI_Budget(t *testing.T) {
	eng, _, h := setup(t)
	month := budget.MonthOf(time.Now())
	if _, err := eng.Ledger().RecordUsage(context.Background(), month, "anthropic", 1, 3_000_000, 0); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/v1/budget", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("budget = %d", rec.Code)
	}
	report := decode[admission.Report](t, rec)
	// 3M input tokens at the default 300 cents per MTok.
	if report.ConsumedCents != 900 || report.BudgetCents != 1000 || report.State != admission.Queue {
		t.Fatalf("report = %+v", report)
	}

	rec = do(t, h, http.MethodGet, "/v1/budget?month="+month.Next().String(), nil)
	if next := decode[admission.Report](t, rec); next.ConsumedCents != 0 || next.State != admission.Normal {
		t.Fatalf("next month = %+v", next)
	}

	if rec := do(t, h, http.MethodGet, "/v1/budget?month=May", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad month = %d", rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/v1/budget/usage", nil)
	if records := decode[[]budget.Record](t, rec); len(records) != 1 || records[0].Provider != "anthropic" {
		t.Fatalf("usage = %+v", records)
	}
}

func TestAPI_Queues(t *testing.T) {
	eng, _, h := setup(t)
	if _, err := eng.Enqueue(context.Background(), "image.resize", queue.Bulk, nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	rec := do(t, h, http.MethodGet, "/v1/queues", nil)
	depths := decode[[]job.QueueDepth](t, rec)
	if len(depths) != len(queue.All()) {
		t.Fatalf("depths = %+v", depths)
	}
	for _, d := range depths {
		if d.Queue == queue.Bulk && d.PendingCount != 1 {
			t.Errorf("bulk pending = %d", d.PendingCount)
		}
	}
}

func TestAPI_DeadJobs(t *testing.T) {
	_, s, h := setup(t)
	deadID := killJob(t, s)

	rec := do(t, h, http.MethodGet, "/v1/dead?limit=10", nil)
	entries := decode[[]dlq.Entry](t, rec)
	if len(entries) != 1 || entries[0].JobID != deadID || entries[0].Error != "smtp rejected" {
		t.Fatalf("entries = %+v", entries)
	}

	rec = do(t, h, http.MethodGet, "/v1/dead/count", nil)
	if c := decode[api.DeadCountResponse](t, rec); c.Count != 1 {
		t.Fatalf("count = %d", c.Count)
	}

	rec = do(t, h, http.MethodGet, "/v1/dead/"+deadID.String(), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get dead = %d", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/dead/"+deadID.String()+"/replay", nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("replay = %d %s", rec.Code, rec.Body.String())
	}
	replayed := decode[api.ReplayResponse](t, rec)
	if replayed.JobID == deadID {
		t.Fatal("replay must return a new job id")
	}

	rec = do(t, h, http.MethodPost, "/v1/dead/"+deadID.String()+"/replay", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("second replay = %d, want 409", rec.Code)
	}

	// A live job is not a dead job.
	rec = do(t, h, http.MethodGet, "/v1/dead/"+replayed.JobID.String(), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("get live job as dead = %d, want 409", rec.Code)
	}

	rec = do(t, h, http.MethodPost, "/v1/dead/purge?older_than=0s", nil)
	if p := decode[api.PurgeResponse](t, rec); p.Purged != 1 {
		t.Fatalf("purged = %d", p.Purged)
	}
	if rec := do(t, h, http.MethodPost, "/v1/dead/purge?older_than=soon", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("bad older_than = %d", rec.Code)
	}
}

func TestAPI_Crons(t *testing.T) {
	_, _, h := setup(t)

	rec := do(t, h, http.MethodGet, "/v1/crons", nil)
	if !strings.Contains(rec.Body.String(), "stuck-scan") {
		t.Fatalf("crons = %s", rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/v1/crons/stuck-scan/run", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("run = %d %s", rec.Code, rec.Body.String())
	}
	if rec := do(t, h, http.MethodPost, "/v1/crons/nope/run", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("run unknown = %d", rec.Code)
	}
}

func TestAPI_GovernorAndMetrics(t *testing.T) {
	eng, _, h := setup(t)
	ctx := context.Background()

	rec := do(t, h, http.MethodGet, "/v1/governor", nil)
	if g := decode[api.GovernorResponse](t, rec); g.Capacity != 3 || g.InFlight != 0 {
		t.Fatalf("governor = %+v", g)
	}

	if _, err := eng.Enqueue(ctx, "feed.refresh", "", nil, nil); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rec = do(t, h, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "dispatch_jobs_enqueued_total") {
		t.Fatalf("metrics = %d\n%s", rec.Code, rec.Body.String())
	}
}

func TestAPI_CORS(t *testing.T) {
	_, _, h := setup(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/queues", nil)
	req.Header.Set("Origin", "https://admin.example")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://admin.example" {
		t.Fatalf("allow origin = %q", got)
	}
}
