package job_test

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

type tagPayload struct {
	ContentID int64  `json:"content_id"`
	Content   string `json:"content"`
	Provider  string `json:"provider"`
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := job.NewRegistry()

	var got tagPayload
	var gotID id.JobID
	def := job.NewDefinition("ai.tag", func(_ context.Context, jobID id.JobID, p tagPayload) (job.Result, error) {
		got = p
		gotID = jobID
		return job.OK(), nil
	})

	job.RegisterDefinition(r, def)

	h, ok := r.Get("ai.tag")
	if !ok {
		t.Fatal("expected handler to be registered")
	}

	jobID := id.NewJobID()
	// float64 mirrors what encoding/json produces for numbers.
	res, err := h(context.Background(), jobID, job.Payload{
		"content_id": float64(42),
		"content":    "hello",
		"provider":   "anthropic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Code != job.ResultOK {
		t.Errorf("Code = %q, want %q", res.Code, job.ResultOK)
	}
	if got.ContentID != 42 || got.Content != "hello" || got.Provider != "anthropic" {
		t.Errorf("payload = %+v", got)
	}
	if gotID != jobID {
		t.Errorf("jobID = %s, want %s", gotID, jobID)
	}
}

func TestRegistry_GetUnknown(t *testing.T) {
	r := job.NewRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("expected no handler for unregistered job")
	}
}

func noop(_ context.Context, _ id.JobID, _ struct{}) (job.Result, error) {
	return job.OK(), nil
}

func TestRegistry_Types(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("feed.refresh", noop))
	job.RegisterDefinition(r, job.NewDefinition("image.process", noop))
	job.RegisterDefinition(r, job.NewDefinition("notify.send", noop))

	types := r.Types()
	sort.Strings(types)
	want := []string{"feed.refresh", "image.process", "notify.send"}
	if len(types) != len(want) {
		t.Fatalf("expected %d types, got %d", len(want), len(types))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestRegistry_InvalidPayloadIsFatal(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("typed", func(_ context.Context, _ id.JobID, _ tagPayload) (job.Result, error) {
		t.Fatal("handler should not be called with an invalid payload")
		return job.OK(), nil
	}))

	h, _ := r.Get("typed")
	_, err := h(context.Background(), id.NewJobID(), job.Payload{"content_id": "not-a-number"})
	if err == nil {
		t.Fatal("expected error for invalid payload")
	}
	if !job.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestRegistry_EmptyPayload(t *testing.T) {
	r := job.NewRegistry()
	called := false
	job.RegisterDefinition(r, job.NewDefinition("no-payload", func(_ context.Context, _ id.JobID, _ struct{}) (job.Result, error) {
		called = true
		return job.OK(), nil
	}))

	h, _ := r.Get("no-payload")
	if _, err := h(context.Background(), id.NewJobID(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("handler not called with empty payload")
	}
}

func TestRegistry_HandlerError(t *testing.T) {
	r := job.NewRegistry()
	want := errors.New("handler failed")
	job.RegisterDefinition(r, job.NewDefinition("failing", func(_ context.Context, _ id.JobID, _ struct{}) (job.Result, error) {
		return job.Result{}, want
	}))

	h, _ := r.Get("failing")
	_, err := h(context.Background(), id.NewJobID(), nil)
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if job.IsFatal(err) {
		t.Fatal("plain handler error must not be fatal")
	}
}

func TestRegistry_OverwriteHandler(t *testing.T) {
	r := job.NewRegistry()

	job.RegisterDefinition(r, job.NewDefinition("overwrite", func(_ context.Context, _ id.JobID, _ struct{}) (job.Result, error) {
		return job.Result{}, errors.New("old")
	}))
	job.RegisterDefinition(r, job.NewDefinition("overwrite", func(_ context.Context, _ id.JobID, _ struct{}) (job.Result, error) {
		return job.Result{}, errors.New("new")
	}))

	h, _ := r.Get("overwrite")
	_, err := h(context.Background(), id.NewJobID(), nil)
	if err == nil || err.Error() != "new" {
		t.Fatalf("expected 'new' error, got %v", err)
	}
}

func TestRegistry_Options(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("screenshot.capture", noop,
		job.WithQueue(queue.Screenshot),
		job.WithMaxAttempts(5),
		job.WithBackoff(time.Minute, 10*time.Minute),
		job.WithTimeout(time.Minute),
	))

	o := r.Options("screenshot.capture")
	if o.Queue != queue.Screenshot {
		t.Errorf("Queue = %q, want screenshot", o.Queue)
	}
	if o.Policy.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", o.Policy.MaxAttempts)
	}
	if o.Policy.BaseDelay != time.Minute || o.Policy.MaxDelay != 10*time.Minute {
		t.Errorf("backoff = %v/%v", o.Policy.BaseDelay, o.Policy.MaxDelay)
	}
	if o.Timeout != time.Minute {
		t.Errorf("Timeout = %v, want 1m", o.Timeout)
	}

	if d := r.Options("unregistered"); d.Policy.MaxAttempts != 3 || d.Queue != queue.Default {
		t.Errorf("unregistered options = %+v, want defaults", d)
	}
}

func TestRegistry_Override(t *testing.T) {
	r := job.NewRegistry()
	job.RegisterDefinition(r, job.NewDefinition("feed.refresh", noop))

	if !r.Override("feed.refresh", func(o *job.Options) { o.Policy.MaxAttempts = 10 }) {
		t.Fatal("expected override to apply")
	}
	if got := r.Options("feed.refresh").Policy.MaxAttempts; got != 10 {
		t.Fatalf("MaxAttempts = %d, want 10", got)
	}
	if r.Override("unknown", func(*job.Options) {}) {
		t.Fatal("override of unknown type should report false")
	}
}

func TestFatal(t *testing.T) {
	base := errors.New("bad url")
	err := job.Fatal(base)
	if !job.IsFatal(err) {
		t.Fatal("expected IsFatal")
	}
	if !errors.Is(err, base) {
		t.Fatal("Fatal must wrap the cause")
	}
	if job.Fatal(nil) != nil {
		t.Fatal("Fatal(nil) should be nil")
	}
}

func TestDeferred(t *testing.T) {
	at := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	r := job.Deferred(at, job.ResultBudgetDeferred)
	if !r.IsDeferred() || !r.DeferUntil.Equal(at) {
		t.Fatalf("Deferred = %+v", r)
	}
	if job.OK().IsDeferred() {
		t.Fatal("OK must not be deferred")
	}
	if got := (job.Result{}).CodeOr(job.ResultOK); got != job.ResultOK {
		t.Fatalf("CodeOr = %q", got)
	}
}

func TestNewJob(t *testing.T) {
	opts := job.DefaultOptions()
	j := job.New("ai.tag", queue.Default, nil, opts)
	if j.Status != job.StatusPending || j.Attempts != 0 || j.MaxAttempts != 3 {
		t.Fatalf("new job = %+v", j)
	}
	if j.Payload == nil {
		t.Fatal("payload should default to empty object")
	}
	if !j.Claimable(time.Now().Add(time.Second)) {
		t.Fatal("fresh job should be claimable")
	}

	j.ScheduledAt = time.Now().Add(time.Hour)
	if j.Claimable(time.Now()) {
		t.Fatal("future job must not be claimable")
	}
}
