package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// TagJobType is the job type of AI content tagging.
const TagJobType = "ai.tag"

// TagSource records where a set of tags came from.
type TagSource string

const (
	SourceAI TagSource = "ai"
	// SourceCache marks tags served from the fingerprint cache.
	SourceCache TagSource = "cache"
	// SourceFallback is the visible "untagged" marker: tags were derived by
	// keyword extraction because the AI budget was exhausted.
	SourceFallback TagSource = "untagged_fallback"
)

// TagItem is one piece of content to tag.
type TagItem struct {
	ContentID string `json:"content_id"`
	Content   string `json:"content"`
}

// TagPayload is the payload of an ai.tag job. A job carries either one
// item inline or a list in Items.
type TagPayload struct {
	ContentID string    `json:"content_id"`
	Content   string    `json:"content"`
	Provider  string    `json:"provider"`
	Items     []TagItem `json:"items"`
}

func (p TagPayload) items() []TagItem {
	if len(p.Items) > 0 {
		return p.Items
	}
	if p.ContentID == "" {
		return nil
	}
	return []TagItem{{ContentID: p.ContentID, Content: p.Content}}
}

// TagResponse is what a Tagger returns for one call.
type TagResponse struct {
	// Tags is keyed by content id.
	Tags         map[string][]string
	InputTokens  int64
	OutputTokens int64
}

// Tagger calls an AI provider for a batch of items.
type Tagger interface {
	Tag(ctx context.Context, provider string, items []TagItem) (TagResponse, error)
}

// ContentSink stores the tags of one content item.
type ContentSink interface {
	SaveTags(ctx context.Context, contentID string, tags []string, source TagSource) error
}

// Decider is the admission check. *admission.Controller satisfies it.
type Decider interface {
	Decide(ctx context.Context, now time.Time) (admission.Decision, error)
}

// UsageRecorder charges a provider call to the ledger.
// *budget.Ledger satisfies it.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, month budget.Month, provider string, requests, inputTokens, outputTokens int64) (int64, error)
}

// TaggingOption configures a Tagging handler.
type TaggingOption func(*Tagging)

// WithTaggingLogger sets the logger.
func WithTaggingLogger(l *slog.Logger) TaggingOption {
	return func(h *Tagging) { h.logger = l }
}

// WithTaggingClock replaces time.Now.
func WithTaggingClock(now func() time.Time) TaggingOption {
	return func(h *Tagging) { h.now = now }
}

// WithDefaultProvider sets the provider used when a payload names none.
func WithDefaultProvider(p string) TaggingOption {
	return func(h *Tagging) { h.provider = p }
}

// WithFallbackTags sets how many keywords the fallback extracts.
func WithFallbackTags(n int) TaggingOption {
	return func(h *Tagging) { h.fallbackTags = n }
}

// Tagging tags content through an AI provider under budget admission.
type Tagging struct {
	tagger       Tagger
	sink         ContentSink
	decider      Decider
	usage        UsageRecorder
	cache        admission.FingerprintCache
	logger       *slog.Logger
	now          func() time.Time
	provider     string
	fallbackTags int
}

// NewTagging creates the ai.tag handler. cache may be nil.
func NewTagging(tagger Tagger, sink ContentSink, decider Decider, usage UsageRecorder, cache admission.FingerprintCache, opts ...TaggingOption) *Tagging {
	h := &Tagging{
		tagger:       tagger,
		sink:         sink,
		decider:      decider,
		usage:        usage,
		cache:        cache,
		logger:       slog.Default(),
		now:          time.Now,
		provider:     budget.DefaultProvider,
		fallbackTags: 5,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Definition returns the job definition for registration.
func (h *Tagging) Definition(opts ...job.Option) *job.Definition[TagPayload] {
	opts = append([]job.Option{job.WithQueue(queue.Default), job.WithTimeout(2 * time.Minute)}, opts...)
	return job.NewDefinition(TagJobType, h.Handle, opts...)
}

// Handle processes one ai.tag attempt. Admission is decided afresh before
// every provider call, so a job with many items can cross a band edge
// midway. Items finished before a QUEUE deferral are cached and cost
// nothing when the job runs again.
func (h *Tagging) Handle(ctx context.Context, jobID id.JobID, p TagPayload) (job.Result, error) {
	items := p.items()
	if len(items) == 0 {
		return job.Result{}, job.Fatal(errors.New("ai.tag payload has no content"))
	}
	provider := p.Provider
	if provider == "" {
		provider = h.provider
	}

	var (
		pending  []TagItem
		cached   int
		reduced  bool
		rejected bool
	)
	for _, it := range items {
		hit, err := h.fromCache(ctx, it)
		if err != nil {
			return job.Result{}, err
		}
		if hit {
			cached++
			continue
		}
		pending = append(pending, it)
	}

	for len(pending) > 0 {
		d, err := h.decider.Decide(ctx, h.now())
		if err != nil {
			return job.Result{}, err
		}

		switch d.Band {
		case admission.Queue:
			h.logger.Info("ai tagging deferred to next month",
				slog.String("job_id", jobID.String()),
				slog.Int("remaining", len(pending)),
				slog.Time("defer_until", d.DeferUntil),
			)
			return job.Deferred(d.DeferUntil, job.ResultBudgetDeferred), nil

		case admission.HardStop:
			for _, it := range pending {
				tags := Keywords(it.Content, h.fallbackTags)
				if err := h.sink.SaveTags(ctx, it.ContentID, tags, SourceFallback); err != nil {
					return job.Result{}, fmt.Errorf("save fallback tags for %s: %w", it.ContentID, err)
				}
			}
			h.logger.Warn("ai budget exhausted, content tagged by fallback",
				slog.String("job_id", jobID.String()),
				slog.Int("items", len(pending)),
			)
			pending = nil
			rejected = true
			continue

		case admission.Reduce:
			reduced = true
		}

		n := min(max(d.BatchSize, 1), len(pending))
		batch := pending[:n]
		if err := h.tagBatch(ctx, provider, batch); err != nil {
			return job.Result{}, err
		}
		pending = pending[n:]
	}

	switch {
	case rejected:
		return job.Done(job.ResultBudgetRejected), nil
	case cached == len(items):
		return job.Done(job.ResultCacheHit), nil
	case reduced:
		return job.Done(job.ResultReduced), nil
	default:
		return job.OK(), nil
	}
}

func (h *Tagging) tagBatch(ctx context.Context, provider string, batch []TagItem) error {
	resp, err := h.tagger.Tag(ctx, provider, batch)
	if err != nil {
		return fmt.Errorf("tag %d items with %s: %w", len(batch), provider, err)
	}
	if _, err := h.usage.RecordUsage(ctx, budget.MonthOf(h.now()), provider, 1, resp.InputTokens, resp.OutputTokens); err != nil {
		return err
	}

	for _, it := range batch {
		tags := resp.Tags[it.ContentID]
		if err := h.sink.SaveTags(ctx, it.ContentID, tags, SourceAI); err != nil {
			return fmt.Errorf("save tags for %s: %w", it.ContentID, err)
		}
		if h.cache == nil {
			continue
		}
		raw, err := json.Marshal(tags)
		if err != nil {
			return err
		}
		if err := h.cache.Set(ctx, fingerprint(it.Content), raw); err != nil {
			h.logger.Warn("fingerprint cache set failed",
				slog.String("content_id", it.ContentID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

func (h *Tagging) fromCache(ctx context.Context, it TagItem) (bool, error) {
	if h.cache == nil {
		return false, nil
	}
	raw, ok, err := h.cache.Get(ctx, fingerprint(it.Content))
	if err != nil {
		h.logger.Warn("fingerprint cache get failed",
			slog.String("content_id", it.ContentID),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	if !ok {
		return false, nil
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return false, nil
	}
	if err := h.sink.SaveTags(ctx, it.ContentID, tags, SourceCache); err != nil {
		return false, fmt.Errorf("save cached tags for %s: %w", it.ContentID, err)
	}
	return true, nil
}

func fingerprint(content string) string {
	return admission.Fingerprint(TagJobType, content)
}
