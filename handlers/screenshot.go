package handlers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/teacurran/village-dispatch/capture"
	"github.com/teacurran/village-dispatch/governor"
	"github.com/teacurran/village-dispatch/id"
	"github.com/teacurran/village-dispatch/job"
	"github.com/teacurran/village-dispatch/queue"
)

// ScreenshotJobType is the job type of site screenshot capture.
const ScreenshotJobType = "screenshot.capture"

// ScreenshotPayload is the payload of a screenshot.capture job.
type ScreenshotPayload struct {
	SiteID string `json:"site_id"`
	URL    string `json:"url"`
}

// ScreenshotSink stores a captured image.
type ScreenshotSink interface {
	SaveScreenshot(ctx context.Context, siteID, pageURL string, image []byte) error
}

// Permits hands out capture permits. *governor.Governor satisfies it.
type Permits interface {
	Acquire(ctx context.Context, timeout time.Duration) (*governor.Permit, error)
}

// ScreenshotOption configures a Screenshot handler.
type ScreenshotOption func(*Screenshot)

// WithScreenshotLogger sets the logger.
func WithScreenshotLogger(l *slog.Logger) ScreenshotOption {
	return func(h *Screenshot) { h.logger = l }
}

// WithAcquireTimeout bounds the wait for a permit.
func WithAcquireTimeout(d time.Duration) ScreenshotOption {
	return func(h *Screenshot) { h.acquireTimeout = d }
}

// WithCaptureTimeout bounds one capture process.
func WithCaptureTimeout(d time.Duration) ScreenshotOption {
	return func(h *Screenshot) { h.captureTimeout = d }
}

// Screenshot captures site screenshots through the concurrency governor.
type Screenshot struct {
	permits        Permits
	capturer       capture.Capturer
	sink           ScreenshotSink
	logger         *slog.Logger
	acquireTimeout time.Duration
	captureTimeout time.Duration
}

// NewScreenshot creates the screenshot.capture handler.
func NewScreenshot(permits Permits, capturer capture.Capturer, sink ScreenshotSink, opts ...ScreenshotOption) *Screenshot {
	h := &Screenshot{
		permits:        permits,
		capturer:       capturer,
		sink:           sink,
		logger:         slog.Default(),
		acquireTimeout: 2 * time.Minute,
		captureTimeout: 45 * time.Second,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Definition returns the job definition for registration. The attempt
// timeout covers the permit wait plus the capture.
func (h *Screenshot) Definition(opts ...job.Option) *job.Definition[ScreenshotPayload] {
	opts = append([]job.Option{
		job.WithQueue(queue.Screenshot),
		job.WithTimeout(h.acquireTimeout + h.captureTimeout + 15*time.Second),
	}, opts...)
	return job.NewDefinition(ScreenshotJobType, h.Handle, opts...)
}

// Handle captures one page. The permit is released on every exit path.
func (h *Screenshot) Handle(ctx context.Context, jobID id.JobID, p ScreenshotPayload) (job.Result, error) {
	if p.SiteID == "" {
		return job.Result{}, job.Fatal(fmt.Errorf("screenshot payload has no site_id"))
	}
	if err := capture.ValidateURL(p.URL); err != nil {
		return job.Result{}, job.Fatal(err)
	}

	permit, err := h.permits.Acquire(ctx, h.acquireTimeout)
	if err != nil {
		return job.Result{}, err
	}
	defer permit.Release()

	captureCtx, cancel := context.WithTimeout(ctx, h.captureTimeout)
	defer cancel()

	start := time.Now()
	img, err := h.capturer.Capture(captureCtx, p.URL)
	if err != nil {
		return job.Result{}, fmt.Errorf("capture %s: %w", p.URL, err)
	}
	if err := h.sink.SaveScreenshot(ctx, p.SiteID, p.URL, img); err != nil {
		return job.Result{}, fmt.Errorf("save screenshot for site %s: %w", p.SiteID, err)
	}

	h.logger.Info("screenshot captured",
		slog.String("job_id", jobID.String()),
		slog.String("site_id", p.SiteID),
		slog.Duration("permit_wait", permit.Wait()),
		slog.Duration("capture", time.Since(start)),
		slog.Int("bytes", len(img)),
	)
	return job.OK(), nil
}
