package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/teacurran/village-dispatch/admission"
	"github.com/teacurran/village-dispatch/budget"
	"github.com/teacurran/village-dispatch/ext"
	"github.com/teacurran/village-dispatch/job"
)

// Compile-time interface checks.
var (
	_ ext.Extension    = (*MetricsExtension)(nil)
	_ ext.JobEnqueued  = (*MetricsExtension)(nil)
	_ ext.JobCompleted = (*MetricsExtension)(nil)
	_ ext.JobRetrying  = (*MetricsExtension)(nil)
	_ ext.JobDeferred  = (*MetricsExtension)(nil)
	_ ext.JobDead      = (*MetricsExtension)(nil)
	_ ext.JobRecovered = (*MetricsExtension)(nil)
	_ ext.BandChanged  = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters in Prometheus.
// Register it as a Dispatch extension to track enqueue rates, outcomes,
// retries, deferrals, dead jobs and budget band changes.
type MetricsExtension struct {
	JobEnqueued  *prometheus.CounterVec
	JobCompleted *prometheus.CounterVec
	JobRetried   *prometheus.CounterVec
	JobDeferred  *prometheus.CounterVec
	JobDead      *prometheus.CounterVec
	JobRecovered *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	BandChanges  *prometheus.CounterVec
}

// NewMetricsExtension registers the collectors with the default
// Prometheus registerer.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithRegisterer(prometheus.DefaultRegisterer)
}

// NewMetricsExtensionWithRegisterer registers the collectors with reg.
// Tests pass a fresh prometheus.NewRegistry().
func NewMetricsExtensionWithRegisterer(reg prometheus.Registerer) *MetricsExtension {
	f := promauto.With(reg)
	jobLabels := []string{"type", "queue"}
	return &MetricsExtension{
		JobEnqueued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_enqueued_total",
			Help: "Jobs persisted as pending",
		}, jobLabels),
		JobCompleted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_completed_total",
			Help: "Jobs completed, by result code",
		}, []string{"type", "queue", "result_code"}),
		JobRetried: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_retried_total",
			Help: "Failed attempts rescheduled by the retry policy",
		}, jobLabels),
		JobDeferred: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_deferred_total",
			Help: "Jobs postponed by their handler without failing",
		}, jobLabels),
		JobDead: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_dead_total",
			Help: "Jobs that became DEAD",
		}, jobLabels),
		JobRecovered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_jobs_recovered_total",
			Help: "Stuck jobs requeued after their worker was lost",
		}, jobLabels),
		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dispatch_job_duration_seconds",
			Help:    "Duration of successful job executions",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
		}, jobLabels),
		BandChanges: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_budget_band_changes_total",
			Help: "AI budget admission band transitions",
		}, []string{"from", "to"}),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// ── Job lifecycle hooks ─────────────────────────────

// OnJobEnqueued implements ext.JobEnqueued.
func (m *MetricsExtension) OnJobEnqueued(_ context.Context, j *job.Job) error {
	m.JobEnqueued.WithLabelValues(j.Type, j.Queue.String()).Inc()
	return nil
}

// OnJobCompleted implements ext.JobCompleted.
func (m *MetricsExtension) OnJobCompleted(_ context.Context, j *job.Job, elapsed time.Duration) error {
	code := j.ResultCode
	if code == "" {
		code = job.ResultOK
	}
	m.JobCompleted.WithLabelValues(j.Type, j.Queue.String(), string(code)).Inc()
	m.JobDuration.WithLabelValues(j.Type, j.Queue.String()).Observe(elapsed.Seconds())
	return nil
}

// OnJobRetrying implements ext.JobRetrying.
func (m *MetricsExtension) OnJobRetrying(_ context.Context, j *job.Job, _ error, _ time.Time) error {
	m.JobRetried.WithLabelValues(j.Type, j.Queue.String()).Inc()
	return nil
}

// OnJobDeferred implements ext.JobDeferred.
func (m *MetricsExtension) OnJobDeferred(_ context.Context, j *job.Job, _ time.Time) error {
	m.JobDeferred.WithLabelValues(j.Type, j.Queue.String()).Inc()
	return nil
}

// OnJobDead implements ext.JobDead.
func (m *MetricsExtension) OnJobDead(_ context.Context, j *job.Job, _ error) error {
	m.JobDead.WithLabelValues(j.Type, j.Queue.String()).Inc()
	return nil
}

// OnJobRecovered implements ext.JobRecovered.
func (m *MetricsExtension) OnJobRecovered(_ context.Context, j *job.Job) error {
	m.JobRecovered.WithLabelValues(j.Type, j.Queue.String()).Inc()
	return nil
}

// ── Budget hooks ────────────────────────────────────

// OnBandChanged implements ext.BandChanged.
func (m *MetricsExtension) OnBandChanged(_ context.Context, from, to admission.Band, _ budget.State) error {
	m.BandChanges.WithLabelValues(string(from), string(to)).Inc()
	return nil
}
