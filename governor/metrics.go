package governor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	waitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "governor_wait_seconds",
		Help:    "Time spent waiting for a capture permit",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
	})

	inFlightGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "governor_in_flight",
		Help: "Permits currently held",
	})

	waitingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "governor_waiting",
		Help: "Callers waiting for a permit",
	})

	acquireTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "governor_acquire_timeouts_total",
		Help: "Permit acquisitions that gave up",
	})
)
