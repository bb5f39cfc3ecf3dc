package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// bandGauge is 1 for the band last observed by this process.
	bandGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "admission_band",
		Help: "Current AI budget band (1 = active)",
	}, []string{"band"})

	decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "admission_decisions_total",
		Help: "Admission decisions by band",
	}, []string{"band"})
)
