package budget

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// consumedGauge is the spend of a month, refreshed on every read.
	consumedGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "budget_consumed_cents",
		Help: "AI spend of the month in cents",
	}, []string{"month"})

	percentGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "budget_percent",
		Help: "AI spend as a percentage of the monthly budget",
	}, []string{"month"})

	spendTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "budget_spend_cents_total",
		Help: "Total AI spend recorded by this process, by provider",
	}, []string{"provider"})
)
