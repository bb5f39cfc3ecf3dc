package cron

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "dispatch_cron_runs_total",
	Help: "Scheduled entry runs by name and outcome.",
}, []string{"name", "outcome"})
