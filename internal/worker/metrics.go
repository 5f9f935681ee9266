package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "reefworks_worker_executions_total",
	Help: "Job executions by outcome.",
}, []string{"outcome"})
