package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "reefworks_coordinator_"

var (
	jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_submitted_total",
		Help: "Jobs accepted for execution, by type.",
	}, []string{"jobType"})

	dedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "dedup_hits_total",
		Help: "Submissions resolved to an existing active job by dedup hash.",
	})

	assignConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "assign_conflicts_total",
		Help: "Assignment attempts that lost the claim race.",
	})

	resultsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: metricsPrefix + "results_discarded_total",
		Help: "Results submitted against superseded leases and discarded.",
	})

	jobsReclaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: metricsPrefix + "jobs_reclaimed_total",
		Help: "Jobs reclaimed by the staleness sweep, by outcome.",
	}, []string{"outcome"})
)
