package capacitymanager

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsPrefix = "reefworks_capacitymanager_"

var poolBacklog = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "pool_backlog",
		Help: "Weighted backlog observed for a worker pool.",
	},
	[]string{"pool"},
)

var poolDesiredCapacity = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "pool_desired_capacity",
		Help: "Capacity the control loop wants for a worker pool.",
	},
	[]string{"pool"},
)

var poolCurrentCapacity = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: metricsPrefix + "pool_current_capacity",
		Help: "Capacity last observed for a worker pool.",
	},
	[]string{"pool"},
)

var scaleOperations = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "scale_operations_total",
		Help: "Scale commands issued, labelled by direction.",
	},
	[]string{"pool", "direction"},
)

var scaleSkips = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: metricsPrefix + "scale_skips_total",
		Help: "Capacity changes withheld, labelled by reason.",
	},
	[]string{"pool", "reason"},
)
