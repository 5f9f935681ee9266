package capacitymanager

import (
	"math"

	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
)

// Backlog is the demand observed for a single worker pool.
type Backlog struct {
	Pending  int
	InFlight int
}

// DesiredCapacity maps a pool's backlog to a worker count. The function is
// monotone non-decreasing in both pending and in-flight counts and is clamped
// to the pool's configured bounds, so capacity never collapses to zero while
// work remains and never exceeds what the pool is allowed to hold.
func DesiredCapacity(pool configuration.PoolConfiguration, backlog Backlog) int32 {
	factor := pool.ScalingFactor
	if factor <= 0 {
		factor = 1
	}
	sensitivity := pool.ScalingSensitivity
	if sensitivity <= 0 {
		sensitivity = 1
	}

	demand := float64(backlog.Pending) + pool.InFlightWeight*float64(backlog.InFlight)
	desired := int32(math.Ceil(demand / factor * sensitivity))

	if desired < pool.MinCapacity {
		return pool.MinCapacity
	}
	if desired > pool.MaxCapacity {
		return pool.MaxCapacity
	}
	return desired
}
