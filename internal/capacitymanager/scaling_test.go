package capacitymanager

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
)

func testPool() configuration.PoolConfiguration {
	return configuration.PoolConfiguration{
		MinCapacity:        1,
		MaxCapacity:        20,
		ScalingFactor:      4,
		ScalingSensitivity: 1,
		InFlightWeight:     0.5,
	}
}

func TestDesiredCapacityRoundsUp(t *testing.T) {
	pool := testPool()
	assert.Equal(t, int32(1), DesiredCapacity(pool, Backlog{Pending: 4}))
	assert.Equal(t, int32(2), DesiredCapacity(pool, Backlog{Pending: 5}))
	assert.Equal(t, int32(3), DesiredCapacity(pool, Backlog{Pending: 8, InFlight: 2}))
}

func TestDesiredCapacityClampsToBounds(t *testing.T) {
	pool := testPool()
	assert.Equal(t, pool.MinCapacity, DesiredCapacity(pool, Backlog{}))
	assert.Equal(t, pool.MaxCapacity, DesiredCapacity(pool, Backlog{Pending: 10000}))
}

func TestDesiredCapacityIsMonotone(t *testing.T) {
	pool := testPool()
	prev := int32(0)
	for pending := 0; pending <= 200; pending++ {
		desired := DesiredCapacity(pool, Backlog{Pending: pending})
		assert.GreaterOrEqual(t, desired, prev, "pending=%d", pending)
		prev = desired
	}
	// And monotone in in-flight work too.
	prev = 0
	for inFlight := 0; inFlight <= 200; inFlight++ {
		desired := DesiredCapacity(pool, Backlog{Pending: 10, InFlight: inFlight})
		assert.GreaterOrEqual(t, desired, prev, "inFlight=%d", inFlight)
		prev = desired
	}
}

func TestDesiredCapacitySensitivityDampens(t *testing.T) {
	pool := testPool()
	pool.MinCapacity = 0
	pool.ScalingSensitivity = 0.5
	assert.Equal(t, int32(1), DesiredCapacity(pool, Backlog{Pending: 8}))

	pool.ScalingSensitivity = 2
	assert.Equal(t, int32(4), DesiredCapacity(pool, Backlog{Pending: 8}))
}

func TestDesiredCapacityGuardsBadConfig(t *testing.T) {
	pool := testPool()
	pool.ScalingFactor = 0
	pool.ScalingSensitivity = 0
	assert.Equal(t, int32(10), DesiredCapacity(pool, Backlog{Pending: 10}))
}
