package configuration

import (
	"time"

	"github.com/reefworks/reefworks/internal/common/database"
	"github.com/reefworks/reefworks/internal/jobs"
)

type CapacityManagerConfiguration struct {
	// Port used to expose prometheus metrics
	MetricsPort uint16
	// How often the control loop samples queue depth and reconciles capacity
	PollInterval time.Duration
	// One of "postgres" or "sqlite"
	DatabaseType string
	Postgres     database.PostgresConfig
	Sqlite       SqliteConfiguration
	Kubernetes   KubernetesConfiguration
	// Worker pools under management, keyed by pool name
	Pools map[string]PoolConfiguration
}

type SqliteConfiguration struct {
	Path string
}

type KubernetesConfiguration struct {
	InClusterDeployment bool
	// Path to a kubeconfig file, used when not running in cluster.
	// When empty the default loading rules apply.
	ConfigLocation string
}

type PoolConfiguration struct {
	// Job types drained by workers in this pool
	JobTypes []jobs.JobType
	// Deployment backing the pool
	Namespace  string
	Deployment string
	// Capacity bounds, inclusive
	MinCapacity int32
	MaxCapacity int32
	// Jobs a single worker is expected to absorb
	ScalingFactor float64
	// Damping multiplier applied to the raw capacity estimate
	ScalingSensitivity float64
	// Weight given to in-flight jobs when computing backlog
	InFlightWeight float64
	// Minimum time between consecutive capacity changes in each direction
	ScaleOutCooldown time.Duration
	ScaleInCooldown  time.Duration
}
