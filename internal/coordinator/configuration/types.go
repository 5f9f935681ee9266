package configuration

import (
	"time"

	"github.com/reefworks/reefworks/internal/common/database"
	"github.com/reefworks/reefworks/internal/storage"
)

type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgres"
	DatabaseSqlite   DatabaseType = "sqlite"
)

type CoordinatorConfiguration struct {
	HttpPort    uint16
	MetricsPort uint16

	DatabaseType DatabaseType
	Postgres     database.PostgresConfig
	Sqlite       SqliteConfiguration

	Redis   RedisConfiguration
	Storage storage.Config
	Lease   LeaseConfiguration

	// PollLimit bounds the number of candidates returned per poll.
	PollLimit int
}

type SqliteConfiguration struct {
	Path string
}

type RedisConfiguration struct {
	Enabled  bool
	Addr     string
	Password string
	Db       int
	Ttl      time.Duration
}

type LeaseConfiguration struct {
	// Duration of a freshly created or renewed lease.
	Duration time.Duration
	// MaxAttempts is the number of leases a job may burn before the sweep
	// gives up and marks it TIMED_OUT.
	MaxAttempts int
	// SweepInterval between staleness reclamation passes.
	SweepInterval time.Duration
}
