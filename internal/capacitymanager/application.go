package capacitymanager

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
	"github.com/reefworks/reefworks/internal/common/database"
	"github.com/reefworks/reefworks/internal/coordinator/repository"
)

// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.CapacityManagerConfiguration) error {
	logger := log.WithField("CapacityManager", "CheckConfig")
	if len(config.Pools) == 0 {
		return errors.New("at least one pool must be configured")
	}
	if config.PollInterval <= 0 {
		defaultInterval := 30 * time.Second
		logger.WithField("default", defaultInterval).Warn("pollInterval invalid, using default instead")
		config.PollInterval = defaultInterval
	}
	for name, pool := range config.Pools {
		if len(pool.JobTypes) == 0 {
			return errors.Errorf("pool %s has no job types", name)
		}
		if pool.Deployment == "" || pool.Namespace == "" {
			return errors.Errorf("pool %s must name a namespace and deployment", name)
		}
		if pool.MinCapacity < 0 || pool.MaxCapacity < pool.MinCapacity {
			return errors.Errorf("pool %s has invalid capacity bounds [%d, %d]", name, pool.MinCapacity, pool.MaxCapacity)
		}
		if pool.ScalingFactor <= 0 {
			return errors.Errorf("pool %s scalingFactor must be positive", name)
		}
	}
	return nil
}

// StartUp runs the capacity manager until ctx is cancelled.
func StartUp(ctx context.Context, config *configuration.CapacityManagerConfiguration) error {
	if err := CheckConfig(config); err != nil {
		return err
	}
	logger := log.WithField("CapacityManager", "StartUp")

	reader, closeReader, err := openQueueReader(ctx, config)
	if err != nil {
		return err
	}
	defer closeReader()

	scaler, err := NewDeploymentScaler(config.Kubernetes)
	if err != nil {
		return err
	}

	manager := NewManager(config.PollInterval, config.Pools, reader, scaler)
	logger.WithFields(log.Fields{
		"pools":        len(config.Pools),
		"pollInterval": config.PollInterval,
	}).Info("capacity manager started")
	return manager.Run(ctx)
}

func openQueueReader(ctx context.Context, config *configuration.CapacityManagerConfiguration) (QueueReader, func(), error) {
	switch config.DatabaseType {
	case "postgres":
		pool, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresJobRepository(pool), pool.Close, nil
	case "sqlite":
		repo, err := repository.NewSQLiteJobRepository(config.Sqlite.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown database type %q", config.DatabaseType)
	}
}
