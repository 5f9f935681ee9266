package coordinator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reefworks/reefworks/internal/common"
	"github.com/reefworks/reefworks/internal/common/database"
	"github.com/reefworks/reefworks/internal/coordinator/cache"
	"github.com/reefworks/reefworks/internal/coordinator/configuration"
	"github.com/reefworks/reefworks/internal/coordinator/repository"
	"github.com/reefworks/reefworks/internal/storage"
)

// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.CoordinatorConfiguration) error {
	logger := log.WithField("Coordinator", "CheckConfig")
	if config.Lease.Duration <= 0 {
		return errors.New("lease.duration must be positive")
	}
	if config.Lease.SweepInterval <= 0 {
		return errors.New("lease.sweepInterval must be positive")
	}
	if config.Lease.MaxAttempts <= 0 {
		return errors.New("lease.maxAttempts must be positive")
	}
	if config.PollLimit <= 0 {
		defaultLimit := 10
		logger.WithFields(log.Fields{
			"default":    defaultLimit,
			"configured": config.PollLimit,
		}).Warn("pollLimit invalid, using default instead")
		config.PollLimit = defaultLimit
	}
	return nil
}

// StartUp runs the coordinator until ctx is cancelled.
func StartUp(ctx context.Context, config *configuration.CoordinatorConfiguration) error {
	if err := CheckConfig(config); err != nil {
		return err
	}
	logger := log.WithField("Coordinator", "StartUp")

	repo, closeRepo, err := openRepository(ctx, config)
	if err != nil {
		return err
	}
	defer closeRepo()
	if err := repo.Setup(ctx); err != nil {
		return err
	}

	store, err := openObjectStore(config)
	if err != nil {
		return err
	}

	var statusCache *cache.StatusCache
	if config.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     config.Redis.Addr,
			Password: config.Redis.Password,
			DB:       config.Redis.Db,
		})
		defer client.Close()
		statusCache = cache.New(client, config.Redis.Ttl)
		logger.WithField("addr", config.Redis.Addr).Info("job status cache enabled")
	}

	server := NewServer(config, repo, store, statusCache)
	shutdownHttp := common.ServeHttp(config.HttpPort, server.Handler())
	defer shutdownHttp()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewSweeper(repo, statusCache, config.Lease).Run(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})

	logger.WithField("port", config.HttpPort).Info("coordinator started")
	return g.Wait()
}

func openRepository(ctx context.Context, config *configuration.CoordinatorConfiguration) (repository.JobRepository, func(), error) {
	switch config.DatabaseType {
	case configuration.DatabasePostgres:
		pool, err := database.OpenPgxPool(ctx, config.Postgres)
		if err != nil {
			return nil, nil, err
		}
		return repository.NewPostgresJobRepository(pool), pool.Close, nil
	case configuration.DatabaseSqlite:
		repo, err := repository.NewSQLiteJobRepository(config.Sqlite.Path)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { _ = repo.Close() }, nil
	default:
		return nil, nil, errors.Errorf("unknown database type %q", config.DatabaseType)
	}
}

func openObjectStore(config *configuration.CoordinatorConfiguration) (storage.ObjectStore, error) {
	if config.Storage.Endpoint == "" {
		// Local development without an object store still needs storage
		// locations allocated for assignments.
		log.Warn("no object store configured, artifacts are held in memory")
		return storage.NewInMemoryStore(config.Storage.Bucket), nil
	}
	return storage.NewMinioStore(config.Storage)
}
