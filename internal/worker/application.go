package worker

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/internal/storage"
	"github.com/reefworks/reefworks/internal/worker/configuration"
	"github.com/reefworks/reefworks/pkg/client"
)

// Returns a non-nil error if mis-configuration is unrecoverable.
func CheckConfig(config *configuration.WorkerConfiguration) error {
	if config.CoordinatorUrl == "" {
		return errors.New("coordinatorUrl is required")
	}
	if len(config.Executors) == 0 {
		return errors.New("at least one executor must be configured")
	}
	for name := range config.Executors {
		if !jobs.JobType(name).IsValid() {
			return errors.Errorf("executor configured for unknown job type %q", name)
		}
	}
	if config.PollLimit <= 0 {
		config.PollLimit = 10
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 5 * time.Second
	}
	return nil
}

// StartUp runs the worker agent until ctx is cancelled.
func StartUp(ctx context.Context, config *configuration.WorkerConfiguration) error {
	if err := CheckConfig(config); err != nil {
		return err
	}

	var store storage.ObjectStore
	if config.Storage.Endpoint == "" {
		log.Warn("no object store configured, artifacts are held in memory")
		store = storage.NewInMemoryStore(config.Storage.Bucket)
	} else {
		minioStore, err := storage.NewMinioStore(config.Storage)
		if err != nil {
			return err
		}
		store = minioStore
	}

	executors := make(map[jobs.JobType]Executor, len(config.Executors))
	for name, executorConfig := range config.Executors {
		executors[jobs.JobType(name)] = &ProcessExecutor{
			Command: executorConfig.Command,
			Args:    executorConfig.Args,
		}
	}

	agent := NewAgent(
		client.New(config.CoordinatorUrl),
		store,
		executors,
		config.PollInterval,
		config.PollLimit,
		config.WorkDir,
	)
	return agent.Run(ctx)
}
