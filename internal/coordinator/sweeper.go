package coordinator

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/common/logging"
	"github.com/reefworks/reefworks/internal/coordinator/cache"
	"github.com/reefworks/reefworks/internal/coordinator/configuration"
	"github.com/reefworks/reefworks/internal/coordinator/repository"
)

// Sweeper is the system's sole self-healing mechanism against dead workers:
// it periodically requeues IN_PROGRESS jobs whose leases lapsed without a
// result, or times them out once their retry budget is spent.
type Sweeper struct {
	repo   repository.JobRepository
	cache  *cache.StatusCache
	config configuration.LeaseConfiguration
}

func NewSweeper(repo repository.JobRepository, statusCache *cache.StatusCache, config configuration.LeaseConfiguration) *Sweeper {
	return &Sweeper{repo: repo, cache: statusCache, config: config}
}

func (s *Sweeper) Run(ctx context.Context) error {
	logger := log.WithField("service", "Sweeper")
	logger.WithField("interval", s.config.SweepInterval).Info("staleness sweep started")
	ticker := time.NewTicker(s.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("staleness sweep stopped")
			return nil
		case <-ticker.C:
			s.sweep(ctx, logger)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context, logger *log.Entry) {
	requeued, timedOut, err := s.repo.ReclaimExpired(ctx, s.config.MaxAttempts)
	if err != nil {
		logging.WithStacktrace(logger, err).Warn("staleness sweep failed; will retry next tick")
		return
	}
	for _, jobId := range requeued {
		jobsReclaimed.WithLabelValues("requeued").Inc()
		s.cache.Invalidate(ctx, jobId)
		logger.WithField("jobId", jobId).Info("lease expired, job requeued")
	}
	for _, jobId := range timedOut {
		jobsReclaimed.WithLabelValues("timed_out").Inc()
		s.cache.Invalidate(ctx, jobId)
		logger.WithField("jobId", jobId).Warn("retry budget exhausted, job timed out")
	}
}
