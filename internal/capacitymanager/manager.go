package capacitymanager

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/reefworks/reefworks/internal/capacitymanager/configuration"
	"github.com/reefworks/reefworks/internal/coordinator/repository"
	"github.com/reefworks/reefworks/internal/jobs"
)

// QueueReader provides the queue depths the control loop scales on.
type QueueReader interface {
	QueueSnapshot(ctx context.Context) (map[jobs.JobType]repository.PoolCounts, error)
}

// Manager reconciles worker pool capacity against observed backlog. Each tick
// it samples queue depth, computes the desired capacity per pool and issues a
// scale command when the desired value differs from the current one and the
// relevant cooldown has elapsed. If the queue depth cannot be read the whole
// tick is a no-op; capacity is never changed on missing data.
type Manager struct {
	pollInterval time.Duration
	pools        map[string]configuration.PoolConfiguration
	reader       QueueReader
	scaler       ClusterScaler
	clock        clock.Clock
	lastScaleOut map[string]time.Time
	lastScaleIn  map[string]time.Time
}

func NewManager(
	pollInterval time.Duration,
	pools map[string]configuration.PoolConfiguration,
	reader QueueReader,
	scaler ClusterScaler,
) *Manager {
	return &Manager{
		pollInterval: pollInterval,
		pools:        pools,
		reader:       reader,
		scaler:       scaler,
		clock:        clock.RealClock{},
		lastScaleOut: map[string]time.Time{},
		lastScaleIn:  map[string]time.Time{},
	}
}

func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Reconcile(ctx)
		}
	}
}

// Reconcile performs a single control loop tick.
func (m *Manager) Reconcile(ctx context.Context) {
	snapshot, err := m.reader.QueueSnapshot(ctx)
	if err != nil {
		log.WithError(err).Warn("could not read queue depth, leaving capacity untouched")
		return
	}
	for name, pool := range m.pools {
		m.reconcilePool(ctx, name, pool, snapshot)
	}
}

func (m *Manager) reconcilePool(
	ctx context.Context,
	name string,
	pool configuration.PoolConfiguration,
	snapshot map[jobs.JobType]repository.PoolCounts,
) {
	backlog := Backlog{}
	for _, jobType := range pool.JobTypes {
		counts := snapshot[jobType]
		backlog.Pending += counts.Pending
		backlog.InFlight += counts.InFlight
	}
	poolBacklog.WithLabelValues(name).Set(float64(backlog.Pending) + pool.InFlightWeight*float64(backlog.InFlight))

	desired := DesiredCapacity(pool, backlog)
	poolDesiredCapacity.WithLabelValues(name).Set(float64(desired))

	current, err := m.scaler.CurrentCapacity(ctx, pool.Namespace, pool.Deployment)
	if err != nil {
		log.WithError(err).WithField("pool", name).Warn("could not read pool capacity")
		scaleSkips.WithLabelValues(name, "capacity_unreadable").Inc()
		return
	}
	poolCurrentCapacity.WithLabelValues(name).Set(float64(current))

	if desired == current {
		return
	}

	direction := "out"
	cooldown := pool.ScaleOutCooldown
	last := m.lastScaleOut[name]
	if desired < current {
		direction = "in"
		cooldown = pool.ScaleInCooldown
		last = m.lastScaleIn[name]
	}
	if !last.IsZero() && m.clock.Since(last) < cooldown {
		log.WithFields(log.Fields{"pool": name, "direction": direction, "desired": desired, "current": current}).
			Debug("capacity change withheld by cooldown")
		scaleSkips.WithLabelValues(name, "cooldown").Inc()
		return
	}

	if err := m.scaler.ScaleTo(ctx, pool.Namespace, pool.Deployment, desired); err != nil {
		log.WithError(err).WithFields(log.Fields{"pool": name, "desired": desired}).Warn("scale command failed")
		return
	}
	log.WithFields(log.Fields{"pool": name, "direction": direction, "from": current, "to": desired}).
		Info("scaled worker pool")
	scaleOperations.WithLabelValues(name, direction).Inc()
	if direction == "out" {
		m.lastScaleOut[name] = m.clock.Now()
	} else {
		m.lastScaleIn[name] = m.clock.Now()
	}
}
