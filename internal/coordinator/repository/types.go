package repository

import (
	"context"
	"time"

	"github.com/reefworks/reefworks/internal/jobs"
)

// StorageLocator allocates the object-storage location a worker must use
// for a given assignment. Called inside the assignment transaction so the
// location is recorded atomically with the lease.
type StorageLocator func(jobId string, seq int) (scheme string, uri string)

// PoolCounts is the per-job-type backlog used by the capacity manager.
type PoolCounts struct {
	Pending  int
	InFlight int
}

// JobRepository is the single source of truth for jobs, assignments and
// results. All cross-request coordination happens through it; the AssignJob
// compare-and-swap is the only place true mutual exclusion is required, so
// implementations must make it a single atomic conditional update.
type JobRepository interface {
	// Setup creates the schema if it does not exist.
	Setup(ctx context.Context) error

	// CreateJob persists a new PENDING job.
	CreateJob(ctx context.Context, job *jobs.Job) error

	// GetJob returns the job with its latest assignment (and that
	// assignment's result, if any). Returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, jobId string) (*jobs.Job, error)

	// FindActiveByHash returns a non-terminal job with the given dedup
	// hash, or nil if none exists.
	FindActiveByHash(ctx context.Context, hash string) (*jobs.Job, error)

	// ListPending returns up to limit PENDING jobs with no live lease,
	// oldest first, optionally filtered by type.
	ListPending(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error)

	// AssignJob atomically transitions the job to IN_PROGRESS and creates a
	// new lease. It succeeds if the job is PENDING, or IN_PROGRESS with
	// only lapsed leases. Losing the race yields ErrAlreadyAssigned.
	AssignJob(ctx context.Context, jobId string, workerId string, leaseDuration time.Duration, locate StorageLocator) (*jobs.Assignment, error)

	// RenewLease extends the lease of the live assignment and returns the
	// new expiry. ErrStaleLease if the assignment was superseded or its job
	// has moved on.
	RenewLease(ctx context.Context, assignmentId string, leaseDuration time.Duration) (time.Time, error)

	// SubmitResult records a terminal result against an assignment. Results
	// for superseded leases are recorded but applied=false: they never
	// change the job's status. ErrNotFound for unknown assignments.
	SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload []byte) (applied bool, err error)

	// CancelJob transitions a non-terminal job to CANCELLED and returns the
	// updated job. ErrJobTerminal if it already finished.
	CancelJob(ctx context.Context, jobId string) (*jobs.Job, error)

	// ReclaimExpired requeues IN_PROGRESS jobs whose leases all lapsed
	// without a result, moving them to PENDING, or to TIMED_OUT once
	// maxAttempts leases have been burned. Idempotent.
	ReclaimExpired(ctx context.Context, maxAttempts int) (requeued []string, timedOut []string, err error)

	// JobIdForAssignment resolves which job an assignment belongs to.
	JobIdForAssignment(ctx context.Context, assignmentId string) (string, error)

	// QueueSnapshot returns pending and in-flight counts per job type.
	QueueSnapshot(ctx context.Context) (map[jobs.JobType]PoolCounts, error)

	HealthCheck(ctx context.Context) error
}
