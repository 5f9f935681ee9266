package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
)

var testLocator StorageLocator = func(jobId string, seq int) (string, string) {
	return "mem", fmt.Sprintf("mem://artifacts/jobs/%s/%d/", jobId, seq)
}

func WithRepository(t *testing.T, action func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock)) {
	r, err := NewSQLiteJobRepository(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer r.Close()

	fakeClock := clocktesting.NewFakeClock(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	r.clock = fakeClock
	require.NoError(t, r.Setup(context.Background()))
	action(r, fakeClock)
}

func newTestJob(t *testing.T, r *SQLiteJobRepository, jobType jobs.JobType, hash string) *jobs.Job {
	job := &jobs.Job{
		Id:      jobs.NewJobId(),
		Type:    jobType,
		UserId:  "marine-bio-1",
		Payload: []byte(`{"region":"moreton-bay"}`),
		Hash:    hash,
		Status:  jobs.Pending,
	}
	require.NoError(t, r.CreateJob(context.Background(), job))
	return job
}

func TestCreateAndGetJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		job := newTestJob(t, r, jobs.RegionalAssessment, "hash-1")

		got, err := r.GetJob(context.Background(), job.Id)
		require.NoError(t, err)
		assert.Equal(t, job.Id, got.Id)
		assert.Equal(t, jobs.Pending, got.Status)
		assert.Equal(t, 0, got.Attempts)
		assert.Nil(t, got.LatestAssignment)
	})
}

func TestGetJobNotFound(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		_, err := r.GetJob(context.Background(), "missing")
		var notFound *reeferrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestFindActiveByHash(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "hash-dup")

		found, err := r.FindActiveByHash(ctx, "hash-dup")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, job.Id, found.Id)

		missing, err := r.FindActiveByHash(ctx, "other-hash")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})
}

func TestFindActiveByHashIgnoresFinishedJobs(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "hash-done")
		_, err := r.CancelJob(ctx, job.Id)
		require.NoError(t, err)

		found, err := r.FindActiveByHash(ctx, "hash-done")
		require.NoError(t, err)
		assert.Nil(t, found)
	})
}

func TestAssignJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", 2*time.Minute, testLocator)
		require.NoError(t, err)
		assert.Equal(t, 1, assignment.Seq)
		assert.Equal(t, "worker-1", assignment.WorkerId)
		assert.Equal(t, fakeClock.Now().Add(2*time.Minute).UTC(), assignment.ExpiresAt)
		assert.Contains(t, assignment.StorageUri, job.Id)

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.InProgress, got.Status)
		assert.Equal(t, 1, got.Attempts)
	})
}

func TestAssignJobSecondWorkerConflicts(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		_, err := r.AssignJob(ctx, job.Id, "worker-1", 2*time.Minute, testLocator)
		require.NoError(t, err)

		_, err = r.AssignJob(ctx, job.Id, "worker-2", 2*time.Minute, testLocator)
		var conflict *reeferrors.ErrAlreadyAssigned
		assert.ErrorAs(t, err, &conflict)
	})
}

func TestAssignJobConcurrentWorkers(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		workers := 10
		var wg sync.WaitGroup
		results := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, results[i] = r.AssignJob(ctx, job.Id, fmt.Sprintf("worker-%d", i), 2*time.Minute, testLocator)
			}(i)
		}
		wg.Wait()

		claimed := 0
		for _, err := range results {
			if err == nil {
				claimed++
			} else {
				var conflict *reeferrors.ErrAlreadyAssigned
				assert.ErrorAs(t, err, &conflict)
			}
		}
		assert.Equal(t, 1, claimed)
	})
}

func TestAssignJobUnknownJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		_, err := r.AssignJob(context.Background(), "missing", "worker-1", time.Minute, testLocator)
		var notFound *reeferrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestAssignJobTerminalJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		_, err := r.CancelJob(ctx, job.Id)
		require.NoError(t, err)

		_, err = r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		var terminal *reeferrors.ErrJobTerminal
		assert.ErrorAs(t, err, &terminal)
	})
}

func TestAssignJobAfterLeaseExpiry(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		first, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		fakeClock.Step(2 * time.Minute)

		second, err := r.AssignJob(ctx, job.Id, "worker-2", time.Minute, testLocator)
		require.NoError(t, err)
		assert.Equal(t, first.Seq+1, second.Seq)
		assert.Equal(t, "worker-2", second.WorkerId)
	})
}

func TestRenewLeaseExtendsExpiry(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		fakeClock.Step(30 * time.Second)
		expiry, err := r.RenewLease(ctx, assignment.Id, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, fakeClock.Now().Add(time.Minute).UTC(), expiry)
		assert.True(t, expiry.After(assignment.ExpiresAt))
	})
}

func TestRenewLeaseUnknownAssignment(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		_, err := r.RenewLease(context.Background(), "missing", time.Minute)
		var notFound *reeferrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}

func TestRenewLeaseSupersededAssignment(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		first, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)
		fakeClock.Step(2 * time.Minute)
		_, err = r.AssignJob(ctx, job.Id, "worker-2", time.Minute, testLocator)
		require.NoError(t, err)

		_, err = r.RenewLease(ctx, first.Id, time.Minute)
		var stale *reeferrors.ErrStaleLease
		assert.ErrorAs(t, err, &stale)
	})
}

func TestSubmitResultFinalizesJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		applied, err := r.SubmitResult(ctx, assignment.Id, jobs.Succeeded, []byte(`{"score":0.92}`))
		require.NoError(t, err)
		assert.True(t, applied)

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.Succeeded, got.Status)
		require.NotNil(t, got.LatestAssignment.Result)
		assert.Equal(t, jobs.Succeeded, got.LatestAssignment.Result.Status)
	})
}

func TestSubmitResultDuplicateKeepsFirst(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		applied, err := r.SubmitResult(ctx, assignment.Id, jobs.Succeeded, nil)
		require.NoError(t, err)
		assert.True(t, applied)

		applied, err = r.SubmitResult(ctx, assignment.Id, jobs.Failed, nil)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.Succeeded, got.Status)
	})
}

func TestSubmitResultLateLeaseDiscarded(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		first, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)
		fakeClock.Step(2 * time.Minute)
		second, err := r.AssignJob(ctx, job.Id, "worker-2", time.Minute, testLocator)
		require.NoError(t, err)

		// The superseded lease's result must not touch the job.
		applied, err := r.SubmitResult(ctx, first.Id, jobs.Failed, nil)
		require.NoError(t, err)
		assert.False(t, applied)

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.InProgress, got.Status)

		applied, err = r.SubmitResult(ctx, second.Id, jobs.Succeeded, nil)
		require.NoError(t, err)
		assert.True(t, applied)
	})
}

func TestSubmitResultRejectsNonTerminalStatus(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		var invalid *reeferrors.ErrInvalidPayload
		_, err = r.SubmitResult(ctx, assignment.Id, jobs.Pending, nil)
		assert.ErrorAs(t, err, &invalid)
		_, err = r.SubmitResult(ctx, assignment.Id, jobs.TimedOut, nil)
		assert.ErrorAs(t, err, &invalid)
	})
}

func TestCancelJob(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		cancelled, err := r.CancelJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.Cancelled, cancelled.Status)

		_, err = r.CancelJob(ctx, job.Id)
		var terminal *reeferrors.ErrJobTerminal
		assert.ErrorAs(t, err, &terminal)
	})
}

func TestReclaimExpiredRequeues(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		_, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		fakeClock.Step(2 * time.Minute)
		requeued, timedOut, err := r.ReclaimExpired(ctx, 3)
		require.NoError(t, err)
		assert.Equal(t, []string{job.Id}, requeued)
		assert.Empty(t, timedOut)

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.Pending, got.Status)
	})
}

func TestReclaimExpiredTimesOutAfterRetryBudget(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")

		maxAttempts := 2
		for i := 0; i < maxAttempts; i++ {
			_, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
			require.NoError(t, err)
			fakeClock.Step(2 * time.Minute)
			requeued, timedOut, err := r.ReclaimExpired(ctx, maxAttempts)
			require.NoError(t, err)
			if i < maxAttempts-1 {
				assert.Equal(t, []string{job.Id}, requeued)
				assert.Empty(t, timedOut)
			} else {
				assert.Empty(t, requeued)
				assert.Equal(t, []string{job.Id}, timedOut)
			}
		}

		got, err := r.GetJob(ctx, job.Id)
		require.NoError(t, err)
		assert.Equal(t, jobs.TimedOut, got.Status)
	})
}

func TestReclaimExpiredLeavesLiveLeasesAlone(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		_, err := r.AssignJob(ctx, job.Id, "worker-1", 10*time.Minute, testLocator)
		require.NoError(t, err)

		fakeClock.Step(time.Minute)
		requeued, timedOut, err := r.ReclaimExpired(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, requeued)
		assert.Empty(t, timedOut)
	})
}

func TestReclaimExpiredIgnoresResultedJobs(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)
		_, err = r.SubmitResult(ctx, assignment.Id, jobs.Succeeded, nil)
		require.NoError(t, err)

		fakeClock.Step(2 * time.Minute)
		requeued, timedOut, err := r.ReclaimExpired(ctx, 3)
		require.NoError(t, err)
		assert.Empty(t, requeued)
		assert.Empty(t, timedOut)
	})
}

func TestListPendingFiltersAndOrders(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, fakeClock *clocktesting.FakeClock) {
		ctx := context.Background()
		first := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		fakeClock.Step(time.Second)
		second := newTestJob(t, r, jobs.RegionalAssessment, "h2")
		fakeClock.Step(time.Second)
		newTestJob(t, r, jobs.SimulationRun, "h3")

		pending, err := r.ListPending(ctx, []jobs.JobType{jobs.RegionalAssessment}, 10)
		require.NoError(t, err)
		require.Len(t, pending, 2)
		assert.Equal(t, first.Id, pending[0].Id)
		assert.Equal(t, second.Id, pending[1].Id)

		limited, err := r.ListPending(ctx, nil, 1)
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, first.Id, limited[0].Id)
	})
}

func TestQueueSnapshot(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		newTestJob(t, r, jobs.RegionalAssessment, "h1")
		inFlight := newTestJob(t, r, jobs.RegionalAssessment, "h2")
		_, err := r.AssignJob(ctx, inFlight.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)
		newTestJob(t, r, jobs.SimulationRun, "h3")

		snapshot, err := r.QueueSnapshot(ctx)
		require.NoError(t, err)
		assert.Equal(t, PoolCounts{Pending: 1, InFlight: 1}, snapshot[jobs.RegionalAssessment])
		assert.Equal(t, PoolCounts{Pending: 1}, snapshot[jobs.SimulationRun])
	})
}

func TestJobIdForAssignment(t *testing.T) {
	WithRepository(t, func(r *SQLiteJobRepository, _ *clocktesting.FakeClock) {
		ctx := context.Background()
		job := newTestJob(t, r, jobs.RegionalAssessment, "h1")
		assignment, err := r.AssignJob(ctx, job.Id, "worker-1", time.Minute, testLocator)
		require.NoError(t, err)

		jobId, err := r.JobIdForAssignment(ctx, assignment.Id)
		require.NoError(t, err)
		assert.Equal(t, job.Id, jobId)

		_, err = r.JobIdForAssignment(ctx, "missing")
		var notFound *reeferrors.ErrNotFound
		assert.ErrorAs(t, err, &notFound)
	})
}
