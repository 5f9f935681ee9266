package worker

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/internal/storage"
	"github.com/reefworks/reefworks/pkg/api"
)

type stubCoordinator struct {
	mu sync.Mutex

	pending   []*jobs.Job
	assignErr map[string]error
	renewErr  error
	leaseTtl  time.Duration

	assigned []string
	results  []submittedResult
}

type submittedResult struct {
	assignmentId string
	status       jobs.State
	payload      json.RawMessage
}

func newStubCoordinator(pending ...*jobs.Job) *stubCoordinator {
	return &stubCoordinator{pending: pending, assignErr: map[string]error{}, leaseTtl: time.Minute}
}

func (c *stubCoordinator) Poll(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending, nil
}

func (c *stubCoordinator) Assign(ctx context.Context, jobId string, workerId string) (*api.AssignResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.assignErr[jobId]; err != nil {
		return nil, err
	}
	c.assigned = append(c.assigned, jobId)
	for _, job := range c.pending {
		if job.Id == jobId {
			return &api.AssignResponse{
				Job: job,
				Assignment: &jobs.Assignment{
					Id:         "assignment-" + jobId,
					JobId:      jobId,
					Seq:        1,
					WorkerId:   workerId,
					StorageUri: "mem://artifacts/jobs/" + jobId + "/1/",
					ExpiresAt:  time.Now().Add(c.leaseTtl),
				},
			}, nil
		}
	}
	return nil, &reeferrors.ErrNotFound{Type: "job", Value: jobId}
}

func (c *stubCoordinator) RenewLease(ctx context.Context, assignmentId string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.renewErr != nil {
		return time.Time{}, c.renewErr
	}
	return time.Now().Add(time.Minute), nil
}

func (c *stubCoordinator) SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload json.RawMessage) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, submittedResult{assignmentId, status, payload})
	return true, nil
}

func (c *stubCoordinator) submittedResults() []submittedResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]submittedResult{}, c.results...)
}

type funcExecutor func(ctx context.Context, job *jobs.Job, workDir string) error

func (f funcExecutor) Execute(ctx context.Context, job *jobs.Job, workDir string) error {
	return f(ctx, job, workDir)
}

func newTestAgent(t *testing.T, client CoordinatorClient, executor Executor) *Agent {
	return NewAgent(
		client,
		storage.NewInMemoryStore("artifacts"),
		map[jobs.JobType]Executor{jobs.RegionalAssessment: executor},
		10*time.Millisecond,
		10,
		t.TempDir(),
	)
}

func testLogger() *log.Entry {
	return log.NewEntry(log.New())
}

func pendingJob(id string) *jobs.Job {
	return &jobs.Job{
		Id:      id,
		Type:    jobs.RegionalAssessment,
		UserId:  "marine-bio-1",
		Payload: []byte(`{"region":"moreton-bay"}`),
		Status:  jobs.Pending,
	}
}

func TestPollOnceRunsJobAndUploadsArtifacts(t *testing.T) {
	coordinator := newStubCoordinator(pendingJob("job-1"))
	executor := funcExecutor(func(ctx context.Context, job *jobs.Job, workDir string) error {
		return os.WriteFile(filepath.Join(workDir, "sites.geojson"), []byte(`{"type":"FeatureCollection"}`), 0o644)
	})
	agent := newTestAgent(t, coordinator, executor)

	claimed := agent.pollOnce(context.Background(), testLogger())
	assert.True(t, claimed)

	results := coordinator.submittedResults()
	require.Len(t, results, 1)
	assert.Equal(t, "assignment-job-1", results[0].assignmentId)
	assert.Equal(t, jobs.Succeeded, results[0].status)

	var manifest struct {
		Artifacts []storage.ObjectInfo `json:"artifacts"`
	}
	require.NoError(t, json.Unmarshal(results[0].payload, &manifest))
	require.Len(t, manifest.Artifacts, 1)
	assert.Equal(t, "sites.geojson", manifest.Artifacts[0].Path)

	uploaded, ok := agent.store.(*storage.InMemoryStore).Object("mem://artifacts/jobs/job-1/1/", "sites.geojson")
	require.True(t, ok)
	assert.JSONEq(t, `{"type":"FeatureCollection"}`, string(uploaded))
}

func TestPollOnceMovesPastClaimConflicts(t *testing.T) {
	coordinator := newStubCoordinator(pendingJob("job-1"), pendingJob("job-2"))
	coordinator.assignErr["job-1"] = &reeferrors.ErrAlreadyAssigned{JobId: "job-1"}
	executor := funcExecutor(func(ctx context.Context, job *jobs.Job, workDir string) error { return nil })
	agent := newTestAgent(t, coordinator, executor)

	claimed := agent.pollOnce(context.Background(), testLogger())
	assert.True(t, claimed)
	assert.Equal(t, []string{"job-2"}, coordinator.assigned)
}

func TestPollOnceStopsOnUnexpectedAssignError(t *testing.T) {
	coordinator := newStubCoordinator(pendingJob("job-1"), pendingJob("job-2"))
	coordinator.assignErr["job-1"] = &reeferrors.ErrNotFound{Type: "job", Value: "job-1"}
	executor := funcExecutor(func(ctx context.Context, job *jobs.Job, workDir string) error { return nil })
	agent := newTestAgent(t, coordinator, executor)

	claimed := agent.pollOnce(context.Background(), testLogger())
	assert.False(t, claimed)
	assert.Empty(t, coordinator.assigned)
}

func TestExecutionFailureIsReported(t *testing.T) {
	coordinator := newStubCoordinator(pendingJob("job-1"))
	executor := funcExecutor(func(ctx context.Context, job *jobs.Job, workDir string) error {
		return os.ErrPermission
	})
	agent := newTestAgent(t, coordinator, executor)

	claimed := agent.pollOnce(context.Background(), testLogger())
	assert.True(t, claimed)

	results := coordinator.submittedResults()
	require.Len(t, results, 1)
	assert.Equal(t, jobs.Failed, results[0].status)
	assert.Contains(t, string(results[0].payload), "permission denied")
}

func TestRenewalFailureAbandonsJob(t *testing.T) {
	coordinator := newStubCoordinator(pendingJob("job-1"))
	coordinator.renewErr = &reeferrors.ErrNotFound{Type: "assignment", Value: "assignment-job-1"}
	// A short lease forces the first renewal attempt quickly.
	coordinator.leaseTtl = 3 * time.Second
	executor := funcExecutor(func(ctx context.Context, job *jobs.Job, workDir string) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Second):
			return nil
		}
	})
	agent := newTestAgent(t, coordinator, executor)

	start := time.Now()
	claimed := agent.pollOnce(context.Background(), testLogger())
	assert.True(t, claimed)
	assert.Less(t, time.Since(start), 5*time.Second)

	// The job is abandoned for the sweep to reclaim: no result reported.
	assert.Empty(t, coordinator.submittedResults())
}
