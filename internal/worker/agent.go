package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/common/logging"
	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/internal/storage"
	"github.com/reefworks/reefworks/pkg/api"
)

// CoordinatorClient is the slice of the coordinator API the agent needs.
// Implemented by pkg/client.Client.
type CoordinatorClient interface {
	Poll(ctx context.Context, types []jobs.JobType, limit int) ([]*jobs.Job, error)
	Assign(ctx context.Context, jobId string, workerId string) (*api.AssignResponse, error)
	RenewLease(ctx context.Context, assignmentId string) (time.Time, error)
	SubmitResult(ctx context.Context, assignmentId string, status jobs.State, payload json.RawMessage) (bool, error)
}

// Agent is the long-lived loop on a compute node: poll for work, claim the
// oldest candidate, execute it, upload artifacts and report a terminal
// result. Agents never talk to each other, only to the coordinator.
type Agent struct {
	WorkerId string

	client       CoordinatorClient
	store        storage.ObjectStore
	executors    map[jobs.JobType]Executor
	pollInterval time.Duration
	pollLimit    int
	workDir      string
}

func NewAgent(
	client CoordinatorClient,
	store storage.ObjectStore,
	executors map[jobs.JobType]Executor,
	pollInterval time.Duration,
	pollLimit int,
	workDir string,
) *Agent {
	return &Agent{
		WorkerId:     NewWorkerId(),
		client:       client,
		store:        store,
		executors:    executors,
		pollInterval: pollInterval,
		pollLimit:    pollLimit,
		workDir:      workDir,
	}
}

// NewWorkerId derives an identity unique to this process.
func NewWorkerId() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "worker"
	}
	return fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
}

// Capabilities lists the job types this agent can execute.
func (a *Agent) Capabilities() []jobs.JobType {
	types := make([]jobs.JobType, 0, len(a.executors))
	for t := range a.executors {
		types = append(types, t)
	}
	return types
}

func (a *Agent) Run(ctx context.Context) error {
	logger := log.WithField("workerId", a.WorkerId)
	logger.WithField("capabilities", a.Capabilities()).Info("worker agent started")
	for {
		if ctx.Err() != nil {
			logger.Info("worker agent stopped")
			return nil
		}
		claimed := a.pollOnce(ctx, logger)
		if claimed {
			// More work may be waiting; poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
		case <-time.After(a.pollInterval):
		}
	}
}

// pollOnce polls for candidates and tries to claim and run one. Returns
// true if a job was claimed.
func (a *Agent) pollOnce(ctx context.Context, logger *log.Entry) bool {
	candidates, err := a.client.Poll(ctx, a.Capabilities(), a.pollLimit)
	if err != nil {
		if ctx.Err() == nil {
			logger.WithError(err).Warn("poll failed")
		}
		return false
	}

	// Candidates arrive oldest first. Losing the claim race for one means
	// another worker won it: move on to the next, never retry the same.
	for _, candidate := range candidates {
		resp, err := a.client.Assign(ctx, candidate.Id, a.WorkerId)
		if err != nil {
			var conflict *reeferrors.ErrAlreadyAssigned
			if errors.As(err, &conflict) {
				continue
			}
			if ctx.Err() == nil {
				logger.WithError(err).WithField("jobId", candidate.Id).Warn("assign failed")
			}
			return false
		}
		a.runJob(ctx, logger, resp.Job, resp.Assignment)
		return true
	}
	return false
}

func (a *Agent) runJob(ctx context.Context, logger *log.Entry, job *jobs.Job, assignment *jobs.Assignment) {
	logger = logger.WithFields(log.Fields{"jobId": job.Id, "jobType": job.Type, "assignmentId": assignment.Id})
	logger.Info("executing job")

	executor, ok := a.executors[job.Type]
	if !ok {
		// Should not happen: we only poll for types we can execute.
		a.reportFailure(ctx, logger, assignment, errors.Errorf("no executor for job type %s", job.Type))
		return
	}

	workDir, err := os.MkdirTemp(a.workDir, "job-"+job.Id+"-")
	if err != nil {
		a.reportFailure(ctx, logger, assignment, errors.Wrap(err, "creating scratch dir"))
		return
	}
	defer os.RemoveAll(workDir)

	// Renew the lease in the background while the job runs. If renewal
	// fails the coordinator has moved on without us: execution is
	// cancelled and the job abandoned for the sweep to reclaim.
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	renewalFailed := make(chan struct{})
	renewalDone := make(chan struct{})
	go a.renewLoop(execCtx, logger, assignment, cancel, renewalFailed, renewalDone)

	execErr := executor.Execute(execCtx, job, workDir)
	close(renewalDone)

	select {
	case <-renewalFailed:
		logger.Warn("lease lost during execution, abandoning job")
		executionsTotal.WithLabelValues("abandoned").Inc()
		return
	default:
	}
	if ctx.Err() != nil {
		logger.Warn("shutting down mid-execution, abandoning job")
		executionsTotal.WithLabelValues("abandoned").Inc()
		return
	}

	if execErr != nil {
		a.reportFailure(ctx, logger, assignment, execErr)
		return
	}

	manifest, err := a.uploadArtifacts(ctx, assignment, workDir)
	if err != nil {
		a.reportFailure(ctx, logger, assignment, errors.Wrap(err, "uploading artifacts"))
		return
	}

	applied, err := a.client.SubmitResult(ctx, assignment.Id, jobs.Succeeded, manifest)
	if err != nil {
		logging.WithStacktrace(logger, err).Error("failed to report success")
		executionsTotal.WithLabelValues("report_failed").Inc()
		return
	}
	if !applied {
		logger.Warn("result discarded: lease was superseded")
	}
	executionsTotal.WithLabelValues("succeeded").Inc()
	logger.Info("job succeeded")
}

func (a *Agent) renewLoop(ctx context.Context, logger *log.Entry, assignment *jobs.Assignment, cancel context.CancelFunc, failed chan<- struct{}, done <-chan struct{}) {
	interval := time.Until(assignment.ExpiresAt) / 3
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.client.RenewLease(ctx, assignment.Id); err != nil {
				// Renewal failure is fatal locally: the lease may already
				// belong to someone else, so stop touching shared state.
				logger.WithError(err).Warn("lease renewal failed")
				close(failed)
				cancel()
				return
			}
		}
	}
}

// uploadArtifacts pushes everything the executor produced to the
// assignment's storage location and returns the artifact manifest.
func (a *Agent) uploadArtifacts(ctx context.Context, assignment *jobs.Assignment, workDir string) (json.RawMessage, error) {
	var artifacts []storage.ObjectInfo
	err := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(workDir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := a.store.Put(ctx, assignment.StorageUri, filepath.ToSlash(rel), f, info.Size()); err != nil {
			return err
		}
		artifacts = append(artifacts, storage.ObjectInfo{Path: filepath.ToSlash(rel), Size: info.Size()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]interface{}{"artifacts": artifacts})
}

func (a *Agent) reportFailure(ctx context.Context, logger *log.Entry, assignment *jobs.Assignment, cause error) {
	logging.WithStacktrace(logger, cause).Error("job execution failed")
	executionsTotal.WithLabelValues("failed").Inc()
	diagnostic, _ := json.Marshal(map[string]string{"error": cause.Error()})
	if _, err := a.client.SubmitResult(ctx, assignment.Id, jobs.Failed, diagnostic); err != nil {
		// Best effort: if this report is lost the sweep times the job out.
		logger.WithError(err).Error("failed to report failure")
	}
}
