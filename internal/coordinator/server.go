package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/common/logging"
	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/coordinator/cache"
	"github.com/reefworks/reefworks/internal/coordinator/configuration"
	"github.com/reefworks/reefworks/internal/coordinator/repository"
	"github.com/reefworks/reefworks/internal/jobs"
	"github.com/reefworks/reefworks/internal/storage"
	"github.com/reefworks/reefworks/pkg/api"
)

// Server implements the coordinator's HTTP surface. It is stateless: all
// cross-request coordination happens through the job repository, so any
// number of instances may run behind a load balancer.
type Server struct {
	config *configuration.CoordinatorConfiguration
	repo   repository.JobRepository
	store  storage.ObjectStore
	cache  *cache.StatusCache
}

func NewServer(
	config *configuration.CoordinatorConfiguration,
	repo repository.JobRepository,
	store storage.ObjectStore,
	statusCache *cache.StatusCache,
) *Server {
	return &Server{config: config, repo: repo, store: store, cache: statusCache}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/jobs", s.handleSubmit)
	mux.HandleFunc("GET /api/v1/jobs/{jobId}", s.handleGetJob)
	mux.HandleFunc("POST /api/v1/jobs/{jobId}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/jobs/{jobId}/results", s.handleDownload)
	mux.HandleFunc("GET /api/v1/work", s.handlePoll)
	mux.HandleFunc("POST /api/v1/work/{jobId}/assign", s.handleAssign)
	mux.HandleFunc("POST /api/v1/assignments/{assignmentId}/renew", s.handleRenew)
	mux.HandleFunc("POST /api/v1/assignments/{assignmentId}/result", s.handleResult)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		if err := s.repo.HealthCheck(r.Context()); err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return requestLogging(mux)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req api.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &reeferrors.ErrInvalidPayload{Message: "malformed request body: " + err.Error()})
		return
	}
	if req.UserId == "" {
		writeError(w, &reeferrors.ErrInvalidPayload{Message: "userId is required"})
		return
	}
	if _, err := jobs.DecodePayload(req.Type, req.Payload); err != nil {
		writeError(w, err)
		return
	}

	hash, err := jobs.PayloadHash(req.Type, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	// Dedup is best effort: two identical submissions racing past this
	// check may both create jobs, which is tolerable because results are
	// read by id, never by hash.
	if existing, err := s.repo.FindActiveByHash(r.Context(), hash); err != nil {
		writeError(w, err)
		return
	} else if existing != nil {
		dedupHits.Inc()
		log.WithFields(log.Fields{"jobId": existing.Id, "hash": hash}).Info("submission deduplicated")
		writeJson(w, &api.SubmitJobResponse{JobId: existing.Id, Duplicate: true})
		return
	}

	job := &jobs.Job{
		Id:      jobs.NewJobId(),
		Type:    req.Type,
		UserId:  req.UserId,
		Payload: req.Payload,
		Hash:    hash,
		Status:  jobs.Pending,
	}
	if err := s.repo.CreateJob(r.Context(), job); err != nil {
		writeError(w, err)
		return
	}
	jobsSubmitted.WithLabelValues(string(job.Type)).Inc()
	log.WithFields(log.Fields{"jobId": job.Id, "jobType": job.Type, "userId": job.UserId}).Info("job submitted")
	writeJson(w, &api.SubmitJobResponse{JobId: job.Id})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobId := r.PathValue("jobId")
	if job := s.cache.Get(r.Context(), jobId); job != nil {
		writeJson(w, job)
		return
	}
	job, err := s.repo.GetJob(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cache.Put(r.Context(), job)
	writeJson(w, job)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var types []jobs.JobType
	if raw := r.URL.Query().Get("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			jobType := jobs.JobType(strings.TrimSpace(t))
			if !jobType.IsValid() {
				writeError(w, &reeferrors.ErrInvalidPayload{Message: "unknown job type " + string(jobType)})
				return
			}
			types = append(types, jobType)
		}
	}
	limit := s.config.PollLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(w, &reeferrors.ErrInvalidPayload{Message: "limit must be a positive integer"})
			return
		}
		if parsed < limit {
			limit = parsed
		}
	}

	pending, err := s.repo.ListPending(r.Context(), types, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJson(w, &api.PollResponse{Jobs: pending})
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	jobId := r.PathValue("jobId")
	var req api.AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &reeferrors.ErrInvalidPayload{Message: "malformed request body: " + err.Error()})
		return
	}
	if req.WorkerId == "" {
		writeError(w, &reeferrors.ErrInvalidPayload{Message: "workerId is required"})
		return
	}

	assignment, err := s.repo.AssignJob(r.Context(), jobId, req.WorkerId, s.config.Lease.Duration, s.store.Locate)
	if err != nil {
		var conflict *reeferrors.ErrAlreadyAssigned
		if errors.As(err, &conflict) {
			assignConflicts.Inc()
		}
		writeError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), jobId)

	job, err := s.repo.GetJob(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	log.WithFields(log.Fields{
		"jobId":        jobId,
		"workerId":     req.WorkerId,
		"assignmentId": assignment.Id,
		"expiresAt":    assignment.ExpiresAt,
	}).Info("job assigned")
	writeJson(w, &api.AssignResponse{Assignment: assignment, Job: job})
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	assignmentId := r.PathValue("assignmentId")
	expiry, err := s.repo.RenewLease(r.Context(), assignmentId, s.config.Lease.Duration)
	if err != nil {
		// A stale lease looks like a missing one from the worker's side:
		// either way it must abandon the job.
		var stale *reeferrors.ErrStaleLease
		if errors.As(err, &stale) {
			writeError(w, &reeferrors.ErrNotFound{Type: "assignment", Value: assignmentId, Message: "lease no longer live"})
			return
		}
		writeError(w, err)
		return
	}
	writeJson(w, &api.RenewLeaseResponse{ExpiresAt: expiry})
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	assignmentId := r.PathValue("assignmentId")
	var req api.SubmitResultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, &reeferrors.ErrInvalidPayload{Message: "malformed request body: " + err.Error()})
		return
	}

	applied, err := s.repo.SubmitResult(r.Context(), assignmentId, req.Status, req.Payload)
	if err != nil {
		writeError(w, err)
		return
	}
	if !applied {
		resultsDiscarded.Inc()
		log.WithFields(log.Fields{"assignmentId": assignmentId, "status": req.Status}).
			Warn("discarding result for superseded lease")
		writeJson(w, &api.SubmitResultResponse{Applied: false})
		return
	}

	log.WithFields(log.Fields{"assignmentId": assignmentId, "status": req.Status}).Info("job finalized")
	s.invalidateByAssignment(r.Context(), assignmentId)
	writeJson(w, &api.SubmitResultResponse{Applied: true})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	jobId := r.PathValue("jobId")
	job, err := s.repo.CancelJob(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	s.cache.Invalidate(r.Context(), jobId)
	log.WithField("jobId", jobId).Info("job cancelled")
	writeJson(w, job)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobId := r.PathValue("jobId")
	job, err := s.repo.GetJob(r.Context(), jobId)
	if err != nil {
		writeError(w, err)
		return
	}
	assignment := job.LatestAssignment
	if assignment == nil || assignment.Result == nil || assignment.Result.Status != jobs.Succeeded {
		writeError(w, &reeferrors.ErrNotFound{Type: "job results", Value: jobId, Message: "job has no results"})
		return
	}

	pathFilter := r.URL.Query().Get("path")
	expiry := s.config.Storage.SignedUrlExpiry
	if raw := r.URL.Query().Get("expirySeconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds < 1 {
			writeError(w, &reeferrors.ErrInvalidPayload{Message: "expirySeconds must be a positive integer"})
			return
		}
		expiry = time.Duration(seconds) * time.Second
	}

	objects, err := s.store.List(r.Context(), assignment.StorageUri)
	if err != nil {
		writeError(w, err)
		return
	}
	var artifacts []api.SignedArtifact
	for _, object := range objects {
		if pathFilter != "" && !strings.HasPrefix(object.Path, pathFilter) {
			continue
		}
		url, err := s.store.SignedGetUrl(r.Context(), assignment.StorageUri, object.Path, expiry)
		if err != nil {
			writeError(w, err)
			return
		}
		artifacts = append(artifacts, api.SignedArtifact{Path: object.Path, Size: object.Size, Url: url})
	}
	if len(artifacts) == 0 {
		writeError(w, &reeferrors.ErrNotFound{Type: "job results", Value: jobId, Message: "no artifacts match"})
		return
	}
	writeJson(w, &api.DownloadResponse{JobId: jobId, Artifacts: artifacts})
}

func (s *Server) invalidateByAssignment(ctx context.Context, assignmentId string) {
	// Failures here only delay pollers by one cache TTL.
	jobId, err := s.repo.JobIdForAssignment(ctx, assignmentId)
	if err != nil {
		return
	}
	s.cache.Invalidate(ctx, jobId)
}

func writeJson(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.WithError(err).Error("failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := reeferrors.CodeFromError(err)
	if code == http.StatusInternalServerError {
		logging.WithStacktrace(log.NewEntry(log.StandardLogger()), err).Error("request failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(&api.ErrorResponse{Error: err.Error(), Code: reeferrors.StringCodeFromError(err)})
}

func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.WithFields(log.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"duration": time.Since(start),
		}).Debug("request handled")
	})
}
