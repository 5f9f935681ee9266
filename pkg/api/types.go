// Package api defines the JSON wire types of the coordinator's HTTP
// surface, shared by the server, the worker agent and client code.
package api

import (
	"encoding/json"
	"time"

	"github.com/reefworks/reefworks/internal/common/reeferrors"
	"github.com/reefworks/reefworks/internal/jobs"
)

type SubmitJobRequest struct {
	Type    jobs.JobType    `json:"type"`
	UserId  string          `json:"userId"`
	Payload json.RawMessage `json:"payload"`
}

type SubmitJobResponse struct {
	JobId string `json:"jobId"`
	// Duplicate is set when the submission resolved to an existing active
	// job via the dedup hash.
	Duplicate bool `json:"duplicate,omitempty"`
}

type PollResponse struct {
	Jobs []*jobs.Job `json:"jobs"`
}

type AssignRequest struct {
	WorkerId string `json:"workerId"`
}

type AssignResponse struct {
	Assignment *jobs.Assignment `json:"assignment"`
	Job        *jobs.Job        `json:"job"`
}

type RenewLeaseResponse struct {
	ExpiresAt time.Time `json:"expiresAt"`
}

type SubmitResultRequest struct {
	Status  jobs.State      `json:"status"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type SubmitResultResponse struct {
	// Applied is false when the result arrived for a superseded lease and
	// was discarded.
	Applied bool `json:"applied"`
}

type SignedArtifact struct {
	Path string `json:"path"`
	Size int64  `json:"size"`
	Url  string `json:"url"`
}

type DownloadResponse struct {
	JobId     string           `json:"jobId"`
	Artifacts []SignedArtifact `json:"artifacts"`
}

// Error codes carried on error responses so clients can recover the typed
// error without parsing messages. Defined alongside the error types in
// reeferrors; re-exported here so API consumers need not import internals.
const (
	ErrorCodeInvalid  = reeferrors.CodeInvalid
	ErrorCodeConflict = reeferrors.CodeConflict
	ErrorCodeNotFound = reeferrors.CodeNotFound
	ErrorCodeTerminal = reeferrors.CodeTerminal
	ErrorCodeInternal = reeferrors.CodeInternal
)

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
