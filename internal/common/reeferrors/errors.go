// Package reeferrors contains the typed errors returned by code handling
// coordinator requests. The HTTP layer recovers these with errors.As and
// maps them onto response status codes; everything else is a 500.
//
// ErrStaleLease never crosses the API boundary: it drives the reclamation
// sweep and the late-result discard path internally.
package reeferrors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrInvalidPayload is returned when a submitted payload fails schema
// validation for its job type. Jobs with invalid payloads never enter the
// store.
type ErrInvalidPayload struct {
	JobType string
	Message string
}

func (err *ErrInvalidPayload) Error() string {
	if err.JobType != "" {
		return fmt.Sprintf("invalid %s payload: %s", err.JobType, err.Message)
	}
	return fmt.Sprintf("invalid payload: %s", err.Message)
}

// ErrAlreadyAssigned is returned when a worker loses the assignment race for
// a job. The caller should move on to its next candidate, not retry the same
// job.
type ErrAlreadyAssigned struct {
	JobId   string
	Message string
}

func (err *ErrAlreadyAssigned) Error() string {
	s := fmt.Sprintf("job %q is already assigned", err.JobId)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrNotFound is a generic error to be returned whenever some resource isn't
// found. Type is the resource kind, e.g. "job" or "assignment".
type ErrNotFound struct {
	Type    string
	Value   string
	Message string
}

func (err *ErrNotFound) Error() string {
	s := fmt.Sprintf("%s %q not found", err.Type, err.Value)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// ErrJobTerminal is returned when an operation requires a live job but the
// job has already reached a terminal state.
type ErrJobTerminal struct {
	JobId  string
	Status string
}

func (err *ErrJobTerminal) Error() string {
	return fmt.Sprintf("job %q is already terminal (%s)", err.JobId, err.Status)
}

// ErrStaleLease indicates that an assignment is no longer the live lease for
// its job, either because it expired and was superseded or because the job
// moved on without it.
type ErrStaleLease struct {
	AssignmentId string
	Message      string
}

func (err *ErrStaleLease) Error() string {
	s := fmt.Sprintf("assignment %q no longer holds the lease", err.AssignmentId)
	if err.Message != "" {
		s += "; " + err.Message
	}
	return s
}

// CodeFromError maps an error onto the HTTP status code the API should
// return for it.
func CodeFromError(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var invalid *ErrInvalidPayload
	var assigned *ErrAlreadyAssigned
	var notFound *ErrNotFound
	var terminal *ErrJobTerminal
	switch {
	case errors.As(err, &invalid):
		return http.StatusBadRequest
	case errors.As(err, &assigned):
		return http.StatusBadRequest
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &terminal):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Wire codes carried on error responses so clients can recover the typed
// error without parsing messages. pkg/api re-exports these for callers
// outside the module.
const (
	CodeInvalid  = "INVALID"
	CodeConflict = "CONFLICT"
	CodeNotFound = "NOT_FOUND"
	CodeTerminal = "TERMINAL"
	CodeInternal = "INTERNAL"
)

// StringCodeFromError maps an error onto the machine-readable code carried
// on error responses, so clients can recover the error kind.
func StringCodeFromError(err error) string {
	var invalid *ErrInvalidPayload
	var assigned *ErrAlreadyAssigned
	var notFound *ErrNotFound
	var terminal *ErrJobTerminal
	switch {
	case errors.As(err, &invalid):
		return CodeInvalid
	case errors.As(err, &assigned):
		return CodeConflict
	case errors.As(err, &notFound):
		return CodeNotFound
	case errors.As(err, &terminal):
		return CodeTerminal
	}
	return CodeInternal
}
