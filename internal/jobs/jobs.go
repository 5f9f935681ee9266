package jobs

import (
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid"
)

// JobType determines the payload schema and which worker pool may execute
// the job.
type JobType string

const (
	RegionalAssessment    JobType = "REGIONAL_ASSESSMENT"
	SuitabilityAssessment JobType = "SUITABILITY_ASSESSMENT"
	SimulationRun         JobType = "SIMULATION_RUN"
	DataRefresh           JobType = "DATA_REFRESH"
)

var allJobTypes = []JobType{RegionalAssessment, SuitabilityAssessment, SimulationRun, DataRefresh}

func (t JobType) IsValid() bool {
	for _, jt := range allJobTypes {
		if t == jt {
			return true
		}
	}
	return false
}

func JobTypes() []JobType {
	return append([]JobType(nil), allJobTypes...)
}

// Job is the durable record of a submitted unit of work.
type Job struct {
	Id        string          `json:"id"`
	Type      JobType         `json:"type"`
	UserId    string          `json:"userId"`
	Payload   json.RawMessage `json:"payload"`
	Hash      string          `json:"hash"`
	Status    State           `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`

	// LatestAssignment is populated on reads; at most one assignment is
	// live at any time, and only the latest one's result is authoritative.
	LatestAssignment *Assignment `json:"latestAssignment,omitempty"`
	// Attempts is the number of assignments ever created for this job.
	Attempts int `json:"attempts"`
}

// Assignment is a time-bounded lease of one job to one worker.
type Assignment struct {
	Id            string    `json:"id"`
	JobId         string    `json:"jobId"`
	Seq           int       `json:"seq"`
	WorkerId      string    `json:"workerId"`
	StorageScheme string    `json:"storageScheme"`
	StorageUri    string    `json:"storageUri"`
	CreatedAt     time.Time `json:"createdAt"`
	ExpiresAt     time.Time `json:"expiresAt"`

	Result *Result `json:"result,omitempty"`
}

// Expired reports whether the lease has lapsed at the given instant.
func (a *Assignment) Expired(now time.Time) bool {
	return !now.Before(a.ExpiresAt)
}

// Result finalizes one specific assignment, not the abstract job.
type Result struct {
	AssignmentId string          `json:"assignmentId"`
	JobId        string          `json:"jobId"`
	Status       State           `json:"status"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

var (
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
	entropyMu sync.Mutex
)

// NewJobId returns a lexicographically sortable job id.
func NewJobId() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return strings.ToLower(ulid.MustNew(ulid.Now(), entropy).String())
}
