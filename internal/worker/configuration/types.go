package configuration

import (
	"time"

	"github.com/reefworks/reefworks/internal/storage"
)

type WorkerConfiguration struct {
	CoordinatorUrl string
	MetricsPort    uint16

	// PollInterval between empty polls; a successful execution polls again
	// immediately.
	PollInterval time.Duration
	PollLimit    int

	// WorkDir is the scratch space jobs execute in.
	WorkDir string

	Storage storage.Config

	// Executors configures the command run for each job type. A job type
	// with no executor entry is excluded from this worker's capabilities.
	Executors map[string]ExecutorConfiguration
}

type ExecutorConfiguration struct {
	Command string
	Args    []string
}
