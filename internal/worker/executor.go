package worker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/pkg/errors"

	"github.com/reefworks/reefworks/internal/jobs"
)

// Executor runs one job's payload, writing any output artifacts into
// workDir. The agent uploads whatever the executor leaves there.
type Executor interface {
	Execute(ctx context.Context, job *jobs.Job, workDir string) error
}

// ProcessExecutor runs an external command for a job type. The payload JSON
// arrives on stdin; job metadata is passed in the environment.
type ProcessExecutor struct {
	Command string
	Args    []string
}

func (e *ProcessExecutor) Execute(ctx context.Context, job *jobs.Job, workDir string) error {
	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(job.Payload)
	cmd.Env = append(os.Environ(),
		"REEF_JOB_ID="+job.Id,
		"REEF_JOB_TYPE="+string(job.Type),
		"REEF_WORK_DIR="+workDir,
	)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return errors.Wrapf(err, "executing %s: %s", e.Command, tail(stderr.String(), 2048))
	}
	return nil
}

func tail(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return "..." + s[len(s)-max:]
}
