package client

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/jobs"
)

// WatchJob polls a job's status until it reaches a terminal state, sending
// the job on the returned channel only when the status actually changed.
// The channel is closed after the terminal update (or when ctx ends).
func (c *Client) WatchJob(ctx context.Context, jobId string, interval time.Duration) <-chan *jobs.Job {
	updates := make(chan *jobs.Job, 1)
	go func() {
		defer close(updates)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastStatus jobs.State
		for {
			job, err := c.GetJob(ctx, jobId)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).WithField("jobId", jobId).Warn("job status poll failed")
			} else if job.Status != lastStatus {
				lastStatus = job.Status
				select {
				case updates <- job:
				case <-ctx.Done():
					return
				}
				if job.Status.IsTerminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return updates
}
