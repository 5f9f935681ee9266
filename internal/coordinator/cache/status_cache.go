// Package cache holds a read-through cache for job status lookups. Client
// pollers hit Get-job far more often than anything else writes, so terminal
// and in-flight statuses are kept in redis in front of the job store. Cache
// failures are never surfaced: every path degrades to the SQL repository.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/reefworks/reefworks/internal/jobs"
)

const keyPrefix = "reefworks:job:"

type StatusCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a cache over the given client. A nil *StatusCache is valid and
// behaves as a cache that always misses, so callers need no enabled checks.
func New(client *redis.Client, ttl time.Duration) *StatusCache {
	return &StatusCache{client: client, ttl: ttl}
}

func (c *StatusCache) Get(ctx context.Context, jobId string) *jobs.Job {
	if c == nil {
		return nil
	}
	data, err := c.client.Get(ctx, keyPrefix+jobId).Bytes()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("job status cache read failed")
		return nil
	}
	var job jobs.Job
	if err := json.Unmarshal(data, &job); err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("corrupt job status cache entry")
		c.Invalidate(ctx, jobId)
		return nil
	}
	return &job
}

func (c *StatusCache) Put(ctx context.Context, job *jobs.Job) {
	if c == nil {
		return
	}
	data, err := json.Marshal(job)
	if err != nil {
		log.WithError(err).WithField("jobId", job.Id).Warn("cannot serialize job for cache")
		return
	}
	if err := c.client.Set(ctx, keyPrefix+job.Id, data, c.ttl).Err(); err != nil {
		log.WithError(err).WithField("jobId", job.Id).Warn("job status cache write failed")
	}
}

// Invalidate drops a job's cache entry. Called on every transition write so
// pollers never observe a status older than what the store holds.
func (c *StatusCache) Invalidate(ctx context.Context, jobId string) {
	if c == nil {
		return
	}
	if err := c.client.Del(ctx, keyPrefix+jobId).Err(); err != nil {
		log.WithError(err).WithField("jobId", jobId).Warn("job status cache invalidation failed")
	}
}
