package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reefworks/reefworks/internal/jobs"
)

func withCache(t *testing.T, action func(c *StatusCache, mr *miniredis.Miniredis)) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	action(New(client, 5*time.Minute), mr)
}

func testJob() *jobs.Job {
	return &jobs.Job{
		Id:     "job-1",
		Type:   jobs.RegionalAssessment,
		UserId: "marine-bio-1",
		Status: jobs.InProgress,
	}
}

func TestPutAndGet(t *testing.T) {
	withCache(t, func(c *StatusCache, _ *miniredis.Miniredis) {
		ctx := context.Background()
		assert.Nil(t, c.Get(ctx, "job-1"))

		c.Put(ctx, testJob())
		got := c.Get(ctx, "job-1")
		require.NotNil(t, got)
		assert.Equal(t, jobs.InProgress, got.Status)
	})
}

func TestInvalidate(t *testing.T) {
	withCache(t, func(c *StatusCache, _ *miniredis.Miniredis) {
		ctx := context.Background()
		c.Put(ctx, testJob())
		c.Invalidate(ctx, "job-1")
		assert.Nil(t, c.Get(ctx, "job-1"))
	})
}

func TestEntriesExpire(t *testing.T) {
	withCache(t, func(c *StatusCache, mr *miniredis.Miniredis) {
		ctx := context.Background()
		c.Put(ctx, testJob())
		mr.FastForward(10 * time.Minute)
		assert.Nil(t, c.Get(ctx, "job-1"))
	})
}

func TestCorruptEntryIsDropped(t *testing.T) {
	withCache(t, func(c *StatusCache, mr *miniredis.Miniredis) {
		ctx := context.Background()
		require.NoError(t, mr.Set("reefworks:job:job-1", "not json"))
		assert.Nil(t, c.Get(ctx, "job-1"))
		assert.False(t, mr.Exists("reefworks:job:job-1"))
	})
}

func TestNilCacheAlwaysMisses(t *testing.T) {
	var c *StatusCache
	ctx := context.Background()
	assert.Nil(t, c.Get(ctx, "job-1"))
	c.Put(ctx, testJob())
	c.Invalidate(ctx, "job-1")
}
