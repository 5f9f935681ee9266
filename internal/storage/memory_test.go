package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocateAllocatesPerAssignmentLocations(t *testing.T) {
	store := NewInMemoryStore("artifacts")
	scheme, uri := store.Locate("job-1", 1)
	assert.Equal(t, "mem", scheme)
	assert.Equal(t, "mem://artifacts/jobs/job-1/1/", uri)

	_, second := store.Locate("job-1", 2)
	assert.NotEqual(t, uri, second)
}

func TestPutAndList(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore("artifacts")
	_, uri := store.Locate("job-1", 1)

	require.NoError(t, store.Put(ctx, uri, "sites.geojson", strings.NewReader("abc"), 3))
	require.NoError(t, store.Put(ctx, uri, "logs/run.log", strings.NewReader("hello"), 5))

	// Another assignment's artifacts stay invisible.
	_, other := store.Locate("job-1", 2)
	require.NoError(t, store.Put(ctx, other, "sites.geojson", strings.NewReader("xyz"), 3))

	objects, err := store.List(ctx, uri)
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, ObjectInfo{Path: "logs/run.log", Size: 5}, objects[0])
	assert.Equal(t, ObjectInfo{Path: "sites.geojson", Size: 3}, objects[1])

	data, ok := store.Object(uri, "sites.geojson")
	require.True(t, ok)
	assert.Equal(t, "abc", string(data))
}

func TestSignedGetUrl(t *testing.T) {
	store := NewInMemoryStore("artifacts")
	_, uri := store.Locate("job-1", 1)

	url, err := store.SignedGetUrl(context.Background(), uri, "sites.geojson", time.Hour)
	require.NoError(t, err)
	assert.Contains(t, url, "sites.geojson")
	assert.Contains(t, url, "expiry=3600")
}

func TestSplitUriRejectsMalformedUris(t *testing.T) {
	_, _, err := splitUri("not-a-uri")
	assert.Error(t, err)
}
