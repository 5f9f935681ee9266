// Package storage abstracts the object store where workers read job inputs
// and write result artifacts. Locations are recorded on assignments as
// scheme + uri so the store backing a job can change without touching the
// job records themselves.
package storage

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	Secure    bool
	// Scheme recorded on assignments, e.g. "s3".
	Scheme string
	// SignedUrlExpiry is the default lifetime of download links.
	SignedUrlExpiry time.Duration
}

// ObjectInfo describes one artifact under an assignment's storage location.
type ObjectInfo struct {
	Path string
	Size int64
}

type ObjectStore interface {
	// Locate allocates the storage location for one assignment.
	Locate(jobId string, seq int) (scheme string, uri string)
	// Put uploads one artifact below the given location.
	Put(ctx context.Context, uri string, path string, body io.Reader, size int64) error
	// List enumerates artifacts below the given location.
	List(ctx context.Context, uri string) ([]ObjectInfo, error)
	// SignedGetUrl mints a time-limited download link for one artifact.
	SignedGetUrl(ctx context.Context, uri string, path string, expiry time.Duration) (string, error)
}

// splitUri breaks "s3://bucket/prefix/" into bucket and prefix.
func splitUri(uri string) (bucket string, prefix string, err error) {
	i := strings.Index(uri, "://")
	if i < 0 {
		return "", "", errors.Errorf("malformed storage uri %q", uri)
	}
	rest := uri[i+3:]
	parts := strings.SplitN(rest, "/", 2)
	if parts[0] == "" {
		return "", "", errors.Errorf("malformed storage uri %q", uri)
	}
	bucket = parts[0]
	if len(parts) == 2 {
		prefix = parts[1]
	}
	return bucket, prefix, nil
}

func locationUri(scheme, bucket, jobId string, seq int) string {
	return fmt.Sprintf("%s://%s/jobs/%s/%d/", scheme, bucket, jobId, seq)
}
