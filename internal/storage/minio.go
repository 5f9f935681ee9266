package storage

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
)

// MinioStore talks to any S3-compatible object store.
type MinioStore struct {
	client *minio.Client
	config Config
}

func NewMinioStore(config Config) (*MinioStore, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.Secure,
		Region: config.Region,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating object store client")
	}
	if config.Scheme == "" {
		config.Scheme = "s3"
	}
	return &MinioStore{client: client, config: config}, nil
}

func (s *MinioStore) Locate(jobId string, seq int) (string, string) {
	return s.config.Scheme, locationUri(s.config.Scheme, s.config.Bucket, jobId, seq)
}

func (s *MinioStore) Put(ctx context.Context, uri string, objectPath string, body io.Reader, size int64) error {
	bucket, prefix, err := splitUri(uri)
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, bucket, path.Join(prefix, objectPath), body, size, minio.PutObjectOptions{})
	return errors.Wrapf(err, "uploading %s", objectPath)
}

func (s *MinioStore) List(ctx context.Context, uri string) ([]ObjectInfo, error) {
	bucket, prefix, err := splitUri(uri)
	if err != nil {
		return nil, err
	}
	var infos []ObjectInfo
	for object := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if object.Err != nil {
			return nil, errors.Wrap(object.Err, "listing artifacts")
		}
		infos = append(infos, ObjectInfo{
			Path: strings.TrimPrefix(object.Key, prefix),
			Size: object.Size,
		})
	}
	return infos, nil
}

func (s *MinioStore) SignedGetUrl(ctx context.Context, uri string, objectPath string, expiry time.Duration) (string, error) {
	bucket, prefix, err := splitUri(uri)
	if err != nil {
		return "", err
	}
	if expiry <= 0 {
		expiry = s.config.SignedUrlExpiry
	}
	signed, err := s.client.PresignedGetObject(ctx, bucket, path.Join(prefix, objectPath), expiry, url.Values{})
	if err != nil {
		return "", errors.Wrapf(err, "signing url for %s", objectPath)
	}
	return signed.String(), nil
}
