package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

// InMemoryStore is a test double holding artifacts in a map.
type InMemoryStore struct {
	Bucket string

	mu      sync.Mutex
	objects map[string][]byte
}

func NewInMemoryStore(bucket string) *InMemoryStore {
	return &InMemoryStore{Bucket: bucket, objects: map[string][]byte{}}
}

func (s *InMemoryStore) Locate(jobId string, seq int) (string, string) {
	return "mem", locationUri("mem", s.Bucket, jobId, seq)
}

func (s *InMemoryStore) Put(ctx context.Context, uri string, objectPath string, body io.Reader, size int64) error {
	_, prefix, err := splitUri(uri)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path.Join(prefix, objectPath)] = data
	return nil
}

func (s *InMemoryStore) List(ctx context.Context, uri string) ([]ObjectInfo, error) {
	_, prefix, err := splitUri(uri)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []ObjectInfo
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			infos = append(infos, ObjectInfo{Path: strings.TrimPrefix(key, prefix), Size: int64(len(data))})
		}
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

func (s *InMemoryStore) SignedGetUrl(ctx context.Context, uri string, objectPath string, expiry time.Duration) (string, error) {
	_, prefix, err := splitUri(uri)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("https://signed.invalid/%s?expiry=%ds", path.Join(prefix, objectPath), int(expiry.Seconds())), nil
}

// Object returns a stored artifact's bytes, for assertions.
func (s *InMemoryStore) Object(uri string, objectPath string) ([]byte, bool) {
	_, prefix, err := splitUri(uri)
	if err != nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[path.Join(prefix, objectPath)]
	return data, ok
}
