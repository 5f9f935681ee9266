package capacitymanager

import (
	"context"
	"fmt"
	"sync"
)

// ClusterScaler adjusts the size of a worker pool's backing deployment.
type ClusterScaler interface {
	CurrentCapacity(ctx context.Context, namespace string, deployment string) (int32, error)
	ScaleTo(ctx context.Context, namespace string, deployment string, replicas int32) error
}

// FakeClusterScaler records scale commands in memory, for tests and dry runs.
type FakeClusterScaler struct {
	mu       sync.Mutex
	replicas map[string]int32
	Err      error
}

func NewFakeClusterScaler() *FakeClusterScaler {
	return &FakeClusterScaler{replicas: map[string]int32{}}
}

func (s *FakeClusterScaler) CurrentCapacity(ctx context.Context, namespace string, deployment string) (int32, error) {
	if s.Err != nil {
		return 0, s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replicas[scalerKey(namespace, deployment)], nil
}

func (s *FakeClusterScaler) ScaleTo(ctx context.Context, namespace string, deployment string, replicas int32) error {
	if s.Err != nil {
		return s.Err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[scalerKey(namespace, deployment)] = replicas
	return nil
}

func (s *FakeClusterScaler) SetCapacity(namespace string, deployment string, replicas int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replicas[scalerKey(namespace, deployment)] = replicas
}

func scalerKey(namespace string, deployment string) string {
	return fmt.Sprintf("%s/%s", namespace, deployment)
}
