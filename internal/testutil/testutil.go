// Package testutil provides shared test doubles for the storage and
// orchestration tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/trajectory"
)

// TrackingService wraps a backend and watches for concurrent entry. The
// single-writer tests wrap the real backend with it and assert that
// Overlaps stays zero no matter how the workers interleave.
type TrackingService struct {
	backend storage.Service

	inside   int32
	overlaps int32

	mu     sync.Mutex
	stores []string // trajectory paths of stored run records, in apply order
}

// NewTrackingService wraps a backend.
func NewTrackingService(backend storage.Service) *TrackingService {
	return &TrackingService{backend: backend}
}

var _ storage.Service = (*TrackingService)(nil)

// Overlaps reports how many calls entered while another was in flight.
func (s *TrackingService) Overlaps() int {
	return int(atomic.LoadInt32(&s.overlaps))
}

// StoreOrder returns the paths of run records in the order their store
// calls were applied.
func (s *TrackingService) StoreOrder() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stores...)
}

func (s *TrackingService) enter() {
	if !atomic.CompareAndSwapInt32(&s.inside, 0, 1) {
		atomic.AddInt32(&s.overlaps, 1)
	}
}

func (s *TrackingService) leave() {
	atomic.StoreInt32(&s.inside, 0)
}

// Store tracks entry and records the batch before delegating.
func (s *TrackingService) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	s.enter()
	defer s.leave()

	s.mu.Lock()
	for _, item := range items {
		if item.Kind() == trajectory.KindRun {
			s.stores = append(s.stores, item.Path())
		}
	}
	s.mu.Unlock()

	return s.backend.Store(ctx, tc, items)
}

// Load tracks entry and delegates.
func (s *TrackingService) Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error) {
	s.enter()
	defer s.leave()
	return s.backend.Load(ctx, tc, keys)
}

// Remove tracks entry and delegates.
func (s *TrackingService) Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error {
	s.enter()
	defer s.leave()
	return s.backend.Remove(ctx, tc, key, cascade)
}

// IsRunCompleted tracks entry and delegates.
func (s *TrackingService) IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error) {
	s.enter()
	defer s.leave()
	return s.backend.IsRunCompleted(ctx, trajectoryName, idx)
}

// FailingService delegates to a backend but fails selected operations.
// The storage-failure tests use it to poison a single run's store.
type FailingService struct {
	storage.Service

	mu       sync.Mutex
	failKeys map[string]error
}

// NewFailingService wraps a backend.
func NewFailingService(backend storage.Service) *FailingService {
	return &FailingService{Service: backend, failKeys: make(map[string]error)}
}

// FailPath makes any Store batch containing an item at path fail with err.
func (s *FailingService) FailPath(path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failKeys[path] = err
}

// ClearPath lifts the failure on path again.
func (s *FailingService) ClearPath(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.failKeys, path)
}

// Store fails if the batch touches a poisoned path, otherwise delegates.
func (s *FailingService) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	s.mu.Lock()
	var failure error
	for _, item := range items {
		if err, ok := s.failKeys[item.Path()]; ok {
			failure = err
			break
		}
	}
	s.mu.Unlock()
	if failure != nil {
		return failure
	}
	return s.Service.Store(ctx, tc, items)
}
