package storage

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

func init() {
	Register("mem", func(string) (Service, error) {
		return NewMemStore(), nil
	})
}

// MemStore keeps everything in process memory. It backs fast sweeps that do
// not need durability and most of the test suite. Items are stored in
// encoded form, so a stored item does not alias live trajectory state.
type MemStore struct {
	mu    sync.Mutex
	trajs map[string]map[string]trajectory.ItemEnvelope
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{trajs: make(map[string]map[string]trajectory.ItemEnvelope)}
}

var _ Service = (*MemStore)(nil)

func (s *MemStore) bucket(name string) map[string]trajectory.ItemEnvelope {
	b, ok := s.trajs[name]
	if !ok {
		b = make(map[string]trajectory.ItemEnvelope)
		s.trajs[name] = b
	}
	return b
}

// Store encodes and keeps the items, in order.
func (s *MemStore) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	envs, err := trajectory.EncodeItems(items)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucket(tc.Trajectory)
	for _, env := range envs {
		b[env.Path] = env
	}
	return nil
}

// Load returns decoded copies of the requested items.
func (s *MemStore) Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error) {
	s.mu.Lock()
	envs := make([]trajectory.ItemEnvelope, 0, len(keys))
	b := s.trajs[tc.Trajectory]
	for _, key := range keys {
		env, ok := b[key]
		if !ok {
			s.mu.Unlock()
			return nil, sweeperr.StorageNotFound(key)
		}
		envs = append(envs, env)
	}
	s.mu.Unlock()
	return trajectory.DecodeItems(envs)
}

// Remove deletes an item, and with cascade its whole subtree.
func (s *MemStore) Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.trajs[tc.Trajectory]
	if b == nil {
		return sweeperr.StorageNotFound(key)
	}
	removed := false
	if _, ok := b[key]; ok {
		delete(b, key)
		removed = true
	}
	if cascade {
		prefix := key + "."
		for path := range b {
			if strings.HasPrefix(path, prefix) {
				delete(b, path)
				removed = true
			}
		}
	}
	if !removed {
		return sweeperr.StorageNotFound(key)
	}
	return nil
}

// IsRunCompleted answers from the stored run descriptor. A run never
// stored is simply not completed.
func (s *MemStore) IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error) {
	path := "runs." + trajectory.FormatRunName(idx)
	s.mu.Lock()
	env, ok := s.trajs[trajectoryName][path]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	var desc trajectory.RunDescriptor
	if err := desc.Decode(env.Data); err != nil {
		return false, err
	}
	return desc.Completed, nil
}

var _ Browser = (*MemStore)(nil)

// Trajectories lists the stored trajectory names, sorted.
func (s *MemStore) Trajectories(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.trajs))
	for name := range s.trajs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Keys lists the stored paths of a trajectory, sorted. The backing map
// keeps no insertion order.
func (s *MemStore) Keys(ctx context.Context, trajectoryName string) ([]string, error) {
	paths := s.Paths(trajectoryName)
	sort.Strings(paths)
	return paths, nil
}

// Len reports how many items are stored for a trajectory.
func (s *MemStore) Len(trajectoryName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trajs[trajectoryName])
}

// Paths returns the stored paths of a trajectory, unordered.
func (s *MemStore) Paths(trajectoryName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	paths := make([]string, 0, len(s.trajs[trajectoryName]))
	for p := range s.trajs[trajectoryName] {
		paths = append(paths, p)
	}
	return paths
}
