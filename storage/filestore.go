package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

func init() {
	Register("file", func(location string) (Service, error) {
		return NewFileStore(location)
	})
}

// fileItem is the on-disk form of one item. The payload stays a JSON
// string, so the YAML document remains diffable and the item codec stays
// in one place.
type fileItem struct {
	Kind string `yaml:"kind"`
	Path string `yaml:"path"`
	Data string `yaml:"data"`
}

// fileDoc is one trajectory's YAML document. Items keep their insertion
// order; a re-stored item is updated in place.
type fileDoc struct {
	Trajectory string     `yaml:"trajectory"`
	Items      []fileItem `yaml:"items"`
}

// FileStore persists each trajectory as one YAML file in a directory,
// with atomic write-then-rename updates. It is the default backend. The
// internal mutex serializes callers within this process; cross-process
// safety is the wrappers' business.
type FileStore struct {
	mu  sync.Mutex
	dir string
}

// NewFileStore creates the directory if needed and recovers from any
// write that was interrupted by a crash.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, sweeperr.ConfigInvalidValue("store.url", dir, "file store needs a directory")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating store dir: %w", err)
	}
	if err := recoverInterruptedWrites(dir); err != nil {
		return nil, fmt.Errorf("recovering interrupted writes: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

var _ Service = (*FileStore)(nil)
var _ Locator = (*FileStore)(nil)

// Dir returns the store directory.
func (s *FileStore) Dir() string { return s.dir }

// TrajectoryPath returns the YAML file of a trajectory.
func (s *FileStore) TrajectoryPath(name string) string {
	return filepath.Join(s.dir, name+".yaml")
}

// recoverInterruptedWrites handles .tmp files left from crashed writes.
func recoverInterruptedWrites(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), ".yaml.tmp") {
			continue
		}
		tmpPath := filepath.Join(dir, entry.Name())
		mainPath := strings.TrimSuffix(tmpPath, ".tmp")
		if _, err := os.Stat(mainPath); err == nil {
			// Main file exists, delete orphan temp
			os.Remove(tmpPath)
		} else {
			// Main file missing, promote temp
			os.Rename(tmpPath, mainPath)
		}
	}
	return nil
}

func (s *FileStore) readDoc(name string) (*fileDoc, error) {
	data, err := os.ReadFile(s.TrajectoryPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return &fileDoc{Trajectory: name}, nil
		}
		return nil, err
	}
	var doc fileDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing store file for %s: %w", name, err)
	}
	return &doc, nil
}

// writeDoc persists the document atomically (write-then-rename).
func (s *FileStore) writeDoc(name string, doc *fileDoc) error {
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshaling store file: %w", err)
	}

	mainPath := s.TrajectoryPath(name)
	tmpPath := mainPath + ".tmp"

	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, mainPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Store merges the items into the trajectory's document, in call order,
// and rewrites it atomically. The whole batch becomes visible with the
// final rename, or not at all.
func (s *FileStore) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	envs, err := trajectory.EncodeItems(items)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(tc.Trajectory)
	if err != nil {
		return sweeperr.StorageFailed("store", err)
	}

	index := make(map[string]int, len(doc.Items))
	for i, it := range doc.Items {
		index[it.Path] = i
	}
	for _, env := range envs {
		fi := fileItem{Kind: string(env.Kind), Path: env.Path, Data: string(env.Data)}
		if i, ok := index[env.Path]; ok {
			doc.Items[i] = fi
		} else {
			index[env.Path] = len(doc.Items)
			doc.Items = append(doc.Items, fi)
		}
	}

	if err := s.writeDoc(tc.Trajectory, doc); err != nil {
		return sweeperr.StorageFailed("store", err)
	}
	return nil
}

// Load retrieves items by full path.
func (s *FileStore) Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error) {
	s.mu.Lock()
	doc, err := s.readDoc(tc.Trajectory)
	s.mu.Unlock()
	if err != nil {
		return nil, sweeperr.StorageFailed("load", err)
	}

	byPath := make(map[string]fileItem, len(doc.Items))
	for _, it := range doc.Items {
		byPath[it.Path] = it
	}

	envs := make([]trajectory.ItemEnvelope, 0, len(keys))
	for _, key := range keys {
		it, ok := byPath[key]
		if !ok {
			return nil, sweeperr.StorageNotFound(key)
		}
		envs = append(envs, trajectory.ItemEnvelope{
			Kind: trajectory.Kind(it.Kind),
			Path: it.Path,
			Data: []byte(it.Data),
		})
	}
	return trajectory.DecodeItems(envs)
}

// Remove deletes an item, and with cascade its whole subtree.
func (s *FileStore) Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.readDoc(tc.Trajectory)
	if err != nil {
		return sweeperr.StorageFailed("remove", err)
	}

	prefix := key + "."
	kept := doc.Items[:0]
	removed := false
	for _, it := range doc.Items {
		if it.Path == key || (cascade && strings.HasPrefix(it.Path, prefix)) {
			removed = true
			continue
		}
		kept = append(kept, it)
	}
	if !removed {
		return sweeperr.StorageNotFound(key)
	}
	doc.Items = kept

	if err := s.writeDoc(tc.Trajectory, doc); err != nil {
		return sweeperr.StorageFailed("remove", err)
	}
	return nil
}

var _ Browser = (*FileStore)(nil)

// Trajectories lists the trajectory files in the store directory, sorted.
func (s *FileStore) Trajectories(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, sweeperr.StorageFailed("trajectories", err)
	}
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".yaml") {
			continue
		}
		names = append(names, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(names)
	return names, nil
}

// Keys lists the item paths of a trajectory in document order.
func (s *FileStore) Keys(ctx context.Context, trajectoryName string) ([]string, error) {
	s.mu.Lock()
	doc, err := s.readDoc(trajectoryName)
	s.mu.Unlock()
	if err != nil {
		return nil, sweeperr.StorageFailed("keys", err)
	}
	keys := make([]string, len(doc.Items))
	for i, it := range doc.Items {
		keys[i] = it.Path
	}
	return keys, nil
}

// IsRunCompleted reads the durable run descriptor. A missing file or a
// never-stored run is simply not completed.
func (s *FileStore) IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error) {
	s.mu.Lock()
	doc, err := s.readDoc(trajectoryName)
	s.mu.Unlock()
	if err != nil {
		return false, sweeperr.StorageFailed("is_run_completed", err)
	}

	want := "runs." + trajectory.FormatRunName(idx)
	for _, it := range doc.Items {
		if it.Path != want {
			continue
		}
		var desc trajectory.RunDescriptor
		if err := desc.Decode([]byte(it.Data)); err != nil {
			return false, err
		}
		return desc.Completed, nil
	}
	return false, nil
}
