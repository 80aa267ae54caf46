package storage

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// lockRetryInterval paces the non-blocking flock attempts while another
// process holds the store lock.
const lockRetryInterval = 5 * time.Millisecond

// acquireFlock takes an exclusive lock on path, waiting until it is free
// or ctx is done. Each acquisition opens its own descriptor, so separate
// goroutines of one process exclude each other the same way separate
// processes do.
func acquireFlock(ctx context.Context, path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	for {
		err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			return file, nil
		}
		if err != syscall.EWOULDBLOCK && err != syscall.EAGAIN {
			file.Close()
			return nil, fmt.Errorf("flock: %w", err)
		}
		select {
		case <-ctx.Done():
			file.Close()
			return nil, ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}
}

// releaseFlock drops the lock and closes the descriptor. The lock file
// itself stays on disk; unlinking a contended lock file would let two
// holders coexist.
func releaseFlock(file *os.File) {
	syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
	file.Close()
}

// WithStoreLock runs fn while holding the cross-process store lock. The
// lock wrapper takes the same file, so a worker that opens its backend
// inside fn cannot race another worker's in-flight write with the crash
// recovery that runs at open.
func WithStoreLock(ctx context.Context, lockPath string, fn func() error) error {
	file, err := acquireFlock(ctx, lockPath)
	if err != nil {
		return sweeperr.StorageLock(lockPath, err)
	}
	defer releaseFlock(file)
	return fn()
}

// LockWrapper decorates a backend with a cross-process mutual exclusion
// gate. Every operation acquires the shared flock, delegates, and releases
// on every exit path, so backend mutations across the worker pool happen in
// the order lock acquisitions succeed. Backend errors pass through
// unchanged after the release; retrying is the orchestrator's decision,
// not this layer's.
type LockWrapper struct {
	backend  Service
	lockPath string
	mu       sync.Mutex
}

// NewLockWrapper wraps a backend with the lock at lockPath. All processes
// of one sweep must be given the same path.
func NewLockWrapper(backend Service, lockPath string) *LockWrapper {
	return &LockWrapper{backend: backend, lockPath: lockPath}
}

var _ Service = (*LockWrapper)(nil)

// Backend returns the wrapped service.
func (w *LockWrapper) Backend() Service { return w.backend }

// LockPath returns the shared lock file path.
func (w *LockWrapper) LockPath() string { return w.lockPath }

func (w *LockWrapper) withLock(ctx context.Context, fn func() error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := acquireFlock(ctx, w.lockPath)
	if err != nil {
		return sweeperr.StorageLock(w.lockPath, err)
	}
	defer releaseFlock(file)

	return fn()
}

// Store delegates under the lock.
func (w *LockWrapper) Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error {
	return w.withLock(ctx, func() error {
		return w.backend.Store(ctx, tc, items)
	})
}

// Load delegates under the lock.
func (w *LockWrapper) Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error) {
	var items []trajectory.Item
	err := w.withLock(ctx, func() error {
		var inner error
		items, inner = w.backend.Load(ctx, tc, keys)
		return inner
	})
	return items, err
}

// Remove delegates under the lock.
func (w *LockWrapper) Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error {
	return w.withLock(ctx, func() error {
		return w.backend.Remove(ctx, tc, key, cascade)
	})
}

// IsRunCompleted delegates under the lock.
func (w *LockWrapper) IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error) {
	var completed bool
	err := w.withLock(ctx, func() error {
		var inner error
		completed, inner = w.backend.IsRunCompleted(ctx, trajectoryName, idx)
		return inner
	})
	return completed, err
}
