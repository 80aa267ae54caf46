// Package storage provides the persistence backends for sweeps and the two
// concurrency wrappers that make a single-writer backend usable from many
// processes: the serializing lock wrapper and the queue relay sender (see
// package relay for the writer half).
package storage

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// Service is the contract every backend satisfies. A successful Store means
// the items are durable and visible to Load and IsRunCompleted calls issued
// afterwards by the same caller; there is no asynchronous lag the storing
// caller can observe.
type Service interface {
	Store(ctx context.Context, tc trajectory.Context, items []trajectory.Item) error
	Load(ctx context.Context, tc trajectory.Context, keys []string) ([]trajectory.Item, error)
	Remove(ctx context.Context, tc trajectory.Context, key string, cascade bool) error
	IsRunCompleted(ctx context.Context, trajectoryName string, idx int) (bool, error)
}

// Every Service also satisfies what the trajectory expects from its
// installed handle.
var _ trajectory.StorageService = (Service)(nil)

// Locator is implemented by backends whose store lives at an on-disk
// location. The orchestrator co-locates continuation records with it.
type Locator interface {
	Dir() string
}

// Browser is implemented by backends that can enumerate their contents.
// Inspection tooling uses it; the sweep machinery itself never does,
// every path it touches is known from the trajectory.
type Browser interface {
	// Trajectories lists the stored trajectory names, sorted.
	Trajectories(ctx context.Context) ([]string, error)
	// Keys lists the item paths of one trajectory, in store order where
	// the backend keeps one.
	Keys(ctx context.Context, trajectoryName string) ([]string, error)
}

// Factory constructs a backend from the location part of a store URL.
type Factory func(location string) (Service, error)

var (
	regMu    sync.RWMutex
	registry = make(map[string]Factory)
)

// Register installs a backend constructor for a URL scheme. Backends
// register themselves at init time; Register panics on a duplicate scheme
// so a wiring mistake surfaces immediately.
func Register(scheme string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[scheme]; dup {
		panic("storage: scheme registered twice: " + scheme)
	}
	registry[scheme] = f
}

// ParseURL splits a store URL into scheme and location. The location may
// carry an optional // prefix, so "file://x", "file:x" and
// "mysql://user:pw@tcp(host)/db" all parse naturally.
func ParseURL(storeURL string) (scheme, location string, err error) {
	i := strings.Index(storeURL, ":")
	if i <= 0 {
		return "", "", sweeperr.ConfigInvalidValue("store.url", storeURL, "missing scheme")
	}
	scheme = storeURL[:i]
	location = strings.TrimPrefix(storeURL[i+1:], "//")
	return scheme, location, nil
}

// Open resolves a store URL against the registry and constructs the
// backend. Resolution happens once, when the environment is configured,
// never per call.
func Open(storeURL string) (Service, error) {
	scheme, location, err := ParseURL(storeURL)
	if err != nil {
		return nil, err
	}
	regMu.RLock()
	factory, ok := registry[scheme]
	regMu.RUnlock()
	if !ok {
		return nil, sweeperr.StorageScheme(scheme)
	}
	return factory(location)
}

// Close shuts a backend down if it holds resources.
func Close(s Service) error {
	if c, ok := s.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
