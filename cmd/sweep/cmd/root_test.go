package cmd

import (
	"context"
	"strings"
	"testing"

	"github.com/sweeplab/sweep/storage"
)

func TestOpenStoreFlagOverride(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	storeURL = "mem:"
	defer func() { storeURL = "" }()

	store, cfg, err := openStore()
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	defer storage.Close(store)

	if cfg == nil {
		t.Fatal("expected effective configuration")
	}
	if _, ok := store.(*storage.MemStore); !ok {
		t.Fatalf("expected MemStore, got %T", store)
	}

	b, err := browse(store)
	if err != nil {
		t.Fatalf("browse: %v", err)
	}
	names, err := b.Trajectories(context.Background())
	if err != nil {
		t.Fatalf("Trajectories: %v", err)
	}
	if len(names) != 0 {
		t.Errorf("expected empty store, got %v", names)
	}
}

// opaqueService satisfies the storage contract without enumeration.
type opaqueService struct{ storage.Service }

func TestBrowseRejectsOpaqueBackend(t *testing.T) {
	_, err := browse(opaqueService{})
	if err == nil || !strings.Contains(err.Error(), "cannot list") {
		t.Errorf("expected listing error, got %v", err)
	}
}
