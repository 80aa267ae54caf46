package environment

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

func init() {
	RegisterTask("wb-noop", func(ctx context.Context, view *trajectory.RunView, args Args) (any, error) {
		if _, err := view.AddResult("ok", true); err != nil {
			return nil, err
		}
		return view.Index(), nil
	})
}

func exploredTrajectory(t *testing.T, name string, n int) *trajectory.Trajectory {
	t.Helper()
	traj := trajectory.New(name)
	if _, err := traj.AddParameter("v", 0); err != nil {
		t.Fatal(err)
	}
	values := make([]any, n)
	for i := range values {
		values[i] = i
	}
	if err := traj.Explore([]trajectory.Axis{{Path: "parameters.v", Values: values}}); err != nil {
		t.Fatal(err)
	}
	return traj
}

func scratchConfig(t *testing.T) *config.Config {
	t.Helper()
	tmp := t.TempDir()
	cfg := config.Default()
	cfg.Store.URL = "mem:"
	cfg.Paths.LogsDir = filepath.Join(tmp, "logs")
	cfg.Paths.WorkDir = filepath.Join(tmp, "work")
	return cfg
}

func TestContinuationRecord_RoundTrip(t *testing.T) {
	traj := exploredTrajectory(t, "cont_rt", 3)
	snap, err := traj.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	path := ContinuationPath(t.TempDir(), "cont_rt")
	rec := &continuationRecord{
		Trajectory:  snap,
		Task:        "wb-noop",
		Args:        Args{Positional: []any{1.5}, Keyword: map[string]any{"k": "v"}},
		WasFullCopy: true,
		CreatedAt:   time.Now(),
	}
	if err := writeContinuationRecord(path, rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := loadContinuationRecord(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Task != "wb-noop" || !got.WasFullCopy {
		t.Errorf("loaded record %+v does not match", got)
	}
	if got.Args.Keyword["k"] != "v" {
		t.Errorf("keyword args lost: %+v", got.Args)
	}
	restored, err := trajectory.FromSnapshot(got.Trajectory)
	if err != nil {
		t.Fatalf("snapshot in record unusable: %v", err)
	}
	if restored.Name() != "cont_rt" || restored.Len() != 3 {
		t.Errorf("restored trajectory %s with %d runs, want cont_rt with 3", restored.Name(), restored.Len())
	}
}

func TestContinuationRecord_Missing(t *testing.T) {
	_, err := loadContinuationRecord(filepath.Join(t.TempDir(), "nope.cnt"))
	if !sweeperr.HasCode(err, sweeperr.CodeContinuationMissing) {
		t.Errorf("err = %v, want code %s", err, sweeperr.CodeContinuationMissing)
	}
}

func TestContinuationRecord_Corrupt(t *testing.T) {
	t.Run("garbage bytes", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.cnt")
		if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadContinuationRecord(path); !sweeperr.HasCode(err, sweeperr.CodeContinuationCorrupt) {
			t.Errorf("err = %v, want code %s", err, sweeperr.CodeContinuationCorrupt)
		}
	})

	t.Run("missing task", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "empty.cnt")
		if err := os.WriteFile(path, []byte(`{"trajectory":{"name":"x"},"task":""}`), 0644); err != nil {
			t.Fatal(err)
		}
		if _, err := loadContinuationRecord(path); !sweeperr.HasCode(err, sweeperr.CodeContinuationCorrupt) {
			t.Errorf("err = %v, want code %s", err, sweeperr.CodeContinuationCorrupt)
		}
	})
}

// A record can outlive the sweep when the crash lands between the last
// run and the record's removal. Resuming then finds nothing outstanding
// and just retires the record.
func TestResume_NoOutstandingWork(t *testing.T) {
	cfg := scratchConfig(t)
	backend := storage.NewMemStore()
	traj := exploredTrajectory(t, "cont_done", 3)

	env, err := New(cfg, traj, WithBackend(backend), WithLogger(logging.NewForTest()))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := env.Run(context.Background(), "wb-noop", Args{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// Recreate the record a crash would have left behind: a pre-dispatch
	// snapshot with every completion flag still down.
	stale := exploredTrajectory(t, "cont_done", 3)
	snap, err := stale.Snapshot()
	if err != nil {
		t.Fatal(err)
	}
	path := ContinuationPath(cfg.WorkDir("."), "cont_done")
	rec := &continuationRecord{Trajectory: snap, Task: "wb-noop", Args: Args{}, CreatedAt: time.Now()}
	if err := writeContinuationRecord(path, rec); err != nil {
		t.Fatal(err)
	}

	env2, results, err := Resume(context.Background(), cfg, "cont_done",
		WithBackend(backend), WithLogger(logging.NewForTest()))
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("resume executed %d runs, want 0", len(results))
	}
	if env2.Phase() != PhaseDone {
		t.Errorf("phase = %s, want %s", env2.Phase(), PhaseDone)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("record should be retired once nothing is outstanding")
	}
}
