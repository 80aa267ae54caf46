package environment

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

func TestWorkerManifest_RoundTrip(t *testing.T) {
	traj := exploredTrajectory(t, "manifest_rt", 2)
	snap, err := traj.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	in := &workerManifest{
		Task:       "wb-noop",
		Args:       Args{Keyword: map[string]any{"depth": 3.0}},
		WrapMode:   config.WrapQueue,
		StoreURL:   "file:" + filepath.Join(dir, "store"),
		SocketPath: filepath.Join(dir, "relay.sock"),
		WorkDir:    dir,
		LogsDir:    filepath.Join(dir, "logs"),
		LogLevel:   config.LogLevelDebug,
		LogFormat:  config.LogFormatJSON,
		Trajectory: snap,
	}

	e := &Environment{
		cfg:      config.Default(),
		traj:     traj,
		taskName: in.Task,
		args:     in.Args,
		baseDir:  dir,
	}
	e.cfg.Environment.WrapMode = in.WrapMode
	e.cfg.Store.URL = in.StoreURL
	e.cfg.Paths.WorkDir = dir
	e.cfg.Paths.LogsDir = in.LogsDir
	e.cfg.Logging.Level = in.LogLevel
	e.cfg.Logging.Format = in.LogFormat

	path, err := e.writeManifest(in.SocketPath, "")
	if err != nil {
		t.Fatalf("writeManifest: %v", err)
	}
	if path != manifestPath(dir, "manifest_rt") {
		t.Errorf("manifest at %s, want %s", path, manifestPath(dir, "manifest_rt"))
	}

	out, err := readManifest(path)
	if err != nil {
		t.Fatalf("readManifest: %v", err)
	}
	if out.Task != in.Task || out.WrapMode != in.WrapMode || out.SocketPath != in.SocketPath {
		t.Errorf("manifest round trip lost fields: %+v", out)
	}
	if out.Args.Keyword["depth"] != 3.0 {
		t.Errorf("args lost: %+v", out.Args)
	}
	restored, err := trajectory.FromSnapshot(out.Trajectory)
	if err != nil {
		t.Fatalf("snapshot in manifest unusable: %v", err)
	}
	if restored.Len() != 2 {
		t.Errorf("restored trajectory has %d runs, want 2", restored.Len())
	}
}

func TestWorkerResult_RoundTrip(t *testing.T) {
	dir := t.TempDir()

	t.Run("success", func(t *testing.T) {
		path := workerResultPath(dir, "wr", 0)
		in := &workerResult{Index: 0, Value: 42.0, Completed: true}
		if err := writeWorkerResult(path, in); err != nil {
			t.Fatalf("write: %v", err)
		}
		out, err := readWorkerResult(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if out.Value != 42.0 || !out.Completed {
			t.Errorf("round trip lost fields: %+v", out)
		}
		if err := workerError(out); err != nil {
			t.Errorf("workerError on success = %v", err)
		}
	})

	t.Run("tagged failure", func(t *testing.T) {
		path := workerResultPath(dir, "wr", 1)
		in := &workerResult{Index: 1, ErrorCode: sweeperr.CodeRunFailed, Error: "run 1 (run_00000001) failed: boom"}
		if err := writeWorkerResult(path, in); err != nil {
			t.Fatalf("write: %v", err)
		}
		out, err := readWorkerResult(path)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if !sweeperr.HasCode(workerError(out), sweeperr.CodeRunFailed) {
			t.Errorf("workerError = %v, want code %s", workerError(out), sweeperr.CodeRunFailed)
		}
	})

	t.Run("untagged failure", func(t *testing.T) {
		err := workerError(&workerResult{Error: "plain breakage"})
		if err == nil || err.Error() != "plain breakage" {
			t.Errorf("workerError = %v, want plain breakage", err)
		}
	})
}

func TestFirstFailure(t *testing.T) {
	runFail := sweeperr.RunFailed(2, "run_00000002", errors.New("boom"))

	tests := []struct {
		name    string
		results []RunResult
		want    error
	}{
		{
			name:    "no failures",
			results: []RunResult{{Index: 0}, {Index: 1}},
			want:    nil,
		},
		{
			name: "run failure beats cancellation noise",
			results: []RunResult{
				{Index: 0, Err: context.Canceled},
				{Index: 1},
				{Index: 2, Err: runFail},
			},
			want: runFail,
		},
		{
			name: "cancellation only",
			results: []RunResult{
				{Index: 0, Err: context.Canceled},
				{Index: 1, Err: context.Canceled},
			},
			want: context.Canceled,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := firstFailure(tt.results); !errors.Is(got, tt.want) && got != tt.want {
				t.Errorf("firstFailure = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPhase(t *testing.T) {
	for _, p := range []Phase{PhaseInitialized, PhaseResuming, PhaseDispatching, PhaseRunning, PhaseFinalizing, PhaseDone} {
		if !p.Valid() {
			t.Errorf("%s should be valid", p)
		}
	}
	if Phase("launched").Valid() {
		t.Error("unknown phase should be invalid")
	}
	if PhaseRunning.IsTerminal() {
		t.Error("running is not terminal")
	}
	if !PhaseDone.IsTerminal() {
		t.Error("done is terminal")
	}
}
