package trajectory

import (
	"testing"
)

func TestSnapshotRoundTrip(t *testing.T) {
	traj := New("snapdemo")
	traj.SetComment("a sweep")
	traj.SetFullCopy(true)
	if _, err := traj.AddParameter("x", 1.5); err != nil {
		t.Fatalf("AddParameter failed: %v", err)
	}
	if _, err := traj.AddConfig("environment.wrap_mode", "lock"); err != nil {
		t.Fatalf("AddConfig failed: %v", err)
	}
	if err := traj.Explore([]Axis{{Path: "x", Values: []any{1.0, 2.0, 3.0}}}); err != nil {
		t.Fatalf("Explore failed: %v", err)
	}
	if err := traj.MarkCompleted(1); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}

	blob, err := traj.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	restored, err := FromSnapshot(blob)
	if err != nil {
		t.Fatalf("FromSnapshot failed: %v", err)
	}

	if restored.Name() != "snapdemo" || restored.Comment() != "a sweep" {
		t.Errorf("identity lost: %s / %s", restored.Name(), restored.Comment())
	}
	if !restored.FullCopy() {
		t.Errorf("full copy flag lost")
	}
	if restored.Len() != 3 {
		t.Fatalf("Len = %d, want 3", restored.Len())
	}
	if restored.RunIndex() != IdxTrajectory {
		t.Errorf("restored trajectory has a run selected")
	}
	if restored.StorageService() != nil {
		t.Errorf("storage service should not travel in snapshots")
	}

	desc, err := restored.Run(1)
	if err != nil {
		t.Fatalf("Run(1) failed: %v", err)
	}
	if !desc.Completed {
		t.Errorf("completion flag lost")
	}

	item, err := restored.Get("x")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	p := item.(*Parameter)
	if !p.Explored() {
		t.Fatalf("explored range lost")
	}
	if got := p.ValueAt(2); got != 3.0 {
		t.Errorf("x at run 2 = %v, want 3.0", got)
	}

	cfg, err := restored.Get("config.environment.wrap_mode")
	if err != nil {
		t.Fatalf("Get config failed: %v", err)
	}
	if cfg.Kind() != KindConfig {
		t.Errorf("config kind lost: %s", cfg.Kind())
	}

	if got := restored.ExploredPaths(); len(got) != 1 || got[0] != "parameters.x" {
		t.Errorf("ExploredPaths = %v", got)
	}
}

func TestEncodeDecodeItems(t *testing.T) {
	items := []Item{
		NewParameter("parameters.a", 1),
		NewResult("results.b", map[string]any{"mean": 0.5}),
		&RunDescriptor{Index: 0, TotalRuns: 2, Completed: true, Name: FormatRunName(0)},
	}

	envs, err := EncodeItems(items)
	if err != nil {
		t.Fatalf("EncodeItems failed: %v", err)
	}
	if len(envs) != 3 {
		t.Fatalf("len = %d", len(envs))
	}
	if envs[2].Kind != KindRun || envs[2].Path != "runs.run_00000000" {
		t.Errorf("run envelope = %+v", envs[2])
	}

	back, err := DecodeItems(envs)
	if err != nil {
		t.Fatalf("DecodeItems failed: %v", err)
	}
	desc, ok := back[2].(*RunDescriptor)
	if !ok || !desc.Completed || desc.TotalRuns != 2 {
		t.Errorf("descriptor lost in transit: %+v", back[2])
	}
	res, ok := back[1].(*Result)
	if !ok {
		t.Fatalf("result type lost")
	}
	m, ok := res.Value().(map[string]any)
	if !ok || m["mean"] != 0.5 {
		t.Errorf("result value = %v", res.Value())
	}
}

func TestDecodeItems_UnknownKind(t *testing.T) {
	_, err := DecodeItems([]ItemEnvelope{{Kind: "blob", Path: "x", Data: []byte("{}")}})
	if err == nil {
		t.Errorf("unknown kind should fail")
	}
}

func TestFromSnapshot_Garbage(t *testing.T) {
	if _, err := FromSnapshot([]byte("not json")); err == nil {
		t.Errorf("garbage snapshot should fail")
	}
}
