package trajectory

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/sweeplab/sweep/sweeperr"
)

// IdxTrajectory is the sentinel run index meaning "no run selected"; the
// trajectory is then addressed at sweep level, outside any single run.
const IdxTrajectory = -1

// FormatRunName returns the canonical name of run idx, run_00000000 style.
// The sentinel index maps to the trajectory-level name.
func FormatRunName(idx int) string {
	if idx == IdxTrajectory {
		return "trajectory"
	}
	return fmt.Sprintf("run_%08d", idx)
}

// ParseRunName is the inverse of FormatRunName. The trajectory-level name
// maps back to the sentinel index.
func ParseRunName(name string) (int, error) {
	if name == "trajectory" {
		return IdxTrajectory, nil
	}
	rest, ok := strings.CutPrefix(name, "run_")
	if !ok {
		return 0, fmt.Errorf("not a run name: %q", name)
	}
	idx, err := strconv.Atoi(rest)
	if err != nil || idx < 0 {
		return 0, fmt.Errorf("not a run name: %q", name)
	}
	return idx, nil
}

// RunDescriptor identifies one point of the sweep. It is created when the
// parameter space is fixed and never changes afterwards, except for the
// Completed flag, which flips to true only once the run's results are
// durably stored. The descriptor doubles as the item whose durable copy
// answers completion queries after a crash.
type RunDescriptor struct {
	Index     int    `json:"index"`
	TotalRuns int    `json:"total_runs"`
	Completed bool   `json:"completed"`
	Name      string `json:"name"`
}

// Path returns the descriptor's tree path, runs.run_00000000 style.
func (d *RunDescriptor) Path() string { return "runs." + d.Name }

// Kind returns KindRun.
func (d *RunDescriptor) Kind() Kind { return KindRun }

// Encode serializes the descriptor.
func (d *RunDescriptor) Encode() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, sweeperr.SerializeItem(d.Path(), err)
	}
	return data, nil
}

// Decode restores the descriptor.
func (d *RunDescriptor) Decode(data []byte) error {
	if err := json.Unmarshal(data, d); err != nil {
		return sweeperr.SerializeItem("run descriptor", err)
	}
	return nil
}

// RunView is the face of the trajectory a task function sees while one run
// is active: parameter reads resolve to that run's explored values, and
// results added through the view land in the run's namespace and are
// remembered so the executor can store exactly what the run produced.
type RunView struct {
	traj  *Trajectory
	desc  *RunDescriptor
	added []Item
}

// Index returns the run index.
func (v *RunView) Index() int { return v.desc.Index }

// Name returns the canonical run name.
func (v *RunView) Name() string { return v.desc.Name }

// TotalRuns returns the size of the run table.
func (v *RunView) TotalRuns() int { return v.desc.TotalRuns }

// Trajectory returns the underlying trajectory.
func (v *RunView) Trajectory() *Trajectory { return v.traj }

// Value resolves a parameter or config path to its value in this run.
func (v *RunView) Value(path string) (any, error) {
	item, err := v.traj.Get(path)
	if err != nil {
		return nil, err
	}
	p, ok := item.(*Parameter)
	if !ok {
		return nil, fmt.Errorf("%s is not a parameter", path)
	}
	return p.ValueAt(v.desc.Index), nil
}

// MustValue is Value for paths the caller knows exist; it panics otherwise.
func (v *RunView) MustValue(path string) any {
	val, err := v.Value(path)
	if err != nil {
		panic(err)
	}
	return val
}

// AddResult records a result in this run's namespace,
// results.runs.<run>.<path>, and marks it for storage.
func (v *RunView) AddResult(path string, value any) (*Result, error) {
	full := fmt.Sprintf("results.runs.%s.%s", v.desc.Name, path)
	res := NewResult(full, value)
	if err := v.traj.addItem(res); err != nil {
		return nil, err
	}
	v.added = append(v.added, res)
	return res, nil
}

// NewItems returns the items added through this view, in insertion order.
func (v *RunView) NewItems() []Item {
	return append([]Item(nil), v.added...)
}

// Finish deselects the run on the underlying trajectory. The executor calls
// this when the run's storage is settled.
func (v *RunView) Finish() {
	v.traj.setRunIndex(IdxTrajectory)
}
