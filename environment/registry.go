package environment

import (
	"context"
	"sync"

	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// TaskFunc is the user-supplied work of one run. It receives the run view
// of the trajectory and the sweep's extra arguments; whatever it returns
// is collected by the orchestrator, not persisted. Results meant to be
// durable go through view.AddResult.
type TaskFunc func(ctx context.Context, view *trajectory.RunView, args Args) (any, error)

var (
	taskMu sync.RWMutex
	tasks  = make(map[string]TaskFunc)
)

// RegisterTask installs a task under a name. Worker processes look tasks
// up by name, so registration must happen at init time in code linked
// into the binary, before Init runs. Register panics on a duplicate name
// so a wiring mistake surfaces immediately.
func RegisterTask(name string, fn TaskFunc) {
	taskMu.Lock()
	defer taskMu.Unlock()
	if _, dup := tasks[name]; dup {
		panic("environment: task registered twice: " + name)
	}
	tasks[name] = fn
}

// LookupTask resolves a task name.
func LookupTask(name string) (TaskFunc, error) {
	taskMu.RLock()
	fn, ok := tasks[name]
	taskMu.RUnlock()
	if !ok {
		return nil, sweeperr.RunNotRegistered(name)
	}
	return fn, nil
}

// RegisteredTasks returns the registered task names, for diagnostics.
func RegisteredTasks() []string {
	taskMu.RLock()
	defer taskMu.RUnlock()
	names := make([]string, 0, len(tasks))
	for name := range tasks {
		names = append(names, name)
	}
	return names
}
