package environment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// RunResult is what the orchestrator collects for one dispatched run. The
// Value is the task's live return value, not something read back from
// storage; for runs executed in a worker process it has passed through a
// JSON round trip. A failed run carries its tagged error in Err and is
// left not completed, so a later resume picks it up again.
type RunResult struct {
	Index int
	Name  string
	Value any
	Err   error
}

// Failed reports whether the run ended with an error.
func (r RunResult) Failed() bool {
	return r.Err != nil
}

// executeRun performs the per-run procedure against the trajectory's
// installed storage service: select the run, invoke the task, store
// everything the task added with the completed run record as the final
// item, and deselect the run. Any failure comes back as a tagged run
// error; the run's completion flag then stays false both in memory and
// in the store.
func executeRun(ctx context.Context, traj *trajectory.Trajectory, idx int, task TaskFunc, args Args, logger *slog.Logger) (any, error) {
	name := trajectory.FormatRunName(idx)
	logger = logging.WithRun(logger, idx, name)

	view, err := traj.MakeRun(idx)
	if err != nil {
		return nil, sweeperr.RunFailed(idx, name, err)
	}
	defer view.Finish()

	logger.Info("run starting")

	value, err := invokeTask(ctx, task, view, args)
	if err != nil {
		logger.Error("run task failed", "error", err)
		return nil, sweeperr.RunFailed(idx, name, err)
	}

	service := traj.StorageService()
	if service == nil {
		return nil, sweeperr.RunFailed(idx, name, fmt.Errorf("no storage service installed"))
	}

	// The run record goes last: it only becomes durable together with the
	// run's results, and its completed flag is what a resume trusts.
	record := &trajectory.RunDescriptor{
		Index:     idx,
		TotalRuns: view.TotalRuns(),
		Completed: true,
		Name:      name,
	}
	items := append(view.NewItems(), record)

	if err := service.Store(ctx, traj.Context(), items); err != nil {
		logger.Error("run storage failed", "error", err)
		return nil, sweeperr.RunFailed(idx, name, err)
	}

	if err := traj.MarkCompleted(idx); err != nil {
		return nil, sweeperr.RunFailed(idx, name, err)
	}

	logger.Info("run completed", "items", len(items))
	return value, nil
}

// invokeTask calls the task and converts a panic into an error, so one
// misbehaving run cannot take the dispatcher down with it.
func invokeTask(ctx context.Context, task TaskFunc, view *trajectory.RunView, args Args) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx, view, args)
}
