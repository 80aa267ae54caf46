package environment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/relay"
	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// Hidden argv[1] markers for the child roles of this binary. Workers and
// the relay writer are re-executions of the orchestrator's own
// executable; task functions travel by registered name, not by value.
const (
	workerArg = "__sweep-worker"
	relayArg  = "__sweep-relay"
)

// Init hands the process over to its sweep role. Call it first thing in
// main, after task registration: when the process was launched as a
// worker or relay writer it runs that role and exits, otherwise it
// returns immediately.
func Init() {
	if len(os.Args) < 2 {
		return
	}
	switch os.Args[1] {
	case workerArg:
		os.Exit(runWorkerMain(os.Args[2:]))
	case relayArg:
		os.Exit(runRelayMain(os.Args[2:]))
	}
}

// runWorkerMain is the body of a worker process: set up the per-process
// log, rebuild the trajectory, wire the storage service for the wrap
// mode, execute the one run, and leave a result file for the
// orchestrator. Run failures are reported through the result file with a
// zero exit; a nonzero exit means the worker could not even report.
func runWorkerMain(argv []string) int {
	if len(argv) != 2 {
		fmt.Fprintln(os.Stderr, "worker needs a manifest path and a run index")
		return 2
	}
	idx, err := strconv.Atoi(argv[1])
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad run index %q: %v\n", argv[1], err)
		return 2
	}
	m, err := readManifest(argv[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// Log setup comes before any other work and is idempotent per
	// process, so every later step has somewhere to report to.
	logger, err := logging.SetupProcessLog(m.LogFormat, m.LogLevel, m.LogsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logging.CloseProcessLog()

	traj, err := trajectory.FromSnapshot(m.Trajectory)
	if err != nil {
		logger.Error("worker could not rebuild trajectory", "error", err)
		return 1
	}
	logger.Info("worker starting",
		"trajectory", traj.Name(),
		"run_index", idx,
		"task", m.Task,
		"wrap_mode", string(m.WrapMode))

	res := workerRun(context.Background(), m, traj, idx, logger)

	resultPath := workerResultPath(m.WorkDir, traj.Name(), idx)
	if err := writeWorkerResult(resultPath, res); err != nil {
		logger.Error("worker could not write its result", "path", resultPath, "error", err)
		return 1
	}
	return 0
}

// workerRun executes one run and folds any failure into the result
// record.
func workerRun(ctx context.Context, m *workerManifest, traj *trajectory.Trajectory, idx int, logger *slog.Logger) *workerResult {
	res := &workerResult{Index: idx}
	fail := func(err error) *workerResult {
		var serr *sweeperr.SweepError
		if errors.As(err, &serr) {
			res.ErrorCode = serr.Code
			res.Error = serr.Message
			if serr.Cause != nil {
				res.Error += ": " + serr.Cause.Error()
			}
		} else {
			res.Error = err.Error()
		}
		return res
	}

	task, err := LookupTask(m.Task)
	if err != nil {
		return fail(err)
	}

	var service trajectory.StorageService
	switch m.WrapMode {
	case config.WrapQueue:
		service = relay.NewSender(m.SocketPath)
	case config.WrapLock:
		// The backend opens under the store lock: open-time crash
		// recovery must not run concurrently with another worker's
		// in-flight write.
		var backend storage.Service
		err := storage.WithStoreLock(ctx, m.LockPath, func() error {
			var openErr error
			backend, openErr = storage.Open(m.StoreURL)
			return openErr
		})
		if err != nil {
			return fail(err)
		}
		defer storage.Close(backend)
		service = storage.NewLockWrapper(backend, m.LockPath)
	default:
		backend, err := storage.Open(m.StoreURL)
		if err != nil {
			return fail(err)
		}
		defer storage.Close(backend)
		service = backend
	}
	traj.SetStorageService(service)

	value, runErr := executeRun(ctx, traj, idx, task, m.Args, logger)
	if runErr != nil {
		return fail(runErr)
	}
	res.Value = value
	res.Completed = true
	return res
}

// runRelayMain is the body of the relay writer process: open the backend
// directly (the workers all go through the socket) and serve until the
// done sentinel drains the queue. A failed write exits nonzero, which the
// orchestrator turns into a sweep failure.
func runRelayMain(argv []string) int {
	if len(argv) != 1 {
		fmt.Fprintln(os.Stderr, "relay writer needs a manifest path")
		return 2
	}
	m, err := readManifest(argv[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	logger, err := logging.SetupRelayLog(m.LogFormat, m.LogLevel, m.LogsDir)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer logging.CloseProcessLog()

	backend, err := storage.Open(m.StoreURL)
	if err != nil {
		logger.Error("relay writer could not open backend", "url", m.StoreURL, "error", err)
		return 1
	}
	defer storage.Close(backend)

	if err := relay.NewWriter(backend, m.SocketPath, logger).Run(); err != nil {
		logger.Error("relay writer failed", "error", err)
		return 1
	}
	return 0
}
