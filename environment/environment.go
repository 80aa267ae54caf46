// Package environment drives parameter sweeps. The Environment owns the
// storage backend, selects the concurrency mode, dispatches every
// outstanding run to a worker, and carries the crash/continuation
// protocol that lets an interrupted sweep resume without re-executing
// completed work.
package environment

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/relay"
	"github.com/sweeplab/sweep/storage"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// Phase represents the lifecycle state of a sweep.
type Phase string

const (
	PhaseInitialized Phase = "initialized" // Created, no run dispatched
	PhaseResuming    Phase = "resuming"    // Rebuilt from a continuation record
	PhaseDispatching Phase = "dispatching" // Computing the worklist
	PhaseRunning     Phase = "running"     // Workers executing
	PhaseFinalizing  Phase = "finalizing"  // Workers joined, closing metadata
	PhaseDone        Phase = "done"        // Sweep over
)

// Valid returns true if this is a recognized phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInitialized, PhaseResuming, PhaseDispatching,
		PhaseRunning, PhaseFinalizing, PhaseDone:
		return true
	}
	return false
}

// IsTerminal returns true if the phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseDone
}

// Environment orchestrates one sweep over one trajectory.
type Environment struct {
	cfg     *config.Config
	traj    *trajectory.Trajectory
	backend storage.Service
	logger  *slog.Logger
	baseDir string

	ownsBackend  bool
	customLogger bool
	logClose     io.Closer
	preRun       func(*trajectory.Trajectory) error

	mu    sync.Mutex
	phase Phase

	taskName string
	args     Args
	contPath string

	results []RunResult
}

// Option configures an Environment.
type Option func(*Environment)

// WithLogger sets the orchestrator logger. Without it the environment
// builds its own main logger in the logs directory when the sweep starts.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Environment) {
		e.logger = logger
		e.customLogger = true
	}
}

// WithBackend installs a pre-built storage service instead of opening one
// from the store URL. The environment then does not close it.
func WithBackend(s storage.Service) Option {
	return func(e *Environment) { e.backend = s }
}

// WithBaseDir anchors the relative paths of the configuration. Defaults
// to the current directory.
func WithBaseDir(dir string) Option {
	return func(e *Environment) { e.baseDir = dir }
}

// WithPreRunHook registers a hook invoked once on the trajectory after
// the run table is fixed and before parameters are locked. Hook errors
// abort the sweep before anything is dispatched.
func WithPreRunHook(fn func(*trajectory.Trajectory) error) Option {
	return func(e *Environment) { e.preRun = fn }
}

// New creates an environment for a trajectory. The configuration is
// validated immediately; a bad configuration never reaches dispatch.
func New(cfg *config.Config, traj *trajectory.Trajectory, opts ...Option) (*Environment, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if traj == nil {
		return nil, fmt.Errorf("environment needs a trajectory")
	}

	e := &Environment{
		cfg:     cfg,
		traj:    traj,
		logger:  logging.NewDefault(),
		baseDir: ".",
		phase:   PhaseInitialized,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.backend == nil {
		backend, err := storage.Open(cfg.Store.URL)
		if err != nil {
			return nil, err
		}
		e.backend = backend
		e.ownsBackend = true
	}
	traj.SetStorageService(e.backend)
	e.logger = logging.WithTrajectory(e.logger, traj.Name())

	if err := e.addEnvironmentConfig(); err != nil {
		return nil, err
	}
	return e, nil
}

// Close releases what the environment opened itself: the backend, unless
// one was installed with WithBackend, and its own log files.
func (e *Environment) Close() error {
	var first error
	if e.logClose != nil {
		first = e.logClose.Close()
		e.logClose = nil
	}
	if e.ownsBackend {
		if err := storage.Close(e.backend); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Phase returns the current sweep phase.
func (e *Environment) Phase() Phase {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

func (e *Environment) setPhase(p Phase) {
	e.mu.Lock()
	from := e.phase
	e.phase = p
	e.mu.Unlock()
	e.logger.Info("sweep phase", "from", string(from), "to", string(p))
}

// Trajectory returns the trajectory the environment drives.
func (e *Environment) Trajectory() *trajectory.Trajectory {
	return e.traj
}

// Backend returns the direct storage backend.
func (e *Environment) Backend() storage.Service {
	return e.backend
}

// ContinuationPath returns where this sweep's continuation record lives,
// whether or not one has been written.
func (e *Environment) ContinuationPath() string {
	return ContinuationPath(e.continuationDir(), e.traj.Name())
}

// RunResults returns the collected per-run results of the last Run call,
// ordered by run index.
func (e *Environment) RunResults() []RunResult {
	return append([]RunResult(nil), e.results...)
}

// Run executes the sweep: it freezes the parameter space, persists the
// trajectory and the continuation record, computes the worklist from
// durable completion flags, dispatches every outstanding run under the
// configured wrap mode, and finalizes. The returned results carry the
// live task return values in run-index order. Run failures are isolated
// and reported inside the results under modes none and lock; under queue
// mode the first failure aborts the sweep and is returned as the error.
func (e *Environment) Run(ctx context.Context, taskName string, args Args) ([]RunResult, error) {
	fresh, err := e.beginRun()
	if err != nil {
		return nil, err
	}

	// Everything that can be rejected is rejected before dispatch.
	task, err := LookupTask(taskName)
	if err != nil {
		return nil, err
	}
	if err := args.Validate(); err != nil {
		return nil, err
	}
	if err := e.traj.EnsureRunTable(); err != nil {
		return nil, err
	}
	e.taskName, e.args = taskName, args

	if e.preRun != nil {
		if err := e.preRun(e.traj); err != nil {
			return nil, fmt.Errorf("pre-run hook: %w", err)
		}
	}
	e.traj.LockParameters()

	if err := os.MkdirAll(e.workDir(), 0755); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(e.logsDir(), 0755); err != nil {
		return nil, err
	}

	// With no caller-supplied logger, the sweep logs to main.log and
	// errors.log in the logs directory from here on.
	if !e.customLogger && e.logClose == nil {
		logger, closer, err := logging.NewMain(e.cfg, e.logsDir())
		if err != nil {
			return nil, err
		}
		e.logger = logging.WithTrajectory(logger, e.traj.Name())
		e.logClose = closer
	}

	if fresh {
		// The full tree, run table included, becomes durable before the
		// first run and before the continuation record that points at it.
		if err := e.storeTrajectory(ctx); err != nil {
			return nil, err
		}
		if e.cfg.Environment.Continuable {
			if err := e.writeContinuation(); err != nil {
				return nil, err
			}
		}
	}

	e.setPhase(PhaseDispatching)
	worklist, err := e.computeWorklist(ctx)
	if err != nil {
		return nil, err
	}
	e.logger.Info("worklist computed",
		"total_runs", e.traj.Len(),
		"outstanding", len(worklist),
		"wrap_mode", string(e.cfg.Environment.WrapMode))

	var results []RunResult
	var sweepErr error
	if len(worklist) > 0 {
		e.setPhase(PhaseRunning)
		switch e.cfg.Environment.WrapMode {
		case config.WrapNone:
			results, sweepErr = e.runSerial(ctx, task, worklist)
		case config.WrapLock:
			results, sweepErr = e.runLockPool(ctx, worklist)
		case config.WrapQueue:
			results, sweepErr = e.runQueuePool(ctx, worklist)
		default:
			sweepErr = sweeperr.ConfigUnknownMode(string(e.cfg.Environment.WrapMode))
		}
	}

	e.setPhase(PhaseFinalizing)
	if err := e.finalize(ctx, sweepErr); err != nil && sweepErr == nil {
		sweepErr = err
	}
	e.setPhase(PhaseDone)

	e.results = results
	completed, failed := tally(results)
	e.logger.Info("sweep finished",
		"dispatched", len(results),
		"completed", completed,
		"failed", failed,
		"error", sweepErr)
	return results, sweepErr
}

// Resume is the alternate entry point: it loads the continuation record
// written by a previous attempt, rebuilds the trajectory from its
// snapshot, and re-enters the sweep. The worklist is recomputed strictly
// from durable completion flags, so runs that finished before the crash
// are not executed again.
func Resume(ctx context.Context, cfg *config.Config, trajectoryName string, opts ...Option) (*Environment, []RunResult, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	e := &Environment{
		cfg:     cfg,
		logger:  logging.NewDefault(),
		baseDir: ".",
		phase:   PhaseResuming,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		backend, err := storage.Open(cfg.Store.URL)
		if err != nil {
			return nil, nil, err
		}
		e.backend = backend
		e.ownsBackend = true
	}

	contPath := ContinuationPath(e.continuationDir(), trajectoryName)
	rec, err := loadContinuationRecord(contPath)
	if err != nil {
		return nil, nil, err
	}

	traj, err := trajectory.FromSnapshot(rec.Trajectory)
	if err != nil {
		return nil, nil, sweeperr.ContinuationCorrupt(contPath, err)
	}
	traj.SetFullCopy(rec.WasFullCopy)
	traj.SetStorageService(e.backend)
	e.traj = traj
	e.contPath = contPath
	e.logger = logging.WithTrajectory(e.logger, traj.Name())

	e.logger.Info("resuming sweep",
		"task", rec.Task,
		"continuation", contPath,
		"recorded_at", rec.CreatedAt)

	results, err := e.Run(ctx, rec.Task, rec.Args)
	return e, results, err
}

// beginRun checks the entry phase. Only a fresh or a resuming
// environment may start a sweep.
func (e *Environment) beginRun() (fresh bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case PhaseInitialized:
		return true, nil
	case PhaseResuming:
		return false, nil
	default:
		return false, fmt.Errorf("sweep cannot start from phase %s", e.phase)
	}
}

// computeWorklist returns the indices of all runs whose durable completed
// flag is still false, refreshing the in-memory run table along the way.
// In-memory bookkeeping from before a crash is never trusted.
func (e *Environment) computeWorklist(ctx context.Context) ([]int, error) {
	var worklist []int
	for _, desc := range e.traj.Runs() {
		done, err := e.backend.IsRunCompleted(ctx, e.traj.Name(), desc.Index)
		if err != nil {
			return nil, err
		}
		if done {
			if err := e.traj.MarkCompleted(desc.Index); err != nil {
				return nil, err
			}
			continue
		}
		worklist = append(worklist, desc.Index)
	}
	return worklist, nil
}

// storeTrajectory persists the whole tree at trajectory level through the
// direct backend, run table included. Only the pre-dispatch store may do
// this: at that point every descriptor is still uncompleted.
func (e *Environment) storeTrajectory(ctx context.Context) error {
	tc := trajectory.Context{Trajectory: e.traj.Name(), RunIndex: trajectory.IdxTrajectory}
	return e.backend.Store(ctx, tc, e.traj.Items())
}

// storeMetadata persists everything except run descriptors and per-run
// results. After dispatch those belong to the run batches; rewriting them
// here would let orchestrator bookkeeping overwrite durable state, the
// completion flags above all.
func (e *Environment) storeMetadata(ctx context.Context) error {
	var items []trajectory.Item
	for _, item := range e.traj.Items() {
		if item.Kind() == trajectory.KindRun {
			continue
		}
		if strings.HasPrefix(item.Path(), "results.runs.") {
			continue
		}
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil
	}
	tc := trajectory.Context{Trajectory: e.traj.Name(), RunIndex: trajectory.IdxTrajectory}
	return e.backend.Store(ctx, tc, items)
}

// writeContinuation writes the continuation record for this sweep.
func (e *Environment) writeContinuation() error {
	snap, err := e.traj.Snapshot()
	if err != nil {
		return err
	}
	e.contPath = e.ContinuationPath()
	rec := &continuationRecord{
		Trajectory:  snap,
		Task:        e.taskName,
		Args:        e.args,
		WasFullCopy: e.traj.FullCopy(),
		CreatedAt:   time.Now(),
	}
	if err := writeContinuationRecord(e.contPath, rec); err != nil {
		return err
	}
	e.logger.Info("continuation record written", "path", e.contPath)
	return nil
}

// finalize restores the direct backend on the trajectory, persists the
// final metadata, and retires the continuation record once every run
// completed and nothing went wrong. A failed sweep keeps its record, so
// it stays resumable.
func (e *Environment) finalize(ctx context.Context, sweepErr error) error {
	e.traj.SetStorageService(e.backend)
	if err := e.storeMetadata(ctx); err != nil {
		return err
	}
	if e.contPath != "" && sweepErr == nil && e.allRunsCompleted() {
		if err := os.Remove(e.contPath); err != nil && !os.IsNotExist(err) {
			e.logger.Warn("could not remove continuation record", "path", e.contPath, "error", err)
		} else {
			e.logger.Info("continuation record retired", "path", e.contPath)
		}
	}
	return nil
}

func (e *Environment) allRunsCompleted() bool {
	runs := e.traj.Runs()
	for _, desc := range runs {
		if !desc.Completed {
			return false
		}
	}
	return len(runs) > 0
}

// addEnvironmentConfig records the sweep settings as config entries on
// the trajectory, so a stored trajectory documents how it was run.
func (e *Environment) addEnvironmentConfig() error {
	entries := []struct {
		path  string
		value any
	}{
		{"environment.wrap_mode", string(e.cfg.Environment.WrapMode)},
		{"environment.cores", e.cfg.Environment.Cores},
		{"environment.continuable", e.cfg.Environment.Continuable},
	}
	for _, entry := range entries {
		if e.traj.Contains("config." + entry.path) {
			continue
		}
		if _, err := e.traj.AddConfig(entry.path, entry.value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Environment) logsDir() string { return e.cfg.LogsDir(e.baseDir) }
func (e *Environment) workDir() string { return e.cfg.WorkDir(e.baseDir) }

// continuationDir co-locates the record with the primary store when the
// backend lives on disk, and falls back to the scratch directory.
func (e *Environment) continuationDir() string {
	if loc, ok := e.backend.(storage.Locator); ok {
		return loc.Dir()
	}
	return e.workDir()
}

// socketPath returns this sweep's relay socket. The orchestrator pid
// keeps concurrent sweeps of the same trajectory apart.
func (e *Environment) socketPath() string {
	return relay.SocketPath(fmt.Sprintf("%s-%d", e.traj.Name(), os.Getpid()))
}

// lockPath returns this sweep's store lock file, next to the store when
// possible.
func (e *Environment) lockPath() string {
	if loc, ok := e.backend.(storage.Locator); ok {
		return filepath.Join(loc.Dir(), e.traj.Name()+".lock")
	}
	return filepath.Join(e.workDir(), e.traj.Name()+".lock")
}

func tally(results []RunResult) (completed, failed int) {
	for _, res := range results {
		if res.Failed() {
			failed++
		} else {
			completed++
		}
	}
	return completed, failed
}
