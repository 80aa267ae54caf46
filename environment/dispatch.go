package environment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sweeplab/sweep/config"
	"github.com/sweeplab/sweep/logging"
	"github.com/sweeplab/sweep/relay"
	"github.com/sweeplab/sweep/sweeperr"
	"github.com/sweeplab/sweep/trajectory"
)

// workerManifest is the file the orchestrator writes for its child
// processes: everything a worker or the relay writer needs to rebuild the
// sweep on its side.
type workerManifest struct {
	Task       string           `json:"task"`
	Args       Args             `json:"args"`
	WrapMode   config.WrapMode  `json:"wrap_mode"`
	StoreURL   string           `json:"store_url"`
	SocketPath string           `json:"socket_path,omitempty"`
	LockPath   string           `json:"lock_path,omitempty"`
	WorkDir    string           `json:"work_dir"`
	LogsDir    string           `json:"logs_dir"`
	LogLevel   config.LogLevel  `json:"log_level"`
	LogFormat  config.LogFormat `json:"log_format"`
	Trajectory json.RawMessage  `json:"trajectory"`
}

func manifestPath(workDir, trajectoryName string) string {
	return filepath.Join(workDir, trajectoryName+".manifest.json")
}

// writeManifest snapshots the trajectory and writes the manifest
// atomically. Children only ever see a complete file.
func (e *Environment) writeManifest(socketPath, lockPath string) (string, error) {
	snap, err := e.traj.Snapshot()
	if err != nil {
		return "", err
	}
	m := &workerManifest{
		Task:       e.taskName,
		Args:       e.args,
		WrapMode:   e.cfg.Environment.WrapMode,
		StoreURL:   e.cfg.Store.URL,
		SocketPath: socketPath,
		LockPath:   lockPath,
		WorkDir:    e.workDir(),
		LogsDir:    e.logsDir(),
		LogLevel:   e.cfg.Logging.Level,
		LogFormat:  e.cfg.Logging.Format,
		Trajectory: snap,
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling worker manifest: %w", err)
	}

	path := manifestPath(e.workDir(), e.traj.Name())
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return "", fmt.Errorf("writing worker manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("writing worker manifest: %w", err)
	}
	return path, nil
}

func readManifest(path string) (*workerManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading worker manifest: %w", err)
	}
	var m workerManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing worker manifest %s: %w", path, err)
	}
	return &m, nil
}

// workerResult is what a worker process leaves behind for the
// orchestrator: the task's return value, or the failure that stopped it.
type workerResult struct {
	Index     int    `json:"index"`
	Value     any    `json:"value,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
	Completed bool   `json:"completed"`
}

func workerResultPath(workDir, trajectoryName string, idx int) string {
	return filepath.Join(workDir, fmt.Sprintf("%s_result_%08d.json", trajectoryName, idx))
}

func writeWorkerResult(path string, res *workerResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readWorkerResult(path string) (*workerResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var res workerResult
	if err := json.Unmarshal(data, &res); err != nil {
		return nil, fmt.Errorf("parsing worker result %s: %w", path, err)
	}
	return &res, nil
}

// workerError rebuilds the error a worker reported in its result file.
func workerError(res *workerResult) error {
	if res.ErrorCode != "" {
		return sweeperr.New(res.ErrorCode, res.Error)
	}
	if res.Error != "" {
		return fmt.Errorf("%s", res.Error)
	}
	return nil
}

// runSerial executes the worklist in-process, one run at a time, against
// the direct backend. A failed run is recorded and the sweep moves on.
func (e *Environment) runSerial(ctx context.Context, task TaskFunc, worklist []int) ([]RunResult, error) {
	e.traj.SetStorageService(e.backend)
	results := make([]RunResult, 0, len(worklist))
	for _, idx := range worklist {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res := RunResult{Index: idx, Name: trajectory.FormatRunName(idx)}
		res.Value, res.Err = executeRun(ctx, e.traj, idx, task, e.args, e.logger)
		results = append(results, res)
	}
	return results, nil
}

// runLockPool executes the worklist in worker processes that serialize
// their stores through a shared file lock next to the store. Failures
// stay isolated to their run.
func (e *Environment) runLockPool(ctx context.Context, worklist []int) ([]RunResult, error) {
	path, err := e.writeManifest("", e.lockPath())
	if err != nil {
		return nil, err
	}
	results := e.dispatchPool(ctx, path, worklist, nil)
	return results, ctx.Err()
}

// runQueuePool executes the worklist in worker processes that store
// through the relay writer. One failed run, or a failed relay write,
// aborts the whole sweep: with a single writer a lost batch cannot be
// contained to one run.
func (e *Environment) runQueuePool(ctx context.Context, worklist []int) ([]RunResult, error) {
	socket := e.socketPath()
	path, err := e.writeManifest(socket, "")
	if err != nil {
		return nil, err
	}

	rp, err := e.startRelay(ctx, path, socket)
	if err != nil {
		return nil, err
	}

	poolCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	poolDone := make(chan struct{})
	go func() {
		select {
		case <-rp.exited:
			e.logger.Error("relay writer exited during dispatch", "socket", socket)
			cancel()
		case <-poolDone:
		}
	}()

	results := e.dispatchPool(poolCtx, path, worklist, func(res RunResult) {
		e.logger.Error("run failed, aborting sweep", "run", res.Name, "error", res.Err)
		cancel()
	})
	close(poolDone)

	sweepErr := e.stopRelay(rp)
	if sweepErr == nil {
		sweepErr = firstFailure(results)
	}
	return results, sweepErr
}

// firstFailure picks the error that aborted a pool. A tagged run failure
// beats the cancellation noise of the runs that were cut short by it.
func firstFailure(results []RunResult) error {
	var first error
	for _, res := range results {
		if res.Err == nil {
			continue
		}
		if sweeperr.IsRunFailure(res.Err) {
			return res.Err
		}
		if first == nil {
			first = res.Err
		}
	}
	return first
}

// dispatchPool runs one worker process per outstanding run, at most Cores
// at a time. Each goroutine owns its slot of the result slice.
func (e *Environment) dispatchPool(ctx context.Context, manifestPath string, worklist []int, onFailure func(RunResult)) []RunResult {
	sem := make(chan struct{}, e.cfg.Environment.Cores)
	results := make([]RunResult, len(worklist))

	var wg sync.WaitGroup
	for i, idx := range worklist {
		wg.Add(1)
		go func(slot, idx int) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if err := ctx.Err(); err != nil {
				results[slot] = RunResult{Index: idx, Name: trajectory.FormatRunName(idx), Err: err}
				return
			}
			res := e.spawnWorker(ctx, manifestPath, idx)
			results[slot] = res
			if res.Err != nil && onFailure != nil {
				onFailure(res)
			}
		}(i, idx)
	}
	wg.Wait()
	return results
}

// spawnWorker re-executes this binary as a worker for one run and waits
// for it. On context cancellation the worker's process group gets SIGTERM
// and, after a grace period, SIGKILL.
func (e *Environment) spawnWorker(ctx context.Context, manifestPath string, idx int) RunResult {
	res := RunResult{Index: idx, Name: trajectory.FormatRunName(idx)}

	resultPath := workerResultPath(e.workDir(), e.traj.Name(), idx)
	if err := os.Remove(resultPath); err != nil && !os.IsNotExist(err) {
		res.Err = sweeperr.RunWorkerExit(idx, err)
		return res
	}

	exe, err := os.Executable()
	if err != nil {
		res.Err = sweeperr.RunWorkerExit(idx, err)
		return res
	}

	cmd := exec.Command(exe, workerArg, manifestPath, strconv.Itoa(idx))
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		res.Err = sweeperr.RunWorkerExit(idx, err)
		return res
	}
	e.logger.Debug("worker started", "run", res.Name, "pid", cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var waitErr error
	select {
	case waitErr = <-done:
	case <-ctx.Done():
		syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM)
		select {
		case waitErr = <-done:
		case <-time.After(3 * time.Second):
			syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
			waitErr = <-done
		}
		if waitErr == nil {
			waitErr = ctx.Err()
		}
	}

	return e.collectWorkerResult(res, resultPath, cmd.Process.Pid, waitErr, &output)
}

// collectWorkerResult turns a worker's result file and exit status into a
// RunResult. The file is the protocol; the exit status only matters when
// the worker died before writing one.
func (e *Environment) collectWorkerResult(res RunResult, resultPath string, pid int, waitErr error, output *bytes.Buffer) RunResult {
	wres, readErr := readWorkerResult(resultPath)
	if readErr != nil {
		cause := waitErr
		if cause == nil {
			cause = readErr
		}
		res.Err = sweeperr.RunWorkerExit(res.Index, cause).
			WithDetail("process_log", logging.ProcessLogPath(e.logsDir(), pid))
		e.logger.Error("worker left no result",
			"run", res.Name,
			"pid", pid,
			"error", res.Err,
			"output", strings.TrimSpace(output.String()))
		return res
	}

	res.Value = wres.Value
	if err := workerError(wres); err != nil {
		res.Err = err
		return res
	}
	if wres.Completed {
		if err := e.traj.MarkCompleted(res.Index); err != nil {
			res.Err = err
			return res
		}
	}
	if waitErr != nil {
		e.logger.Warn("worker exited abnormally after reporting its result",
			"run", res.Name, "error", waitErr)
	}
	return res
}

// relayProcess is the relay writer child and the sender the orchestrator
// keeps for control messages.
type relayProcess struct {
	cmd     *exec.Cmd
	sender  *relay.Sender
	socket  string
	exited  chan struct{}
	waitErr error
	output  *bytes.Buffer
}

// startRelay launches the relay writer and waits until its socket answers
// pings.
func (e *Environment) startRelay(ctx context.Context, manifestPath, socket string) (*relayProcess, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, sweeperr.RelayUnavailable(socket, err)
	}

	cmd := exec.Command(exe, relayArg, manifestPath)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return nil, sweeperr.RelayUnavailable(socket, err)
	}

	rp := &relayProcess{
		cmd:    cmd,
		sender: relay.NewSender(socket),
		socket: socket,
		exited: make(chan struct{}),
		output: &output,
	}
	go func() {
		rp.waitErr = cmd.Wait()
		close(rp.exited)
	}()

	if err := rp.sender.AwaitReady(ctx, 10*time.Second); err != nil {
		e.killRelay(rp)
		return nil, err
	}
	e.logger.Info("relay writer started", "socket", socket, "pid", cmd.Process.Pid)
	return rp, nil
}

// stopRelay sends the done sentinel and waits for the writer to drain its
// queue and exit. An abnormal exit surfaces as the storage failure that
// took the writer down.
func (e *Environment) stopRelay(rp *relayProcess) error {
	doneCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := rp.sender.Done(doneCtx); err != nil {
		e.logger.Warn("could not deliver done sentinel to relay", "socket", rp.socket, "error", err)
	}
	cancel()

	select {
	case <-rp.exited:
	case <-time.After(30 * time.Second):
		e.logger.Error("relay writer did not drain in time", "socket", rp.socket)
		e.killRelay(rp)
	}

	if rp.waitErr != nil {
		return sweeperr.Wrapf(sweeperr.CodeStorageFailed, rp.waitErr, "relay writer exited abnormally").
			WithDetail("output", strings.TrimSpace(rp.output.String()))
	}
	e.logger.Info("relay writer drained and exited", "socket", rp.socket)
	return nil
}

func (e *Environment) killRelay(rp *relayProcess) {
	syscall.Kill(-rp.cmd.Process.Pid, syscall.SIGKILL)
	<-rp.exited
}
