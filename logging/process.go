package logging

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/sweeplab/sweep/config"
)

// processLog is the single per-process log sink. Worker and relay processes
// call SetupProcessLog / SetupRelayLog once near process start; a second call
// in the same process returns the existing logger untouched.
type processLog struct {
	file        *os.File
	logger      *slog.Logger
	redirected  bool
	savedStdout *os.File
	savedStderr *os.File
}

var (
	procMu    sync.Mutex
	procState *processLog
)

// SetupProcessLog establishes <dir>/process_<pid>.log as this process's log
// target and points os.Stdout and os.Stderr at it, so stray prints from task
// code land in the file. Setup happens at most once per process: repeated
// calls return the logger from the first call, and if the file already exists
// on disk it is appended to without redirecting the standard streams again.
func SetupProcessLog(format config.LogFormat, level config.LogLevel, dir string) (*slog.Logger, error) {
	name := fmt.Sprintf("process_%d.log", os.Getpid())
	return setupProcessFile(format, level, dir, name)
}

// SetupRelayLog establishes <dir>/relay.log for the relay writer process.
// Same once-per-process semantics as SetupProcessLog.
func SetupRelayLog(format config.LogFormat, level config.LogLevel, dir string) (*slog.Logger, error) {
	return setupProcessFile(format, level, dir, "relay.log")
}

func setupProcessFile(format config.LogFormat, level config.LogLevel, dir, name string) (*slog.Logger, error) {
	procMu.Lock()
	defer procMu.Unlock()

	if procState != nil {
		return procState.logger, nil
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, name)

	_, statErr := os.Stat(path)
	preexisting := statErr == nil

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	st := &processLog{
		file:   file,
		logger: slog.New(newHandler(format, file, parseLevel(level))),
	}
	if !preexisting {
		st.savedStdout, st.savedStderr = os.Stdout, os.Stderr
		os.Stdout, os.Stderr = file, file
		st.redirected = true
	}
	procState = st

	return st.logger, nil
}

// CloseProcessLog restores the standard streams and closes the process log
// file. A process without an established log is a no-op.
func CloseProcessLog() error {
	procMu.Lock()
	defer procMu.Unlock()

	if procState == nil {
		return nil
	}
	if procState.redirected {
		os.Stdout = procState.savedStdout
		os.Stderr = procState.savedStderr
	}
	err := procState.file.Close()
	procState = nil
	return err
}

// ProcessLogPath returns the per-process log file path for the given pid.
func ProcessLogPath(dir string, pid int) string {
	return filepath.Join(dir, fmt.Sprintf("process_%d.log", pid))
}
