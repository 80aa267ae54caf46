// Package logging provides structured logging for sweep processes.
//
// The orchestrating process logs to main.log plus an errors.log that
// receives only warn-and-above records. Worker and relay processes each
// own a single log file established once per process (see process.go).
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sweeplab/sweep/config"
)

// NewMain creates the orchestrator logger. Records go to stderr and
// <logDir>/main.log; records at warn and above additionally go to
// <logDir>/errors.log. The returned closer closes both files.
func NewMain(cfg *config.Config, logDir string) (*slog.Logger, io.Closer, error) {
	level := parseLevel(cfg.Logging.Level)

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, nil, err
	}

	mainFile, err := os.OpenFile(filepath.Join(logDir, "main.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, err
	}
	errFile, err := os.OpenFile(filepath.Join(logDir, "errors.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		mainFile.Close()
		return nil, nil, err
	}

	handler := &splitHandler{
		main: newHandler(cfg.Logging.Format, io.MultiWriter(os.Stderr, mainFile), level),
		errs: newHandler(cfg.Logging.Format, errFile, slog.LevelWarn),
	}

	return slog.New(handler), multiCloser{mainFile, errFile}, nil
}

// NewDefault creates a default logger writing to stderr.
func NewDefault() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// NewForTest creates a silent logger for tests.
func NewForTest() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// parseLevel converts config log level to slog.Level.
func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelInfo:
		return slog.LevelInfo
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// newHandler creates a slog.Handler based on format.
func newHandler(format config.LogFormat, w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: level,
	}

	switch format {
	case config.LogFormatJSON:
		return slog.NewJSONHandler(w, opts)
	case config.LogFormatText:
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewTextHandler(w, opts)
	}
}

// splitHandler duplicates records to a main handler and, for records the
// second handler's level admits, to an errors handler.
type splitHandler struct {
	main slog.Handler
	errs slog.Handler
}

func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.main.Enabled(ctx, level) || h.errs.Enabled(ctx, level)
}

func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	var first error
	if h.main.Enabled(ctx, r.Level) {
		first = h.main.Handle(ctx, r.Clone())
	}
	if h.errs.Enabled(ctx, r.Level) {
		if err := h.errs.Handle(ctx, r.Clone()); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{
		main: h.main.WithAttrs(attrs),
		errs: h.errs.WithAttrs(attrs),
	}
}

func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{
		main: h.main.WithGroup(name),
		errs: h.errs.WithGroup(name),
	}
}

// multiCloser closes a set of files, returning the first error.
type multiCloser []*os.File

func (m multiCloser) Close() error {
	var first error
	for _, f := range m {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// WithTrajectory returns a logger with trajectory context.
func WithTrajectory(logger *slog.Logger, name string) *slog.Logger {
	return logger.With("trajectory", name)
}

// WithRun returns a logger with run context.
func WithRun(logger *slog.Logger, index int, name string) *slog.Logger {
	return logger.With("run_index", index, "run_name", name)
}
