// Package sweeperr provides structured error types for sweep operations.
package sweeperr

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error codes for sweep operations.
const (
	// Config errors
	CodeConfigUnknownMode  = "CONFIG_001" // Unrecognized wrap mode
	CodeConfigInvalidValue = "CONFIG_002" // Invalid configuration value
	CodeConfigMissingField = "CONFIG_003" // Missing required field

	// Run errors
	CodeRunFailed        = "RUN_001" // Task function returned an error
	CodeRunNotRegistered = "RUN_002" // Task name has no registered function
	CodeRunWorkerExit    = "RUN_003" // Worker process exited abnormally

	// Storage errors
	CodeStorageFailed      = "STORE_001" // Backend store/load operation failed
	CodeStorageNotFound    = "STORE_002" // Requested item not in store
	CodeStorageUnsupported = "STORE_003" // Operation not supported by this service
	CodeStorageScheme      = "STORE_004" // No backend registered for URL scheme
	CodeStorageLock        = "STORE_005" // Store lock could not be acquired

	// Serialization errors
	CodeSerializeArgument = "SERIAL_001" // Run argument not encodable
	CodeSerializeItem     = "SERIAL_002" // Parameter or result value not encodable

	// Relay errors
	CodeRelayUnavailable = "RELAY_001" // Relay socket gone or writer terminated
	CodeRelayRejected    = "RELAY_002" // Writer rejected a message

	// Continuation errors
	CodeContinuationMissing = "CONT_001" // No continuation record for trajectory
	CodeContinuationCorrupt = "CONT_002" // Continuation record unreadable
)

// SweepError is the structured error type for sweep operations.
type SweepError struct {
	Code    string         `json:"code"`              // Error code (e.g., "RUN_001")
	Message string         `json:"message"`           // Human-readable message
	Details map[string]any `json:"details,omitempty"` // Context (run_index, path, etc.)
	Cause   error          `json:"-"`                 // Wrapped error (not serialized)
}

// Error implements the error interface.
func (e *SweepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SweepError) Unwrap() error {
	return e.Cause
}

// WithDetail adds a detail to the error.
func (e *SweepError) WithDetail(key string, value any) *SweepError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause wraps an underlying error.
func (e *SweepError) WithCause(err error) *SweepError {
	e.Cause = err
	return e
}

// MarshalJSON implements json.Marshaler with the cause rendered as text.
func (e *SweepError) MarshalJSON() ([]byte, error) {
	type alias SweepError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// New creates a new SweepError.
func New(code, message string) *SweepError {
	return &SweepError{
		Code:    code,
		Message: message,
	}
}

// Newf creates a new SweepError with formatted message.
func Newf(code, format string, args ...any) *SweepError {
	return &SweepError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an error with a SweepError.
func Wrap(code, message string, err error) *SweepError {
	return &SweepError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}

// Wrapf wraps an error with a formatted SweepError.
func Wrapf(code string, err error, format string, args ...any) *SweepError {
	return &SweepError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Cause:   err,
	}
}

// --- Config Errors ---

// ConfigUnknownMode creates an error for an unrecognized wrap mode.
func ConfigUnknownMode(mode string) *SweepError {
	return Newf(CodeConfigUnknownMode, "unknown wrap mode: %q", mode).
		WithDetail("mode", mode)
}

// ConfigInvalidValue creates an error for an invalid config value.
func ConfigInvalidValue(field string, value any, reason string) *SweepError {
	return Newf(CodeConfigInvalidValue, "invalid config value for %s: %s", field, reason).
		WithDetail("field", field).
		WithDetail("value", value).
		WithDetail("reason", reason)
}

// ConfigMissingField creates an error for a missing config field.
func ConfigMissingField(field string) *SweepError {
	return Newf(CodeConfigMissingField, "missing required config field: %s", field).
		WithDetail("field", field)
}

// --- Run Errors ---

// RunFailed tags a task error with the run it belongs to.
func RunFailed(runIndex int, runName string, err error) *SweepError {
	return Wrapf(CodeRunFailed, err, "run %s failed", runName).
		WithDetail("run_index", runIndex).
		WithDetail("run_name", runName)
}

// RunNotRegistered creates an error for an unknown task name.
func RunNotRegistered(task string) *SweepError {
	return Newf(CodeRunNotRegistered, "no task registered under name %q", task).
		WithDetail("task", task)
}

// RunWorkerExit creates an error for a worker process that died without a result.
func RunWorkerExit(runIndex int, err error) *SweepError {
	return Wrapf(CodeRunWorkerExit, err, "worker for run %d exited without reporting a result", runIndex).
		WithDetail("run_index", runIndex)
}

// --- Storage Errors ---

// StorageFailed creates an error for a failed backend operation.
func StorageFailed(op string, err error) *SweepError {
	return Wrapf(CodeStorageFailed, err, "storage %s failed", op).
		WithDetail("op", op)
}

// StorageNotFound creates an error for a missing item.
func StorageNotFound(path string) *SweepError {
	return Newf(CodeStorageNotFound, "item not found in store: %s", path).
		WithDetail("path", path)
}

// StorageUnsupported creates an error for an operation a service does not offer.
func StorageUnsupported(service, op string) *SweepError {
	return Newf(CodeStorageUnsupported, "%s does not support %s", service, op).
		WithDetail("service", service).
		WithDetail("op", op)
}

// StorageScheme creates an error for an unregistered store URL scheme.
func StorageScheme(scheme string) *SweepError {
	return Newf(CodeStorageScheme, "no storage backend registered for scheme %q", scheme).
		WithDetail("scheme", scheme)
}

// StorageLock creates an error for a lock that could not be taken.
func StorageLock(path string, err error) *SweepError {
	return Wrapf(CodeStorageLock, err, "could not acquire store lock %s", path).
		WithDetail("path", path)
}

// --- Serialization Errors ---

// SerializeArgument creates an error for a run argument that cannot be encoded.
func SerializeArgument(position string, err error) *SweepError {
	return Wrapf(CodeSerializeArgument, err, "run argument %s is not encodable", position).
		WithDetail("argument", position)
}

// SerializeItem creates an error for an item value that cannot be encoded.
func SerializeItem(path string, err error) *SweepError {
	return Wrapf(CodeSerializeItem, err, "value of %s is not encodable", path).
		WithDetail("path", path)
}

// --- Relay Errors ---

// RelayUnavailable creates an error for a relay that cannot be reached.
func RelayUnavailable(socket string, err error) *SweepError {
	return Wrapf(CodeRelayUnavailable, err, "storage relay unavailable at %s", socket).
		WithDetail("socket", socket)
}

// RelayRejected creates an error for a message the writer refused.
func RelayRejected(reason string) *SweepError {
	return Newf(CodeRelayRejected, "storage relay rejected message: %s", reason).
		WithDetail("reason", reason)
}

// --- Continuation Errors ---

// ContinuationMissing creates an error for a resume without a record.
func ContinuationMissing(path string) *SweepError {
	return Newf(CodeContinuationMissing, "no continuation record at %s", path).
		WithDetail("path", path)
}

// ContinuationCorrupt creates an error for an unreadable record.
func ContinuationCorrupt(path string, err error) *SweepError {
	return Wrapf(CodeContinuationCorrupt, err, "continuation record %s unreadable", path).
		WithDetail("path", path)
}

// HasCode checks if an error is a SweepError with the given code.
// It handles wrapped errors by unwrapping to find a SweepError.
func HasCode(err error, code string) bool {
	var serr *SweepError
	if errors.As(err, &serr) {
		return serr.Code == code
	}
	return false
}

// Code returns the error code if err is a SweepError, empty string otherwise.
// It handles wrapped errors by unwrapping to find a SweepError.
func Code(err error) string {
	var serr *SweepError
	if errors.As(err, &serr) {
		return serr.Code
	}
	return ""
}

// IsRunFailure reports whether err is a tagged failure of an individual run,
// as opposed to an infrastructure failure of the sweep itself.
func IsRunFailure(err error) bool {
	return HasCode(err, CodeRunFailed)
}
