// Package apperrors provides the classified error taxonomy shared by the queue,
// the runners and the HTTP layer.
package apperrors

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation       = errors.New("validation error")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrTimeout          = errors.New("timeout")
	ErrExecution        = errors.New("execution error")
	ErrRemoteClient     = errors.New("remote client error")
	ErrRemoteTransient  = errors.New("remote transient error")
	ErrParse            = errors.New("parse error")
	ErrCancelled        = errors.New("cancelled")

	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrUnavailable = errors.New("unavailable")
	ErrInternal    = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel   error  // Wrapped sentinel for errors.Is() classification
	Message    string // Human-readable message
	Field      string // For validation errors (e.g., "kind", "process.command")
	Resource   string // For not found/conflict (e.g., "job")
	Op         string // Operation that failed (e.g., "process.start")
	ExitCode   int    // Execution errors only
	Stderr     string // Execution errors only, bounded
	StatusCode int    // Remote errors only
	Permanent  bool   // Execution errors a classifier marked as not worth retrying
	Cause      error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel error for errors.Is() classification.
func (e *Error) Unwrap() error {
	return e.Sentinel
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// UnsupportedKind is the validation error for a kind with no registered runner.
func UnsupportedKind(kind string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  fmt.Sprintf("unsupported job kind %q", kind),
		Field:    "kind",
	}
}

// CapacityExceeded creates the fail-fast error returned when the waiting queue is full.
func CapacityExceeded(depth int) error {
	return &Error{
		Sentinel: ErrCapacityExceeded,
		Message:  fmt.Sprintf("queue depth limit of %d reached", depth),
	}
}

// Timeout creates an error for an attempt that exceeded its deadline.
func Timeout(op string, after time.Duration) error {
	return &Error{
		Sentinel: ErrTimeout,
		Message:  fmt.Sprintf("%s timed out after %s", op, after),
		Op:       op,
	}
}

// Execution creates an error for a worker that exited non-zero.
func Execution(exitCode int, stderr string) error {
	return &Error{
		Sentinel: ErrExecution,
		Message:  fmt.Sprintf("worker exited with code %d", exitCode),
		ExitCode: exitCode,
		Stderr:   stderr,
	}
}

// StartFailure creates a permanent execution error for a worker that could not be started.
func StartFailure(op string, cause error) error {
	return &Error{
		Sentinel:  ErrExecution,
		Message:   fmt.Sprintf("%s: %v", op, cause),
		Op:        op,
		ExitCode:  -1,
		Permanent: true,
		Cause:     cause,
	}
}

// RemoteClient creates a non-retryable remote error.
func RemoteClient(statusCode int, body string) error {
	return &Error{
		Sentinel:   ErrRemoteClient,
		Message:    remoteMessage(statusCode, body),
		StatusCode: statusCode,
	}
}

// RemoteTransient creates a retryable remote error. statusCode is 0 for transport failures.
func RemoteTransient(statusCode int, cause error) error {
	msg := fmt.Sprintf("remote call failed: %v", cause)
	if statusCode > 0 {
		msg = remoteMessage(statusCode, "")
	}
	return &Error{
		Sentinel:   ErrRemoteTransient,
		Message:    msg,
		StatusCode: statusCode,
		Cause:      cause,
	}
}

func remoteMessage(statusCode int, body string) string {
	if body == "" {
		return fmt.Sprintf("remote returned HTTP %d", statusCode)
	}
	return fmt.Sprintf("remote returned HTTP %d: %s", statusCode, body)
}

// Parse creates an error for output that held no recoverable payload.
func Parse(message string, cause error) error {
	if cause != nil {
		message = fmt.Sprintf("%s: %v", message, cause)
	}
	return &Error{
		Sentinel: ErrParse,
		Message:  message,
		Cause:    cause,
	}
}

// Cancelled creates the terminal cancellation error.
func Cancelled(reason string) error {
	return &Error{
		Sentinel: ErrCancelled,
		Message:  reason,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, id, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Unavailable reports that the orchestrator is not accepting work.
func Unavailable(reason string) error {
	return &Error{
		Sentinel: ErrUnavailable,
		Message:  reason,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}

// IsPermanent reports whether err was marked permanent by a classifier.
func IsPermanent(err error) bool {
	var appErr *Error
	return errors.As(err, &appErr) && appErr.Permanent
}

// Kind returns a stable name for the error's classification.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrExecution):
		return "execution"
	case errors.Is(err, ErrRemoteClient):
		return "remote_client"
	case errors.Is(err, ErrRemoteTransient):
		return "remote_transient"
	case errors.Is(err, ErrParse):
		return "parse"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "internal"
	}
}
