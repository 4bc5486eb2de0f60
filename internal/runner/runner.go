// Package runner defines the WorkRunner capability and helpers shared by its
// implementations.
package runner

import (
	"context"
	"errors"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"time"
)

// Request is one attempt of one job.
type Request struct {
	JobID   string
	Attempt int
	Spec    *job.Spec
}

// Attempt is the outcome of a single execution try.
type Attempt struct {
	Value     any
	RawOutput string
	Units     int64
	Err       error
}

// WorkRunner executes one attempt to completion or failure. Run must honour
// ctx cancellation and the spec's timeout, and must never panic past its caller
// for ordinary failures: every failure is returned classified in Attempt.Err.
type WorkRunner interface {
	Kind() job.Kind
	Run(ctx context.Context, req Request) Attempt

	// Ready is a cheap reachability probe for health checks.
	Ready(ctx context.Context) error
}

// Terminator is implemented by runners that own OS or daemon resources which
// must be killed if they outlive a shutdown grace period.
type Terminator interface {
	ForceTerminate()
}

// ContextErr classifies why an attempt context ended.
// A deadline becomes Timeout, an explicit cause is returned as is, anything else is Cancelled.
func ContextErr(ctx context.Context, op string, timeout time.Duration) error {
	cause := context.Cause(ctx)
	switch {
	case cause == nil:
		return nil
	case errors.Is(cause, context.DeadlineExceeded):
		return apperrors.Timeout(op, timeout)
	case errors.Is(cause, apperrors.ErrCancelled):
		return cause
	default:
		return apperrors.Cancelled("cancelled: " + cause.Error())
	}
}

// Tail returns at most n trailing bytes of s.
func Tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
