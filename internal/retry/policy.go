// Package retry decides whether a failed attempt is run again, and after what delay.
package retry

import (
	"errors"
	"taskorch/internal/apperrors"
	"taskorch/pkg/backoff"
	"time"
)

// Policy is a pure retry decision for one job.
type Policy struct {
	MaxAttempts      int
	BaseDelay        time.Duration
	Factor           float64
	MaxDelay         time.Duration // 0 = uncapped
	RetryParseErrors bool
}

// uncapped stands in for "no maximum" since backoff treats zero as its default cap.
const uncapped = time.Duration(1<<63 - 1)

// ShouldRetry reports whether attempt (1-based, the one that just failed) should
// be followed by another, and the delay before it.
func (p Policy) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if err == nil || !p.Retryable(err) {
		return false, 0
	}
	if attempt >= p.MaxAttempts {
		return false, 0
	}
	return true, p.Delay(attempt)
}

// Delay is BaseDelay * Factor^(attempt-1), capped at MaxDelay when set.
func (p Policy) Delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = uncapped
	}
	return backoff.Exponential(attempt, &backoff.Config{
		Initial: p.BaseDelay,
		Max:     maxDelay,
		Factor:  p.Factor,
	})
}

// Retryable classifies err independent of the attempt budget.
func (p Policy) Retryable(err error) bool {
	switch {
	case errors.Is(err, apperrors.ErrValidation),
		errors.Is(err, apperrors.ErrCapacityExceeded),
		errors.Is(err, apperrors.ErrRemoteClient),
		errors.Is(err, apperrors.ErrCancelled),
		errors.Is(err, apperrors.ErrUnavailable):
		return false
	case errors.Is(err, apperrors.ErrParse):
		return p.RetryParseErrors
	case errors.Is(err, apperrors.ErrExecution):
		return !apperrors.IsPermanent(err)
	default:
		// timeout, remote transient, and anything unclassified
		return true
	}
}
