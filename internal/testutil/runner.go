package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"taskorch/internal/job"
	"taskorch/internal/runner"
	"time"
)

// FakeRunner is a scriptable runner.WorkRunner that records concurrency.
type FakeRunner struct {
	RunKind job.Kind
	Fn      func(ctx context.Context, req runner.Request) runner.Attempt

	current atomic.Int64
	peak    atomic.Int64
	calls   atomic.Int64
	killed  atomic.Int64

	mu       sync.Mutex
	order    []string
	readyErr error
}

// NewFakeRunner creates a fake for kind. A nil fn succeeds immediately with "ok".
func NewFakeRunner(kind job.Kind, fn func(ctx context.Context, req runner.Request) runner.Attempt) *FakeRunner {
	return &FakeRunner{RunKind: kind, Fn: fn}
}

func (f *FakeRunner) Kind() job.Kind { return f.RunKind }

func (f *FakeRunner) Run(ctx context.Context, req runner.Request) runner.Attempt {
	n := f.current.Add(1)
	defer f.current.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	f.calls.Add(1)

	f.mu.Lock()
	f.order = append(f.order, req.JobID)
	f.mu.Unlock()

	if f.Fn == nil {
		return runner.Attempt{Value: "ok"}
	}
	return f.Fn(ctx, req)
}

func (f *FakeRunner) Ready(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

// SetReadyErr makes Ready fail with err (nil restores readiness).
func (f *FakeRunner) SetReadyErr(err error) {
	f.mu.Lock()
	f.readyErr = err
	f.mu.Unlock()
}

func (f *FakeRunner) ForceTerminate() { f.killed.Add(1) }

// Current returns the number of attempts running right now.
func (f *FakeRunner) Current() int64 { return f.current.Load() }

// Peak returns the highest number of concurrent attempts seen.
func (f *FakeRunner) Peak() int64 { return f.peak.Load() }

// Calls returns the total number of attempts started.
func (f *FakeRunner) Calls() int64 { return f.calls.Load() }

// ForceTerminations returns how often ForceTerminate was called.
func (f *FakeRunner) ForceTerminations() int64 { return f.killed.Load() }

// Order returns job IDs in the order their attempts started.
func (f *FakeRunner) Order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.order...)
}

// Sleep returns a Fn that succeeds with value after d, honouring cancellation.
func Sleep(d time.Duration, value any) func(context.Context, runner.Request) runner.Attempt {
	return func(ctx context.Context, req runner.Request) runner.Attempt {
		select {
		case <-time.After(d):
			return runner.Attempt{Value: value}
		case <-ctx.Done():
			return runner.Attempt{Err: runner.ContextErr(ctx, "fake", d)}
		}
	}
}

// Block returns a Fn that waits until release is closed or ctx ends.
func Block(release <-chan struct{}) func(context.Context, runner.Request) runner.Attempt {
	return func(ctx context.Context, req runner.Request) runner.Attempt {
		select {
		case <-release:
			return runner.Attempt{Value: req.JobID}
		case <-ctx.Done():
			return runner.Attempt{Err: runner.ContextErr(ctx, "fake", 0)}
		}
	}
}

// Fail returns a Fn that always fails with err.
func Fail(err error) func(context.Context, runner.Request) runner.Attempt {
	return func(context.Context, runner.Request) runner.Attempt {
		return runner.Attempt{Err: err}
	}
}
