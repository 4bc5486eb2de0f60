// Package queue admits jobs in FIFO order under a fixed concurrency ceiling
// and drives each one through its attempts.
//
// A single mutex guards the waiting list, the active count and every handle.
// Each running attempt owns a goroutine; dispatch happens on submit and on
// every completion, never by polling.
package queue

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"taskorch/internal/apperrors"
	"taskorch/internal/job"
	"taskorch/internal/retry"
	"taskorch/internal/runner"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds queue limits and the retry settings not carried by a spec.
type Config struct {
	MaxConcurrent    int
	MaxQueueDepth    int           // waiting jobs before Submit fails fast (0 = unbounded)
	MaxRetryDelay    time.Duration // 0 = uncapped
	RetryParseErrors bool

	// Recorder, if set, is called with the queue lock held.
	Recorder Recorder
}

// Recorder keeps aggregate counters in step with queue occupancy. Its methods
// run under the queue lock and must not call back into the queue.
type Recorder interface {
	RecordSubmitted()
	RecordAttempt()
	RecordRetry()
	Record(kind job.Kind, status job.Status, res job.Result)
}

// Observer receives lifecycle notifications. Calls happen outside the queue
// lock, possibly from several goroutines at once.
type Observer interface {
	JobSubmitted(h job.Handle)
	AttemptStarted(h job.Handle)
	AttemptFinished(h job.Handle, a runner.Attempt, elapsed time.Duration)
	RetryScheduled(h job.Handle, delay time.Duration)
	JobCompleted(h job.Handle, r job.Result)
}

// Stats is a consistent view of queue occupancy.
type Stats struct {
	Active  int
	Queued  int // waiting in the FIFO
	Backoff int // waiting out a retry delay
	Peak    int
}

type entry struct {
	spec   *job.Spec
	handle job.Handle
	policy retry.Policy

	elem   *list.Element           // set while waiting in the FIFO
	cancel context.CancelCauseFunc // set while an attempt runs
	timer  *time.Timer             // set while waiting out a retry delay

	units    int64
	result   job.Result
	done     chan struct{}
	observed bool
}

// Queue is the TaskQueue.
type Queue struct {
	cfg      Config
	runners  map[job.Kind]runner.WorkRunner
	observer Observer
	tracer   trace.Tracer
	logger   *slog.Logger

	mu      sync.Mutex
	fifo    *list.List
	entries map[string]*entry
	active  int
	backoff int
	peak    int
	closed  bool

	running sync.WaitGroup
}

// New creates a queue dispatching to the given runners. observer may be nil.
func New(cfg Config, runners []runner.WorkRunner, observer Observer) (*Queue, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent jobs must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxQueueDepth < 0 {
		return nil, fmt.Errorf("max queue depth must not be negative, got %d", cfg.MaxQueueDepth)
	}
	byKind := make(map[job.Kind]runner.WorkRunner, len(runners))
	for _, r := range runners {
		if _, dup := byKind[r.Kind()]; dup {
			return nil, fmt.Errorf("duplicate runner for kind %q", r.Kind())
		}
		byKind[r.Kind()] = r
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	return &Queue{
		cfg:      cfg,
		runners:  byKind,
		observer: observer,
		tracer:   otel.Tracer("taskorch/queue"),
		logger:   slog.With("component", "queue"),
		fifo:     list.New(),
		entries:  make(map[string]*entry),
	}, nil
}

// Submit enqueues a validated spec and returns its initial snapshot.
// It never blocks on capacity.
func (q *Queue) Submit(spec *job.Spec) (job.Handle, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return job.Handle{}, apperrors.Unavailable("orchestrator is shutting down")
	}
	if _, ok := q.runners[spec.Kind]; !ok {
		q.mu.Unlock()
		return job.Handle{}, apperrors.UnsupportedKind(string(spec.Kind))
	}
	if q.cfg.MaxQueueDepth > 0 && q.fifo.Len() >= q.cfg.MaxQueueDepth {
		depth := q.fifo.Len()
		q.mu.Unlock()
		return job.Handle{}, apperrors.CapacityExceeded(depth)
	}

	e := &entry{
		spec: spec,
		handle: job.Handle{
			ID:          uuid.NewString(),
			Kind:        spec.Kind,
			Status:      job.StatusQueued,
			SubmittedAt: time.Now().UTC(),
			Meta:        spec.Meta,
			Callback:    spec.Callback,
		},
		policy: retry.Policy{
			MaxAttempts:      spec.MaxAttempts,
			BaseDelay:        spec.RetryBaseDelay.Std(),
			Factor:           spec.RetryBackoffFactor,
			MaxDelay:         q.cfg.MaxRetryDelay,
			RetryParseErrors: q.cfg.RetryParseErrors,
		},
		done: make(chan struct{}),
	}
	q.entries[e.handle.ID] = e
	e.elem = q.fifo.PushBack(e)
	q.cfg.Recorder.RecordSubmitted()
	snap := e.snapshot()
	q.dispatchLocked()
	q.mu.Unlock()

	q.logger.Debug("Job submitted", "jobId", snap.ID, "kind", snap.Kind)
	q.observer.JobSubmitted(snap)
	return snap, nil
}

// dispatchLocked starts waiting jobs while there is capacity.
func (q *Queue) dispatchLocked() {
	for q.active < q.cfg.MaxConcurrent && q.fifo.Len() > 0 {
		e := q.fifo.Remove(q.fifo.Front()).(*entry)
		e.elem = nil

		q.active++
		q.peak = max(q.peak, q.active)

		h := &e.handle
		h.Status = job.StatusRunning
		h.Attempt++
		if h.StartedAt.IsZero() {
			h.StartedAt = time.Now().UTC()
		}
		q.cfg.Recorder.RecordAttempt()

		ctx, cancel := context.WithCancelCause(context.Background())
		e.cancel = cancel
		q.running.Add(1)
		go q.runAttempt(ctx, e, e.snapshot())
	}
}

func (q *Queue) runAttempt(ctx context.Context, e *entry, snap job.Handle) {
	defer q.running.Done()

	logger := q.logger.With("jobId", snap.ID, "kind", snap.Kind, "attempt", snap.Attempt)
	q.observer.AttemptStarted(snap)
	logger.Debug("Attempt started")

	ctx, span := q.tracer.Start(ctx, "taskorch.attempt", trace.WithAttributes(
		attribute.String("job.id", snap.ID),
		attribute.String("job.kind", string(snap.Kind)),
		attribute.Int("job.attempt", snap.Attempt),
	))

	start := time.Now()
	att := q.execute(ctx, q.runners[snap.Kind], runner.Request{JobID: snap.ID, Attempt: snap.Attempt, Spec: e.spec})
	elapsed := time.Since(start)

	if att.Err != nil {
		span.RecordError(att.Err)
		span.SetStatus(codes.Error, apperrors.Kind(att.Err))
	}
	span.End()

	q.finishAttempt(logger, e, att, elapsed)
}

// execute runs one attempt, converting a runner panic into an internal error.
func (q *Queue) execute(ctx context.Context, r runner.WorkRunner, req runner.Request) (att runner.Attempt) {
	defer func() {
		if rec := recover(); rec != nil {
			q.logger.Error("Runner panicked", "jobId", req.JobID, "panic", rec)
			att = runner.Attempt{Err: apperrors.Internal("runner", fmt.Errorf("panic: %v", rec))}
		}
	}()
	return r.Run(ctx, req)
}

func (q *Queue) finishAttempt(logger *slog.Logger, e *entry, att runner.Attempt, elapsed time.Duration) {
	q.mu.Lock()
	q.active--
	e.cancel(nil)
	e.cancel = nil
	e.units += att.Units

	h := &e.handle
	var (
		completed bool
		delay     time.Duration
		retrying  bool
	)
	switch {
	case att.Err == nil:
		q.completeLocked(e, job.StatusSucceeded, att)
		completed = true
	case h.CancelRequested || errors.Is(att.Err, apperrors.ErrCancelled):
		if !errors.Is(att.Err, apperrors.ErrCancelled) {
			att.Err = apperrors.Cancelled("cancelled by caller")
		}
		q.completeLocked(e, job.StatusCancelled, att)
		completed = true
	default:
		retrying, delay = e.policy.ShouldRetry(h.Attempt, att.Err)
		if retrying && !q.closed {
			h.Status = job.StatusQueued
			h.LastError = job.NewErrorInfo(att.Err)
			h.RetryDelays = append(h.RetryDelays, job.Duration(delay))
			q.backoff++
			q.cfg.Recorder.RecordRetry()
			e.timer = time.AfterFunc(delay, func() { q.readmit(e) })
		} else {
			retrying = false
			q.completeLocked(e, job.StatusFailed, att)
			completed = true
		}
	}

	snap := e.snapshot()
	result := e.result
	q.dispatchLocked()
	q.mu.Unlock()

	q.observer.AttemptFinished(snap, att, elapsed)
	switch {
	case retrying:
		logger.Info("Attempt failed, retrying", "error", att.Err, "delay", delay)
		q.observer.RetryScheduled(snap, delay)
	case completed:
		logger.Info("Job finished", "status", snap.Status, "attempts", snap.Attempt)
		q.observer.JobCompleted(snap, result)
	}
}

// readmit puts a job whose retry delay elapsed back at the FIFO tail.
func (q *Queue) readmit(e *entry) {
	q.mu.Lock()
	if e.timer == nil || e.handle.Status.Terminal() {
		q.mu.Unlock()
		return
	}
	e.timer = nil
	q.backoff--
	e.elem = q.fifo.PushBack(e)
	q.dispatchLocked()
	q.mu.Unlock()
}

// completeLocked records a terminal outcome and releases awaiters.
func (q *Queue) completeLocked(e *entry, status job.Status, att runner.Attempt) {
	h := &e.handle
	h.Status = status
	h.CompletedAt = time.Now().UTC()
	h.LastError = job.NewErrorInfo(att.Err)

	var durationMs int64
	if !h.StartedAt.IsZero() {
		durationMs = h.CompletedAt.Sub(h.StartedAt).Milliseconds()
	}
	e.result = job.Result{
		Success:      status == job.StatusSucceeded,
		Value:        att.Value,
		RawOutput:    att.RawOutput,
		Error:        h.LastError,
		AttemptsUsed: h.Attempt,
		DurationMs:   durationMs,
		Units:        e.units,
		Err:          att.Err,
	}
	q.cfg.Recorder.Record(h.Kind, status, e.result)
	close(e.done)
}

// Cancel requests cancellation. It returns false for unknown or terminal jobs.
// A running job becomes Cancelled only once its runner returns.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	e, ok := q.entries[id]
	if !ok || e.handle.Status.Terminal() {
		q.mu.Unlock()
		return false
	}
	e.handle.CancelRequested = true

	if e.cancel != nil {
		e.cancel(apperrors.Cancelled("cancelled by caller"))
		q.mu.Unlock()
		q.logger.Info("Cancellation signalled", "jobId", id)
		return true
	}

	q.dropWaitingLocked(e)
	q.completeLocked(e, job.StatusCancelled, runner.Attempt{Err: apperrors.Cancelled("cancelled before running")})
	snap, result := e.snapshot(), e.result
	q.mu.Unlock()

	q.logger.Info("Job cancelled", "jobId", id, "attempts", snap.Attempt)
	q.observer.JobCompleted(snap, result)
	return true
}

// dropWaitingLocked removes e from the FIFO or stops its retry timer.
func (q *Queue) dropWaitingLocked(e *entry) {
	if e.elem != nil {
		q.fifo.Remove(e.elem)
		e.elem = nil
	}
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		q.backoff--
	}
}

// Await blocks until the job is terminal or ctx ends. A context error is
// returned as the context's cause.
func (q *Queue) Await(ctx context.Context, id string) (job.Result, error) {
	q.mu.Lock()
	e, ok := q.entries[id]
	q.mu.Unlock()
	if !ok {
		return job.Result{}, apperrors.NotFound("job", id)
	}

	select {
	case <-e.done:
		q.mu.Lock()
		e.observed = true
		result := e.result
		q.mu.Unlock()
		return result, nil
	case <-ctx.Done():
		return job.Result{}, context.Cause(ctx)
	}
}

// Status returns a snapshot. Observing a terminal status makes the handle
// eligible for pruning.
func (q *Queue) Status(id string) (job.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return job.Handle{}, apperrors.NotFound("job", id)
	}
	if e.handle.Status.Terminal() {
		e.observed = true
	}
	return e.snapshot(), nil
}

// List returns snapshots of every retained job, oldest first.
func (q *Queue) List() []job.Handle {
	q.mu.Lock()
	handles := make([]job.Handle, 0, len(q.entries))
	for _, e := range q.entries {
		handles = append(handles, e.snapshot())
	}
	q.mu.Unlock()

	slices.SortFunc(handles, func(a, b job.Handle) int {
		return a.SubmittedAt.Compare(b.SubmittedAt)
	})
	return handles
}

// WithStats calls fn with the current occupancy while holding the queue lock.
// fn must not call back into the queue.
func (q *Queue) WithStats(fn func(Stats)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn(Stats{Active: q.active, Queued: q.fifo.Len(), Backoff: q.backoff, Peak: q.peak})
}

// Stats returns the current occupancy.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Active: q.active, Queued: q.fifo.Len(), Backoff: q.backoff, Peak: q.peak}
}

// Prune drops terminal handles that were observed or completed before cutoff.
func (q *Queue) Prune(cutoff time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.entries {
		if !e.handle.Status.Terminal() {
			continue
		}
		if e.observed || e.handle.CompletedAt.Before(cutoff) {
			delete(q.entries, id)
			removed++
		}
	}
	return removed
}

// Close stops admission, cancels every waiting job and signals every running
// attempt. It does not wait; see Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true

	type completion struct {
		snap   job.Handle
		result job.Result
	}
	var cancelled []completion
	signalled := 0
	for _, e := range q.entries {
		if e.handle.Status.Terminal() {
			continue
		}
		e.handle.CancelRequested = true
		if e.cancel != nil {
			e.cancel(apperrors.Cancelled("orchestrator shutting down"))
			signalled++
			continue
		}
		q.dropWaitingLocked(e)
		q.completeLocked(e, job.StatusCancelled, runner.Attempt{Err: apperrors.Cancelled("orchestrator shutting down")})
		cancelled = append(cancelled, completion{e.snapshot(), e.result})
	}
	q.mu.Unlock()

	q.logger.Info("Queue closed", "cancelledWaiting", len(cancelled), "signalledRunning", signalled)
	for _, c := range cancelled {
		q.observer.JobCompleted(c.snap, c.result)
	}
}

// Drain waits for running attempts to return, bounded by ctx.
func (q *Queue) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		q.running.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// MaxConcurrent returns the concurrency ceiling.
func (q *Queue) MaxConcurrent() int {
	return q.cfg.MaxConcurrent
}

// Runners returns the registered runners.
func (q *Queue) Runners() []runner.WorkRunner {
	out := make([]runner.WorkRunner, 0, len(q.runners))
	for _, k := range []job.Kind{job.KindProcess, job.KindRemote, job.KindContainer} {
		if r, ok := q.runners[k]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (e *entry) snapshot() job.Handle {
	h := e.handle
	h.RetryDelays = slices.Clone(h.RetryDelays)
	return h
}

type nopObserver struct{}

func (nopObserver) JobSubmitted(job.Handle)                                   {}
func (nopObserver) AttemptStarted(job.Handle)                                 {}
func (nopObserver) AttemptFinished(job.Handle, runner.Attempt, time.Duration) {}
func (nopObserver) RetryScheduled(job.Handle, time.Duration)                  {}
func (nopObserver) JobCompleted(job.Handle, job.Result)                       {}

type nopRecorder struct{}

func (nopRecorder) RecordSubmitted()                        {}
func (nopRecorder) RecordAttempt()                          {}
func (nopRecorder) RecordRetry()                            {}
func (nopRecorder) Record(job.Kind, job.Status, job.Result) {}
