// Package orchestrator is the front door of the task orchestration core. It
// owns the queue, the runners, the metrics registry and the callback
// dispatcher, and exposes an explicit Initialize/Shutdown lifecycle.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"taskorch/internal/apperrors"
	"taskorch/internal/config"
	"taskorch/internal/dispatcher"
	"taskorch/internal/health"
	"taskorch/internal/job"
	"taskorch/internal/observability"
	"taskorch/internal/queue"
	"taskorch/internal/runner"
	"taskorch/internal/runner/container"
	"taskorch/internal/runner/remote"
	"taskorch/pkg/circuitbreaker"
	"time"
)

const (
	// forceWait bounds the wait for attempts to return after ForceTerminate.
	forceWait = 2 * time.Second
	// dispatcherDrainWait bounds callback delivery during shutdown.
	dispatcherDrainWait = 5 * time.Second
	sweepTimeout        = 30 * time.Second
)

// Options carries optional collaborators. The zero value is valid.
type Options struct {
	Metrics    *observability.Metrics
	Dispatcher dispatcher.Dispatcher // nil creates an in-memory dispatcher from the config
	HTTPClient *http.Client          // used by the remote runner
	Runners    []runner.WorkRunner   // replaces the runners built from the config
}

// Orchestrator accepts jobs and drives them to completion under a fixed
// concurrency ceiling.
type Orchestrator struct {
	cfg        *config.Config
	queue      *queue.Queue
	runners    []runner.WorkRunner
	registry   *observability.Registry
	metrics    *observability.Metrics
	dispatcher dispatcher.Dispatcher
	health     *health.Checker
	logger     *slog.Logger

	initialized  atomic.Bool
	shuttingDown atomic.Bool
	initOnce     sync.Once
	shutdownOnce sync.Once
	shutdownErr  error

	stopJanitor chan struct{}
	janitorDone chan struct{}
}

// New validates cfg and assembles an orchestrator. Invalid configuration is
// returned as an error; nothing runs until Initialize.
func New(cfg *config.Config, opts Options) (*Orchestrator, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	runners := opts.Runners
	if len(runners) == 0 {
		var inFlight remote.InFlightRecorder
		if opts.Metrics != nil {
			inFlight = opts.Metrics
		}
		built, err := buildRunners(cfg, opts.HTTPClient, inFlight)
		if err != nil {
			return nil, err
		}
		runners = built
	}

	d := opts.Dispatcher
	if d == nil {
		var recorder dispatcher.MetricsRecorder
		if opts.Metrics != nil {
			recorder = opts.Metrics
		}
		d = dispatcher.NewMemory(dispatcher.MemoryConfig{
			BufferSize:  cfg.DispatcherBufferSize,
			Workers:     cfg.DispatcherWorkers,
			HTTPTimeout: cfg.DispatcherHTTPTimeout,
		}, recorder)
	}

	registry := observability.NewRegistry(observability.CostModel{
		PerThousandUnits: cfg.CostPerThousandUnits,
		PerSecond:        cfg.CostPerSecond,
	})
	logger := slog.With("component", "orchestrator")

	q, err := queue.New(queue.Config{
		MaxConcurrent:    cfg.MaxConcurrentJobs,
		MaxQueueDepth:    cfg.MaxQueueDepth,
		MaxRetryDelay:    cfg.MaxRetryDelay,
		RetryParseErrors: cfg.RetryParseErrors,
		Recorder:         registry,
	}, runners, &observer{
		metrics:    opts.Metrics,
		dispatcher: d,
		logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	registry.SetQueueStats(func(read func(active, queued, peak int)) {
		q.WithStats(func(s queue.Stats) {
			read(s.Active, s.Queued+s.Backoff, s.Peak)
		})
	})

	o := &Orchestrator{
		cfg:         cfg,
		queue:       q,
		runners:     runners,
		registry:    registry,
		metrics:     opts.Metrics,
		dispatcher:  d,
		logger:      logger,
		stopJanitor: make(chan struct{}),
		janitorDone: make(chan struct{}),
	}
	o.health = health.NewChecker(o)
	return o, nil
}

// Initialize probes every runner, removes containers left by a previous
// process and starts the retention janitor. Unready runners are logged, not
// fatal: the health check reports them.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.shuttingDown.Load() {
		return apperrors.Unavailable("orchestrator is shutting down")
	}
	o.initOnce.Do(func() {
		for _, r := range o.runners {
			probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := r.Ready(probeCtx); err != nil {
				o.logger.Warn("Runner not ready", "kind", r.Kind(), "error", err)
			}
			cancel()

			if c, ok := r.(*container.Runner); ok {
				sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
				if _, err := c.Sweep(sweepCtx); err != nil {
					o.logger.Warn("Container sweep failed", "error", err)
				}
				cancel()
			}
		}

		go o.janitor()
		o.initialized.Store(true)
		o.logger.Info("Orchestrator initialized",
			"maxConcurrentJobs", o.cfg.MaxConcurrentJobs,
			"runners", len(o.runners),
		)
	})
	return nil
}

// Submit validates spec, fills defaults from config and enqueues a copy.
// It never blocks on capacity.
func (o *Orchestrator) Submit(spec *job.Spec) (job.Handle, error) {
	if err := o.accepting(); err != nil {
		return job.Handle{}, err
	}
	if spec == nil {
		return job.Handle{}, apperrors.Validation("spec", "spec is required")
	}

	s := cloneSpec(spec)
	job.ApplyDefaults(s, o.cfg.JobDefaults())
	if err := job.Validate(s); err != nil {
		return job.Handle{}, err
	}

	h, err := o.queue.Submit(s)
	if err != nil {
		return job.Handle{}, err
	}
	o.logger.Info("Job submitted", "jobId", h.ID, "kind", h.Kind)
	return h, nil
}

// Await blocks until the job is terminal, ctx ends or timeout elapses
// (timeout <= 0 waits on ctx alone). A finished job returns its result with a
// nil error even when the job failed; see Result.Err.
func (o *Orchestrator) Await(ctx context.Context, id string, timeout time.Duration) (job.Result, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, apperrors.Timeout("await", timeout))
		defer cancel()
	}
	return o.queue.Await(ctx, id)
}

// Cancel requests cancellation. It returns false if the job is unknown or
// already terminal.
func (o *Orchestrator) Cancel(id string) bool {
	return o.queue.Cancel(id)
}

// Status returns a snapshot of the job.
func (o *Orchestrator) Status(id string) (job.Handle, error) {
	return o.queue.Status(id)
}

// List returns snapshots of every retained job, oldest first.
func (o *Orchestrator) List() []job.Handle {
	return o.queue.List()
}

// Metrics returns a consistent snapshot of the aggregate counters, with the
// current breaker state alongside.
func (o *Orchestrator) Metrics() observability.Snapshot {
	snap := o.registry.Snapshot()
	snap.Circuits = o.Circuits()
	return snap
}

// HealthCheck reports whether the orchestrator can accept and run work.
func (o *Orchestrator) HealthCheck(ctx context.Context) *health.Report {
	return o.health.Check(ctx)
}

// Health returns the checker behind the liveness and readiness probes.
func (o *Orchestrator) Health() *health.Checker {
	return o.health
}

// Shutdown stops admission, cancels waiting jobs, signals running ones and
// waits up to grace for them. Runners that still hold work are force
// terminated, then pending callbacks get a bounded drain. Shutdown is
// idempotent and never blocks indefinitely.
func (o *Orchestrator) Shutdown(grace time.Duration) error {
	o.shutdownOnce.Do(func() {
		o.shuttingDown.Store(true)
		o.health.SetShuttingDown()
		stats := o.queue.Stats()
		o.logger.Info("Orchestrator shutting down", "active", stats.Active, "queued", stats.Queued+stats.Backoff, "grace", grace)

		o.queue.Close()

		ctx, cancel := context.WithTimeout(context.Background(), grace)
		err := o.queue.Drain(ctx)
		cancel()
		if err != nil {
			o.logger.Warn("Grace period elapsed, force terminating", "active", o.queue.Stats().Active)
			for _, r := range o.runners {
				if t, ok := r.(runner.Terminator); ok {
					t.ForceTerminate()
				}
			}
			ctx, cancel := context.WithTimeout(context.Background(), forceWait)
			if err := o.queue.Drain(ctx); err != nil {
				o.shutdownErr = apperrors.Timeout("shutdown", grace+forceWait)
			}
			cancel()
		}

		if o.initialized.Load() {
			close(o.stopJanitor)
			<-o.janitorDone
		}

		ctx, cancel = context.WithTimeout(context.Background(), dispatcherDrainWait)
		if err := o.dispatcher.Close(ctx); err != nil {
			o.logger.Warn("Callback drain incomplete", "error", err)
		}
		cancel()

		for _, r := range o.runners {
			if c, ok := r.(io.Closer); ok {
				if err := c.Close(); err != nil {
					o.logger.Warn("Runner close failed", "kind", r.Kind(), "error", err)
				}
			}
		}

		snap := o.registry.Snapshot()
		o.logger.Info("Orchestrator stopped",
			"succeeded", snap.Succeeded,
			"failed", snap.Failed,
			"cancelled", snap.Cancelled,
		)
	})
	return o.shutdownErr
}

func (o *Orchestrator) accepting() error {
	switch {
	case o.shuttingDown.Load():
		return apperrors.Unavailable("orchestrator is shutting down")
	case !o.initialized.Load():
		return apperrors.Unavailable("orchestrator is not initialized")
	default:
		return nil
	}
}

// janitor prunes terminal handles and refreshes the queue gauge.
func (o *Orchestrator) janitor() {
	defer close(o.janitorDone)
	ticker := time.NewTicker(o.cfg.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopJanitor:
			return
		case <-ticker.C:
			o.maintain(time.Now())
		}
	}
}

func (o *Orchestrator) maintain(now time.Time) {
	if removed := o.queue.Prune(now.Add(-o.cfg.JobRetention)); removed > 0 {
		o.logger.Debug("Pruned finished jobs", "count", removed)
	}
	if o.metrics != nil {
		s := o.queue.Stats()
		o.metrics.RecordQueueLength(context.Background(), int64(s.Queued+s.Backoff))
	}
}

// Initialized implements health.Source.
func (o *Orchestrator) Initialized() bool {
	return o.initialized.Load()
}

// Probes implements health.Source.
func (o *Orchestrator) Probes() map[string]health.ReadinessChecker {
	probes := make(map[string]health.ReadinessChecker, len(o.runners))
	for _, r := range o.runners {
		probes[string(r.Kind())] = r
	}
	return probes
}

// Load implements health.Source.
func (o *Orchestrator) Load() (int, int) {
	return o.queue.Stats().Active, o.queue.MaxConcurrent()
}

// circuitReporter is implemented by runners that call out through breakers.
type circuitReporter interface {
	Circuits() circuitbreaker.Stats
}

// Circuits reports breaker state per outbound client: one entry per runner
// kind that has breakers, plus "callbacks".
func (o *Orchestrator) Circuits() map[string]circuitbreaker.Stats {
	circuits := make(map[string]circuitbreaker.Stats)
	for _, r := range o.runners {
		if cr, ok := r.(circuitReporter); ok {
			circuits[string(r.Kind())] = cr.Circuits()
		}
	}
	circuits["callbacks"] = o.dispatcher.Stats().Circuits
	return circuits
}

// cloneSpec copies the spec and its payloads so later caller mutation cannot
// reach a queued job.
func cloneSpec(spec *job.Spec) *job.Spec {
	s := *spec
	if spec.Process != nil {
		p := *spec.Process
		p.Args = append([]string(nil), p.Args...)
		p.Env = cloneMap(p.Env)
		s.Process = &p
	}
	if spec.Remote != nil {
		r := *spec.Remote
		r.Headers = cloneMap(r.Headers)
		r.Body = append([]byte(nil), r.Body...)
		s.Remote = &r
	}
	if spec.Container != nil {
		c := *spec.Container
		c.Command = append([]string(nil), c.Command...)
		c.Env = cloneMap(c.Env)
		s.Container = &c
	}
	if spec.Callback != nil {
		cb := *spec.Callback
		cb.Events = append([]string(nil), cb.Events...)
		s.Callback = &cb
	}
	s.Meta = cloneMap(spec.Meta)
	return &s
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
