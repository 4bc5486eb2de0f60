package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"taskorch/internal/apperrors"
	"taskorch/pkg/circuitbreaker"
	"taskorch/pkg/cloudevent"
	"time"
)

// MemoryDispatcher delivers callbacks from a bounded in-process buffer.
//
// A worker pool sends each event, resending per the retry policy. While a
// destination's circuit is open the event is parked for one cooldown and then
// put back in the buffer. Close drains the buffer and gives parked events one
// last try.
type MemoryDispatcher struct {
	events   chan *Event
	sender   *cloudevent.Sender
	breakers *circuitbreaker.Registry
	config   MemoryConfig
	logger   *slog.Logger
	metrics  MetricsRecorder

	queued    atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	requeued  atomic.Int64
	resends   atomic.Int64

	mu     sync.Mutex
	parked map[*Event]*time.Timer
	closed bool

	workers sync.WaitGroup
	stop    chan struct{}
}

// MetricsRecorder is an optional interface for recording dispatcher metrics.
type MetricsRecorder interface {
	RecordDispatcherDelivered(ctx context.Context, durationSeconds float64)
	RecordDispatcherFailed(ctx context.Context)
	RecordDispatcherDropped(ctx context.Context)
	RecordDispatcherRequeued(ctx context.Context)
	RecordDispatcherQueueSize(ctx context.Context, size int64)
}

// NewMemory starts the worker pool.
func NewMemory(cfg MemoryConfig, metrics MetricsRecorder) *MemoryDispatcher {
	cfg = cfg.withDefaults()

	d := &MemoryDispatcher{
		events:   make(chan *Event, cfg.BufferSize),
		sender:   cloudevent.NewSender(cfg.HTTPTimeout),
		breakers: circuitbreaker.NewRegistry(cfg.Breaker),
		config:   cfg,
		logger:   slog.With("component", "dispatcher"),
		metrics:  metrics,
		parked:   make(map[*Event]*time.Timer),
		stop:     make(chan struct{}),
	}

	d.workers.Add(cfg.Workers)
	for range cfg.Workers {
		go d.work()
	}
	if metrics != nil {
		go d.reportQueueSize()
	}

	d.logger.Info("Dispatcher started", "workers", cfg.Workers, "buffer", cfg.BufferSize, "maxAttempts", cfg.Retry.MaxAttempts)
	return d
}

func (d *MemoryDispatcher) reportQueueSize() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.metrics.RecordDispatcherQueueSize(context.Background(), int64(len(d.events)))
		}
	}
}

// Dispatch buffers an event. It never blocks; a full buffer drops the event.
func (d *MemoryDispatcher) Dispatch(event *Event) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case d.events <- event:
		d.queued.Add(1)
		return nil
	default:
		d.drop(event, "buffer full")
		return ErrBufferFull
	}
}

// Stats returns current dispatcher statistics.
func (d *MemoryDispatcher) Stats() Stats {
	d.mu.Lock()
	parked := len(d.parked)
	d.mu.Unlock()

	return Stats{
		QueueDepth:   len(d.events),
		Parked:       parked,
		Queued:       d.queued.Load(),
		Delivered:    d.delivered.Load(),
		Failed:       d.failed.Load(),
		Dropped:      d.dropped.Load(),
		Requeued:     d.requeued.Load(),
		RetriesTotal: d.resends.Load(),
		Circuits:     d.breakers.Stats(),
	}
}

// Close stops admission, moves parked events back into the buffer and waits
// for the workers to drain it, bounded by ctx.
func (d *MemoryDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for event, timer := range d.parked {
		timer.Stop()
		delete(d.parked, event)
		select {
		case d.events <- event:
		default:
			d.drop(event, "buffer full at shutdown")
		}
	}
	d.mu.Unlock()

	d.logger.Info("Dispatcher shutting down", "pending", len(d.events))
	close(d.stop)

	done := make(chan struct{})
	go func() {
		d.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.logger.Info("Dispatcher shutdown complete",
			"delivered", d.delivered.Load(),
			"failed", d.failed.Load(),
			"dropped", d.dropped.Load(),
		)
		return nil
	case <-ctx.Done():
		d.logger.Warn("Dispatcher shutdown timed out", "remaining", len(d.events))
		return ctx.Err()
	}
}

func (d *MemoryDispatcher) work() {
	defer d.workers.Done()

	for {
		select {
		case event := <-d.events:
			d.deliver(event)
		case <-d.stop:
			for {
				select {
				case event := <-d.events:
					d.deliver(event)
				default:
					return
				}
			}
		}
	}
}

func (d *MemoryDispatcher) deliver(event *Event) {
	host := extractHost(event.Destination)
	breaker := d.breakers.Get(host)
	if !breaker.Allow() {
		d.park(event, host)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultDeliveryTimeout)
	defer cancel()

	start := time.Now()
	sends, err := d.send(ctx, event)
	if err == nil {
		breaker.RecordSuccess()
		d.delivered.Add(1)
		if d.metrics != nil {
			d.metrics.RecordDispatcherDelivered(ctx, time.Since(start).Seconds())
		}
		d.logger.Debug("Callback delivered", "jobId", event.JobID, "destination", host, "sends", sends)
		return
	}

	// A receiver rejecting the event is reachable; only transient failures count against the host.
	if d.config.Retry.Retryable(err) {
		breaker.RecordFailure()
	} else {
		breaker.RecordSuccess()
	}
	d.failed.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherFailed(ctx)
	}
	d.logger.Warn("Callback delivery failed",
		"jobId", event.JobID,
		"destination", host,
		"type", event.Payload.Type,
		"sends", sends,
		"kind", apperrors.Kind(err),
		"error", err,
	)
}

// send posts the event until it succeeds or the retry policy gives up. It
// returns the number of sends made.
func (d *MemoryDispatcher) send(ctx context.Context, event *Event) (int, error) {
	opts := cloudevent.SendOptions{
		SigningKey: event.SigningKey,
		Signature:  event.Signature,
	}

	for attempt := 1; ; attempt++ {
		err := d.sender.Send(ctx, event.Destination, event.Payload, opts)
		if err == nil {
			return attempt, nil
		}
		err = classify(err)

		again, delay := d.config.Retry.ShouldRetry(attempt, err)
		if !again {
			return attempt, err
		}
		d.resends.Add(1)

		select {
		case <-ctx.Done():
			return attempt, apperrors.Timeout("callback delivery", defaultDeliveryTimeout)
		case <-time.After(delay):
		}
	}
}

// park holds an event for one breaker cooldown before returning it to the buffer.
func (d *MemoryDispatcher) park(event *Event, host string) {
	if event.Requeues >= d.config.MaxRequeues {
		d.drop(event, "max requeues reached")
		return
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		d.drop(event, "circuit open at shutdown")
		return
	}
	event.Requeues++
	requeues := event.Requeues
	d.parked[event] = time.AfterFunc(d.config.Breaker.Cooldown, func() { d.unpark(event) })
	d.mu.Unlock()

	d.requeued.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherRequeued(context.Background())
	}
	d.logger.Debug("Circuit open, event parked", "jobId", event.JobID, "destination", host, "requeues", requeues)
}

func (d *MemoryDispatcher) unpark(event *Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	// Close already moved it back into the buffer.
	if _, ok := d.parked[event]; !ok {
		return
	}
	delete(d.parked, event)

	select {
	case d.events <- event:
	default:
		d.drop(event, "buffer full on requeue")
	}
}

func (d *MemoryDispatcher) drop(event *Event, reason string) {
	d.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.RecordDispatcherDropped(context.Background())
	}
	d.logger.Warn("Callback dropped",
		"jobId", event.JobID,
		"destination", extractHost(event.Destination),
		"type", event.Payload.Type,
		"reason", reason,
	)
}

// classify maps a send error onto the job error kinds so the retry policy
// can judge it: transport failures, 5xx, 408 and 429 are transient, other
// HTTP errors are the receiver's answer.
func classify(err error) error {
	var he *cloudevent.HTTPError
	if !errors.As(err, &he) {
		return apperrors.RemoteTransient(0, err)
	}
	if cloudevent.IsRetryable(err) {
		return apperrors.RemoteTransient(he.StatusCode, err)
	}
	return apperrors.RemoteClient(he.StatusCode, "")
}

// extractHost extracts the host from a URL for circuit breaker keying.
func extractHost(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}

var _ Dispatcher = (*MemoryDispatcher)(nil)
