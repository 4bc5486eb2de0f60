package observability

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics holds all application metrics implementing the golden 4 signals:
// - Latency: How long requests/jobs take
// - Traffic: Request/job throughput
// - Errors: Rate of failures
// - Saturation: Resource utilization (concurrent jobs/requests)
type Metrics struct {
	meter metric.Meter

	// HTTP metrics (Latency, Traffic, Errors)
	HTTPRequestDuration metric.Float64Histogram
	HTTPRequestsTotal   metric.Int64Counter
	HTTPErrorsTotal     metric.Int64Counter

	// Job metrics (Latency, Traffic, Errors, Saturation)
	JobDuration    metric.Float64Histogram
	JobsSubmitted  metric.Int64Counter
	JobsCompleted  metric.Int64Counter
	JobAttempts    metric.Int64Counter
	JobRetries     metric.Int64Counter
	JobsActive     metric.Int64UpDownCounter
	JobsQueued     metric.Int64Gauge
	RemoteUnits    metric.Int64Counter
	RemoteInFlight metric.Int64UpDownCounter

	// Dispatcher metrics (Latency, Traffic, Errors, Saturation)
	DispatcherDuration   metric.Float64Histogram
	DispatcherDelivered  metric.Int64Counter
	DispatcherFailed     metric.Int64Counter
	DispatcherDropped    metric.Int64Counter
	DispatcherRequeued   metric.Int64Counter
	DispatcherQueueSize  metric.Int64Gauge
	DispatcherBufferSize int64 // config value for saturation calculation
}

// NewMetrics creates and registers all metrics with a Prometheus exporter.
func NewMetrics(ctx context.Context) (*Metrics, http.Handler, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, err
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	otel.SetMeterProvider(provider)

	meter := provider.Meter("taskorch")
	m := &Metrics{meter: meter}

	// HTTP metrics
	m.HTTPRequestDuration, err = meter.Float64Histogram(
		"http_request_duration_seconds",
		metric.WithDescription("HTTP request latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"http_requests_total",
		metric.WithDescription("Total number of HTTP requests"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.HTTPErrorsTotal, err = meter.Int64Counter(
		"http_errors_total",
		metric.WithDescription("Total number of HTTP errors (4xx and 5xx)"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Job metrics
	m.JobDuration, err = meter.Float64Histogram(
		"job_duration_seconds",
		metric.WithDescription("Job duration from first attempt to terminal status in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 120, 300, 600, 1800),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsSubmitted, err = meter.Int64Counter(
		"jobs_submitted_total",
		metric.WithDescription("Total number of jobs accepted"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsCompleted, err = meter.Int64Counter(
		"jobs_completed_total",
		metric.WithDescription("Total number of jobs reaching a terminal status"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobAttempts, err = meter.Int64Counter(
		"job_attempts_total",
		metric.WithDescription("Total number of attempts executed"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobRetries, err = meter.Int64Counter(
		"job_retries_total",
		metric.WithDescription("Total number of retries scheduled"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsActive, err = meter.Int64UpDownCounter(
		"jobs_active",
		metric.WithDescription("Number of currently running attempts (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.JobsQueued, err = meter.Int64Gauge(
		"jobs_queued",
		metric.WithDescription("Number of jobs waiting for a concurrency slot"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RemoteUnits, err = meter.Int64Counter(
		"remote_units_total",
		metric.WithDescription("Total units (tokens) reported by remote calls"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.RemoteInFlight, err = meter.Int64UpDownCounter(
		"remote_in_flight",
		metric.WithDescription("Number of remote calls currently in flight"),
	)
	if err != nil {
		return nil, nil, err
	}

	// Dispatcher metrics
	m.DispatcherDuration, err = meter.Float64Histogram(
		"dispatcher_duration_seconds",
		metric.WithDescription("Callback delivery latency in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDelivered, err = meter.Int64Counter(
		"dispatcher_delivered_total",
		metric.WithDescription("Total events successfully delivered"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherFailed, err = meter.Int64Counter(
		"dispatcher_failed_total",
		metric.WithDescription("Total events failed after retries"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherDropped, err = meter.Int64Counter(
		"dispatcher_dropped_total",
		metric.WithDescription("Total events dropped (buffer full or max requeues)"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherRequeued, err = meter.Int64Counter(
		"dispatcher_requeued_total",
		metric.WithDescription("Total events requeued due to open circuit"),
	)
	if err != nil {
		return nil, nil, err
	}

	m.DispatcherQueueSize, err = meter.Int64Gauge(
		"dispatcher_queue_size",
		metric.WithDescription("Current number of events in dispatcher queue (saturation)"),
	)
	if err != nil {
		return nil, nil, err
	}

	return m, promhttp.Handler(), nil
}

// RecordHTTPRequest records HTTP request metrics. kind is the job kind the
// request concerned, empty when there was none.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path, kind string, statusCode int, durationSeconds float64) {
	kv := []attribute.KeyValue{
		methodAttr(method),
		pathAttr(path),
		statusAttr(statusCode),
	}
	if kind != "" {
		kv = append(kv, kindAttr(kind))
	}
	attrs := metric.WithAttributes(kv...)

	m.HTTPRequestDuration.Record(ctx, durationSeconds, attrs)
	m.HTTPRequestsTotal.Add(ctx, 1, attrs)

	if statusCode >= 400 {
		m.HTTPErrorsTotal.Add(ctx, 1, attrs)
	}
}

// RecordJobSubmitted records a job being accepted.
func (m *Metrics) RecordJobSubmitted(ctx context.Context, kind string) {
	m.JobsSubmitted.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordAttemptStarted records an attempt taking a concurrency slot.
func (m *Metrics) RecordAttemptStarted(ctx context.Context, kind string) {
	m.JobsActive.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordAttemptFinished records an attempt releasing its slot. outcome is
// "success" or the error kind.
func (m *Metrics) RecordAttemptFinished(ctx context.Context, kind, outcome string, units int64) {
	m.JobsActive.Add(ctx, -1, metric.WithAttributes(kindAttr(kind)))
	m.JobAttempts.Add(ctx, 1, metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome)))
	if units > 0 {
		m.RemoteUnits.Add(ctx, units, metric.WithAttributes(kindAttr(kind)))
	}
}

// RecordRetry records a retry being scheduled.
func (m *Metrics) RecordRetry(ctx context.Context, kind string) {
	m.JobRetries.Add(ctx, 1, metric.WithAttributes(kindAttr(kind)))
}

// RecordJobCompleted records a job reaching a terminal status.
func (m *Metrics) RecordJobCompleted(ctx context.Context, kind, outcome string, durationSeconds float64) {
	attrs := metric.WithAttributes(kindAttr(kind), outcomeAttr(outcome))
	m.JobsCompleted.Add(ctx, 1, attrs)
	m.JobDuration.Record(ctx, durationSeconds, attrs)
}

// RecordQueueLength records the number of waiting jobs.
func (m *Metrics) RecordQueueLength(ctx context.Context, queued int64) {
	m.JobsQueued.Record(ctx, queued)
}

// RecordRemoteInFlight adjusts the in-flight remote call count.
func (m *Metrics) RecordRemoteInFlight(ctx context.Context, delta int64) {
	m.RemoteInFlight.Add(ctx, delta)
}

// RecordDispatcherDelivered records a successful event delivery with its duration.
func (m *Metrics) RecordDispatcherDelivered(ctx context.Context, durationSeconds float64) {
	m.DispatcherDelivered.Add(ctx, 1)
	m.DispatcherDuration.Record(ctx, durationSeconds)
}

// RecordDispatcherFailed records a failed event delivery.
func (m *Metrics) RecordDispatcherFailed(ctx context.Context) {
	m.DispatcherFailed.Add(ctx, 1)
}

// RecordDispatcherDropped records a dropped event.
func (m *Metrics) RecordDispatcherDropped(ctx context.Context) {
	m.DispatcherDropped.Add(ctx, 1)
}

// RecordDispatcherRequeued records a requeued event.
func (m *Metrics) RecordDispatcherRequeued(ctx context.Context) {
	m.DispatcherRequeued.Add(ctx, 1)
}

// RecordDispatcherQueueSize records the current queue size.
func (m *Metrics) RecordDispatcherQueueSize(ctx context.Context, size int64) {
	m.DispatcherQueueSize.Record(ctx, size)
}
