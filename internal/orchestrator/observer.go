package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"taskorch/internal/apperrors"
	"taskorch/internal/dispatcher"
	"taskorch/internal/job"
	"taskorch/internal/observability"
	"taskorch/internal/runner"
	"time"
)

// observer fans queue lifecycle notifications out to the OTel instruments
// and the callback dispatcher. The registry is fed by the queue directly.
type observer struct {
	metrics    *observability.Metrics // optional
	dispatcher dispatcher.Dispatcher  // optional
	logger     *slog.Logger
}

func (o *observer) JobSubmitted(h job.Handle) {
	if o.metrics != nil {
		o.metrics.RecordJobSubmitted(context.Background(), string(h.Kind))
	}
}

func (o *observer) AttemptStarted(h job.Handle) {
	if o.metrics != nil {
		o.metrics.RecordAttemptStarted(context.Background(), string(h.Kind))
	}
}

func (o *observer) AttemptFinished(h job.Handle, a runner.Attempt, elapsed time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordAttemptFinished(context.Background(), string(h.Kind), attemptOutcome(a.Err), a.Units)
	}
}

func (o *observer) RetryScheduled(h job.Handle, delay time.Duration) {
	if o.metrics != nil {
		o.metrics.RecordRetry(context.Background(), string(h.Kind))
	}
}

func (o *observer) JobCompleted(h job.Handle, r job.Result) {
	if o.metrics != nil {
		o.metrics.RecordJobCompleted(context.Background(), string(h.Kind), string(h.Status), float64(r.DurationMs)/1000)
	}
	o.sendCallback(h, r)
}

func (o *observer) sendCallback(h job.Handle, r job.Result) {
	if o.dispatcher == nil || h.Callback == nil || h.Callback.URL == "" {
		return
	}
	if !job.FilteredEvents(job.EventType(h.Status), h.Callback.Events) {
		return
	}

	event := job.NewCompletionEvent(h, r)
	if event == nil {
		return
	}
	err := o.dispatcher.Dispatch(&dispatcher.Event{
		JobID:       h.ID,
		Payload:     event,
		Destination: h.Callback.URL,
		SigningKey:  h.Callback.Key,
	})
	if err != nil && !errors.Is(err, dispatcher.ErrBufferFull) {
		o.logger.Warn("Callback not queued", "jobId", h.ID, "error", err)
	}
}

// attemptOutcome is "success" or the error kind.
func attemptOutcome(err error) string {
	if err == nil {
		return "success"
	}
	return apperrors.Kind(err)
}
