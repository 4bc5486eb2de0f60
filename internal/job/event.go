package job

import (
	"slices"
	"taskorch/pkg/cloudevent"
)

// EventSource is the CloudEvents source of every callback.
const EventSource = "taskorch"

// Event types for job completion callbacks
const (
	EventTypeSucceeded = "taskorch.job.succeeded"
	EventTypeFailed    = "taskorch.job.failed"
	EventTypeCancelled = "taskorch.job.cancelled"
)

// EventType returns the callback event type for a terminal status, or "".
func EventType(status Status) string {
	switch status {
	case StatusSucceeded:
		return EventTypeSucceeded
	case StatusFailed:
		return EventTypeFailed
	case StatusCancelled:
		return EventTypeCancelled
	default:
		return ""
	}
}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// NewCompletionEvent builds the callback for a finished job. Returns nil
// when the handle is not terminal.
func NewCompletionEvent(h Handle, res Result) *cloudevent.CloudEvent {
	eventType := EventType(h.Status)
	if eventType == "" {
		return nil
	}

	data := map[string]any{
		"jobId":        h.ID,
		"kind":         h.Kind,
		"status":       h.Status,
		"attemptsUsed": res.AttemptsUsed,
		"durationMs":   res.DurationMs,
	}
	if res.Value != nil {
		data["value"] = res.Value
	}
	if res.Units > 0 {
		data["units"] = res.Units
	}
	if res.Error != nil {
		data["error"] = res.Error
	}
	if len(h.Meta) > 0 {
		data["meta"] = h.Meta
	}
	return cloudevent.New(eventType, EventSource, h.ID, "", data)
}
