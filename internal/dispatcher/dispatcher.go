// Package dispatcher delivers job completion callbacks asynchronously with
// buffering, retry and a per-host circuit breaker.
package dispatcher

import (
	"context"
	"errors"
	"taskorch/pkg/circuitbreaker"
	"taskorch/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher handles async delivery of events.
// Implementations may use in-memory buffering, message queues, etc.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	// Stats returns current dispatcher statistics.
	Stats() Stats

	// Close gracefully shuts down, attempting to deliver queued events.
	// The context deadline controls how long to wait for drain.
	Close(ctx context.Context) error
}

// Event is an event to be delivered to a destination.
type Event struct {
	JobID       string
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key for signing, empty = no signing
	Signature   string // Pre-computed signature, takes precedence over SigningKey
	Requeues    int    // number of times requeued due to circuit open (internal use)
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth   int                  `json:"queueDepth"`   // events waiting in the buffer
	Parked       int                  `json:"parked"`       // events waiting out an open circuit
	Queued       int64                `json:"queued"`       // total events accepted
	Delivered    int64                `json:"delivered"`    // successful deliveries
	Failed       int64                `json:"failed"`       // given up after the retry policy
	Dropped      int64                `json:"dropped"`      // full buffer, max requeues or open circuit at shutdown
	Requeued     int64                `json:"requeued"`     // times an event was parked
	RetriesTotal int64                `json:"retriesTotal"` // resends after a failed send
	Circuits     circuitbreaker.Stats `json:"circuits"`     // per-destination-host breakers
}
