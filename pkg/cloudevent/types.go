// Package cloudevent provides CloudEvents 1.0 types and a signed HTTP sender.
package cloudevent

import (
	"time"

	"github.com/google/uuid"
)

// CloudEvent represents a CloudEvents 1.0 specification event
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New creates a new CloudEvent with default values. An empty id gets a random UUID.
func New(eventType, source, subject, id string, data map[string]any) *CloudEvent {
	if id == "" {
		id = uuid.NewString()
	}
	return &CloudEvent{
		SpecVersion:     "1.0",
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            time.Now().UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}
