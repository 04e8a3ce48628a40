// Package adapter publishes operation completion events to downstream
// systems. Publishers are optional: a deployment configures zero or more
// of them and the pump fans each terminal operation out to all of them.
package adapter

import (
	"context"
	"time"

	"github.com/cachewarden/cachewarden/types"
)

// EventName is the event_type tag carried by every published event.
const EventName = "operation_complete"

// Event is the payload published when an operation reaches a terminal
// status. Field names are a stable contract for downstream consumers.
type Event struct {
	Event       string `json:"event"` // always "operation_complete"
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Name        string `json:"name"`
	Success     bool   `json:"success"`
	Cancelled   bool   `json:"cancelled"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Timestamp   string `json:"timestamp"` // RFC 3339 UTC
}

// FromOperation builds the publishable event from a terminal operation
// snapshot.
func FromOperation(op *types.Operation) *Event {
	evt := &Event{
		Event:       EventName,
		OperationID: op.ID,
		Type:        string(op.Type),
		Name:        op.Name,
		Success:     op.Success,
		Cancelled:   op.Cancelled,
		Message:     op.Message,
		Error:       op.Error,
	}
	completed := time.Now().UTC()
	if op.CompletedAt != nil {
		completed = op.CompletedAt.UTC()
	}
	evt.Timestamp = completed.Format(time.RFC3339)
	if !op.StartedAt.IsZero() {
		evt.DurationMs = completed.Sub(op.StartedAt).Milliseconds()
	}
	return evt
}

// Publisher delivers events to one downstream system.
type Publisher interface {
	// Name identifies the publisher in logs.
	Name() string

	// Publish sends one event. Implementations retry internally and
	// respect context cancellation.
	Publish(ctx context.Context, event *Event) error

	// Close releases publisher resources.
	Close() error
}
