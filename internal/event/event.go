// Package event is the in-process pub/sub bus distributing plugin lifecycle
// and capability execution facts. Delivery is synchronous and in
// subscription order; a bounded history of recent events is retained for
// inspection.
package event

import (
	"time"

	"github.com/google/uuid"
)

// Type classifies an event.
type Type string

// Event types published by the kernel and the execution engine.
const (
	TypePluginRegistered Type = "plugin.registered"
	TypePluginEnabled    Type = "plugin.enabled"
	TypePluginDisabled   Type = "plugin.disabled"
	TypePluginUnloaded   Type = "plugin.unloaded"
	TypePluginError      Type = "plugin.error"

	TypeCapabilityExecuted Type = "capability.executed"
	TypeCapabilityFailed   Type = "capability.failed"

	// TypeAll subscribes to every event type.
	TypeAll Type = "*"
)

// SourceKernel is the Source for events the kernel publishes about itself.
const SourceKernel = "kernel"

// Event is an immutable fact about the plugin runtime.
type Event struct {
	// ID uniquely identifies this event instance.
	ID string

	// Type classifies the event.
	Type Type

	// Source is the plugin id the event concerns, or SourceKernel.
	Source string

	// Timestamp is when the event was created.
	Timestamp time.Time

	// Data is the event-specific payload.
	Data map[string]any

	// CorrelationID links related events (e.g., one capability call).
	CorrelationID string
}

// New creates an event with a fresh id and the current time.
func New(t Type, source string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      t,
		Source:    source,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// WithCorrelation returns a copy of the event with the correlation id set.
func (e Event) WithCorrelation(id string) Event {
	e.CorrelationID = id
	return e
}
