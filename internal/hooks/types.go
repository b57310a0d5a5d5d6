// Package hooks is the in-process event bus used to re-broadcast gateway
// events to local listeners such as dashboards and queue views.
package hooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/haasonsaas/opswire/internal/envelope"
)

// EventType categorizes local events.
type EventType string

const (
	// EventModerationUpdated fires when a moderation queue changes while the
	// operator is looking at a moderation section.
	EventModerationUpdated EventType = "moderation.updated"

	// EventActionRequired fires when a task or collaboration request targets
	// the local operator.
	EventActionRequired EventType = "action.required"

	// EventConnectionChanged fires on every connection state transition.
	EventConnectionChanged EventType = "connection.changed"
)

// Event is delivered to handlers. Handlers must treat it as read-only.
type Event struct {
	Type EventType `json:"type"`

	// Action narrows the type, e.g. "approved" for a moderation update.
	// Handlers registered under "type:action" only see matching events.
	Action string `json:"action,omitempty"`

	Timestamp time.Time         `json:"timestamp"`
	Section   string            `json:"section,omitempty"`
	Priority  envelope.Priority `json:"priority,omitempty"`
	From      string            `json:"from,omitempty"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Context   map[string]any    `json:"context,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(eventType EventType, action string) *Event {
	return &Event{
		Type:      eventType,
		Action:    action,
		Timestamp: time.Now(),
	}
}

// FromEnvelope copies the envelope's metadata and payload onto the event.
func (e *Event) FromEnvelope(env envelope.Envelope) *Event {
	e.Priority = env.Priority
	e.From = env.From
	e.Payload = env.Data
	if !env.SentAt.IsZero() {
		e.Timestamp = env.SentAt
	}
	return e
}

// WithSection records the operator's section at the time of the event.
func (e *Event) WithSection(section string) *Event {
	e.Section = section
	return e
}

// WithContext adds a key to the event context.
func (e *Event) WithContext(key string, value any) *Event {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// Handler processes an event.
type Handler func(ctx context.Context, event *Event) error

// Priority orders handlers; lower runs first.
type Priority int

const (
	PriorityHighest Priority = -100
	PriorityHigh    Priority = -50
	PriorityNormal  Priority = 0
	PriorityLow     Priority = 50
	PriorityLowest  Priority = 100
)

// Registration is a registered handler.
type Registration struct {
	ID       string
	EventKey string
	Handler  Handler
	Priority Priority
	Name     string
}
