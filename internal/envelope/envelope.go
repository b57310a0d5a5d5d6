// Package envelope defines the JSON frames exchanged with the operator gateway.
//
// Every frame on the wire is a single JSON object:
//
//	{"type":"admin_alert","data":{...},"priority":"high","timestamp":"2024-05-01T12:00:00Z","from":"op-7"}
//
// The type field selects one of a closed set of kinds. Keep-alive frames
// ({"type":"ping"} and {"type":"pong"}) carry no payload and are reported as
// control frames so callers can skip them.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Kind identifies the category of an envelope.
type Kind string

const (
	KindPresence      Kind = "admin_presence"
	KindAlert         Kind = "admin_alert"
	KindModeration    Kind = "moderation_update"
	KindUserAction    Kind = "user_action"
	KindSystemAlert   Kind = "system_alert"
	KindCollaboration Kind = "collaboration_update"

	KindPing Kind = "ping"
	KindPong Kind = "pong"
)

// Kinds lists the dispatchable kinds in wire order.
var Kinds = []Kind{
	KindPresence,
	KindAlert,
	KindModeration,
	KindUserAction,
	KindSystemAlert,
	KindCollaboration,
}

// Valid reports whether k is a dispatchable kind.
func (k Kind) Valid() bool {
	switch k {
	case KindPresence, KindAlert, KindModeration, KindUserAction, KindSystemAlert, KindCollaboration:
		return true
	}
	return false
}

// IsControl reports whether k is a keep-alive frame.
func (k Kind) IsControl() bool {
	return k == KindPing || k == KindPong
}

// Priority ranks how urgently an envelope should be surfaced.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.rank() > 0
}

// AtLeast reports whether p ranks at or above other.
func (p Priority) AtLeast(other Priority) bool {
	return p.rank() >= other.rank()
}

func (p Priority) rank() int {
	switch p {
	case PriorityLow:
		return 1
	case PriorityMedium:
		return 2
	case PriorityHigh:
		return 3
	case PriorityUrgent:
		return 4
	}
	return 0
}

var (
	// ErrMalformed is returned for frames that are not a well-formed envelope.
	ErrMalformed = errors.New("malformed envelope")
	// ErrUnknownKind is returned for well-formed frames with an unrecognised type.
	ErrUnknownKind = errors.New("unknown envelope kind")
)

// Envelope is a decoded frame. It is an immutable value once constructed.
type Envelope struct {
	Kind     Kind
	Data     json.RawMessage
	Priority Priority
	SentAt   time.Time
	From     string
}

type wireEnvelope struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Priority  string          `json:"priority,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
	From      string          `json:"from,omitempty"`
}

var pingFrame = []byte(`{"type":"ping"}`)

// PingFrame returns the keep-alive frame sent by clients.
func PingFrame() []byte {
	out := make([]byte, len(pingFrame))
	copy(out, pingFrame)
	return out
}

// New builds an envelope whose data is the JSON encoding of payload.
func New(kind Kind, priority Priority, payload any, sentAt time.Time) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if priority == "" {
		priority = PriorityLow
	}
	if !priority.Valid() {
		return Envelope{}, fmt.Errorf("invalid priority %q", priority)
	}
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
		}
		data = raw
	}
	return Envelope{
		Kind:     kind,
		Data:     data,
		Priority: priority,
		SentAt:   sentAt.UTC(),
	}, nil
}

// Decode parses a raw frame.
//
// Control frames decode to an Envelope carrying only the kind. Frames that fail
// validation return an error wrapping ErrMalformed; frames naming a kind outside
// the closed set return an error wrapping ErrUnknownKind.
func Decode(raw []byte) (Envelope, error) {
	if err := validateFrame(raw); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var w wireEnvelope
	if err := json.Unmarshal(raw, &w); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	kind := Kind(strings.TrimSpace(w.Type))
	if kind.IsControl() {
		return Envelope{Kind: kind}, nil
	}
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, w.Type)
	}

	priority := Priority(w.Priority)
	if priority == "" {
		priority = PriorityLow
	}
	if !priority.Valid() {
		return Envelope{}, fmt.Errorf("%w: invalid priority %q", ErrMalformed, w.Priority)
	}

	var sentAt time.Time
	if w.Timestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, w.Timestamp)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: invalid timestamp %q", ErrMalformed, w.Timestamp)
		}
		sentAt = ts
	}

	data := w.Data
	if len(data) > 0 && string(data) == "null" {
		data = nil
	}

	return Envelope{
		Kind:     kind,
		Data:     data,
		Priority: priority,
		SentAt:   sentAt,
		From:     w.From,
	}, nil
}

// Encode renders the envelope in wire form.
func (e Envelope) Encode() ([]byte, error) {
	if !e.Kind.Valid() && !e.Kind.IsControl() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	w := wireEnvelope{
		Type:     string(e.Kind),
		Data:     e.Data,
		Priority: string(e.Priority),
		From:     e.From,
	}
	if !e.SentAt.IsZero() {
		w.Timestamp = e.SentAt.UTC().Format(time.RFC3339Nano)
	}
	return json.Marshal(w)
}

// DecodeData unmarshals the payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s envelope has no data", ErrMalformed, e.Kind)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Kind, err)
	}
	return nil
}

// IsSnapshot reports whether the payload is a JSON array.
func (e Envelope) IsSnapshot() bool {
	return e.leading() == '['
}

// DecodeNotice reads a Notice payload. A bare JSON string is taken as the
// notice message.
func (e Envelope) DecodeNotice() (Notice, error) {
	var notice Notice
	if e.leading() == '"' {
		if err := e.DecodeData(&notice.Message); err != nil {
			return Notice{}, err
		}
		return notice, nil
	}
	if err := e.DecodeData(&notice); err != nil {
		return Notice{}, err
	}
	return notice, nil
}

// leading returns the first non-whitespace byte of the payload, or 0.
func (e Envelope) leading() byte {
	for _, b := range e.Data {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		default:
			return b
		}
	}
	return 0
}
