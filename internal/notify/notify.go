// Package notify surfaces gateway events to the operator.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/opswire/internal/envelope"
)

// Severity controls how prominently a notification is shown.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityFor maps an envelope priority onto a notification severity.
func SeverityFor(p envelope.Priority) Severity {
	switch p {
	case envelope.PriorityUrgent:
		return SeverityCritical
	case envelope.PriorityHigh:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Notification is a user-visible message.
type Notification struct {
	Title       string
	Description string
	Severity    Severity
	Kind        envelope.Kind
	Priority    envelope.Priority
	From        string
	At          time.Time
}

// Notifier displays notifications. Implementations are called synchronously
// from the frame dispatch path and should not block.
type Notifier interface {
	Notify(n Notification)
}

// Func adapts a function to Notifier.
type Func func(Notification)

// Notify calls f(n).
func (f Func) Notify(n Notification) { f(n) }

// Multi fans a notification out to several notifiers in order.
type Multi []Notifier

// Notify delivers n to every notifier.
func (m Multi) Notify(n Notification) {
	for _, notifier := range m {
		if notifier != nil {
			notifier.Notify(n)
		}
	}
}

// Log writes notifications to a structured logger.
type Log struct {
	logger *slog.Logger
}

// NewLog returns a notifier backed by logger.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger.With("component", "notify")}
}

// Notify logs n at a level matching its severity.
func (l *Log) Notify(n Notification) {
	level := slog.LevelInfo
	switch n.Severity {
	case SeverityCritical:
		level = slog.LevelError
	case SeverityWarning:
		level = slog.LevelWarn
	}
	l.logger.Log(context.Background(), level, n.Title,
		"description", n.Description,
		"kind", string(n.Kind),
		"priority", string(n.Priority),
		"from", n.From,
	)
}
