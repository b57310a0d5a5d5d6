// Package router decodes gateway frames and dispatches them by kind.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"

	"github.com/haasonsaas/opswire/internal/alerts"
	"github.com/haasonsaas/opswire/internal/envelope"
	"github.com/haasonsaas/opswire/internal/hooks"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/notify"
	"github.com/haasonsaas/opswire/internal/observability"
	"github.com/haasonsaas/opswire/internal/presence"
)

// ViewContext reports where the operator currently is in the console.
type ViewContext interface {
	CurrentSection() string
}

// ViewFunc adapts a function to ViewContext.
type ViewFunc func() string

// CurrentSection calls f.
func (f ViewFunc) CurrentSection() string { return f() }

// Options configures a Router. Presence, Alerts and Notifier are required.
type Options struct {
	Presence *presence.Table
	Alerts   *alerts.Counter
	Notifier notify.Notifier
	Hooks    *hooks.Registry
	Identity identity.Provider
	View     ViewContext

	// ModerationSections lists the sections in which moderation updates are
	// re-broadcast. Defaults to "moderation".
	ModerationSections []string

	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

type handlerFunc func(ctx context.Context, env envelope.Envelope) error

// Router is the single consumer of inbound frames. OnFrame is expected to be
// called from one goroutine at a time, in delivery order.
type Router struct {
	presence   *presence.Table
	alerts     *alerts.Counter
	notifier   notify.Notifier
	hooks      *hooks.Registry
	identity   identity.Provider
	view       ViewContext
	moderation map[string]bool
	clock      clockwork.Clock
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer

	handlers map[envelope.Kind]handlerFunc
}

// New builds a router.
func New(opts Options) (*Router, error) {
	if opts.Presence == nil || opts.Alerts == nil || opts.Notifier == nil {
		return nil, fmt.Errorf("router requires presence table, alert counter and notifier")
	}
	r := &Router{
		presence: opts.Presence,
		alerts:   opts.Alerts,
		notifier: opts.Notifier,
		hooks:    opts.Hooks,
		identity: opts.Identity,
		view:     opts.View,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
	}
	if r.view == nil {
		r.view = ViewFunc(func() string { return "" })
	}
	if r.clock == nil {
		r.clock = clockwork.NewRealClock()
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With("component", "router")

	sections := opts.ModerationSections
	if len(sections) == 0 {
		sections = []string{"moderation"}
	}
	r.moderation = make(map[string]bool, len(sections))
	for _, s := range sections {
		r.moderation[strings.ToLower(strings.TrimSpace(s))] = true
	}

	r.handlers = map[envelope.Kind]handlerFunc{
		envelope.KindPresence:      r.handlePresence,
		envelope.KindAlert:         r.handleAlert,
		envelope.KindModeration:    r.handleModeration,
		envelope.KindUserAction:    r.handleTargeted,
		envelope.KindSystemAlert:   r.handleSystemAlert,
		envelope.KindCollaboration: r.handleTargeted,
	}
	return r, nil
}

// OnFrame decodes and dispatches one raw frame. Malformed frames and unknown
// kinds are logged and discarded; nothing escapes to the caller.
func (r *Router) OnFrame(raw []byte) {
	env, err := envelope.Decode(raw)
	if err != nil {
		switch {
		case errors.Is(err, envelope.ErrUnknownKind):
			r.metrics.RecordDecodeFailure("unknown_kind")
			r.logger.Warn("dropping envelope of unknown kind", "error", err)
		default:
			r.metrics.RecordDecodeFailure("malformed")
			r.logger.Warn("dropping malformed frame", "error", err, "bytes", len(raw))
		}
		return
	}
	if env.Kind.IsControl() {
		r.logger.Debug("keep-alive frame", "kind", env.Kind)
		return
	}
	_ = r.Dispatch(context.Background(), env)
}

// Dispatch routes a decoded envelope. A panic in any downstream observer is
// recovered and returned as an error.
func (r *Router) Dispatch(ctx context.Context, env envelope.Envelope) (err error) {
	handler, ok := r.handlers[env.Kind]
	if !ok {
		r.metrics.RecordDecodeFailure("unknown_kind")
		r.logger.Warn("no handler for envelope kind", "kind", env.Kind)
		return fmt.Errorf("%w: %q", envelope.ErrUnknownKind, env.Kind)
	}
	r.metrics.RecordFrameReceived(string(env.Kind))

	ctx, span := r.tracer.Start(ctx, "router.dispatch",
		attribute.String("envelope.kind", string(env.Kind)),
		attribute.String("envelope.priority", string(env.Priority)),
	)
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("dispatch %s panicked: %v", env.Kind, p)
			r.metrics.RecordDispatchPanic(string(env.Kind))
			r.logger.Error("dispatch panicked", "kind", env.Kind, "panic", p)
		}
		if err != nil {
			r.tracer.RecordError(span, err)
		}
	}()

	if err := handler(ctx, env); err != nil {
		r.logger.Warn("dispatch failed", "kind", env.Kind, "error", err)
		return err
	}
	return nil
}

func (r *Router) handlePresence(ctx context.Context, env envelope.Envelope) error {
	if env.IsSnapshot() {
		var records []envelope.PresenceRecord
		if err := env.DecodeData(&records); err != nil {
			return err
		}
		entries := make([]presence.Entry, 0, len(records))
		for _, rec := range records {
			entry, err := r.entryFrom(rec, env)
			if err != nil {
				r.logger.Warn("skipping invalid presence record", "admin_id", rec.AdminID, "error", err)
				continue
			}
			entries = append(entries, entry)
		}
		r.presence.ReplaceAll(entries)
		r.metrics.SetPresenceOnline(r.presence.Count())
		r.logger.Debug("presence snapshot applied", "entries", len(entries))
		return nil
	}

	var rec envelope.PresenceRecord
	if err := env.DecodeData(&rec); err != nil {
		return err
	}
	entry, err := r.entryFrom(rec, env)
	if err != nil {
		return err
	}
	if err := r.presence.Upsert(entry); err != nil {
		return err
	}
	r.metrics.SetPresenceOnline(r.presence.Count())
	return nil
}

func (r *Router) entryFrom(rec envelope.PresenceRecord, env envelope.Envelope) (presence.Entry, error) {
	if strings.TrimSpace(rec.AdminID) == "" {
		return presence.Entry{}, fmt.Errorf("%w: presence record missing adminId", envelope.ErrMalformed)
	}
	status, err := presence.ParseStatus(rec.Status)
	if err != nil {
		return presence.Entry{}, fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
	}
	lastSeen := r.clock.Now()
	switch {
	case rec.LastSeen != nil && !rec.LastSeen.IsZero():
		lastSeen = *rec.LastSeen
	case !env.SentAt.IsZero():
		lastSeen = env.SentAt
	}
	return presence.Entry{
		OperatorID: strings.TrimSpace(rec.AdminID),
		Name:       rec.Name,
		Role:       rec.Role,
		Status:     status,
		LastSeen:   lastSeen,
		Section:    rec.CurrentSection,
	}, nil
}

func (r *Router) handleAlert(ctx context.Context, env envelope.Envelope) error {
	n := r.alerts.Increment()
	r.metrics.SetUnreadAlerts(n)
	if !env.Priority.AtLeast(envelope.PriorityHigh) {
		return nil
	}
	r.notify(env, "Admin alert")
	return nil
}

func (r *Router) handleSystemAlert(ctx context.Context, env envelope.Envelope) error {
	n := r.alerts.Increment()
	r.metrics.SetUnreadAlerts(n)
	r.notify(env, "System alert")
	return nil
}

func (r *Router) handleModeration(ctx context.Context, env envelope.Envelope) error {
	section := r.view.CurrentSection()
	if !r.moderation[strings.ToLower(strings.TrimSpace(section))] {
		r.logger.Debug("moderation update outside moderation view", "section", section)
		return nil
	}
	if r.hooks == nil {
		return nil
	}

	var update envelope.ModerationUpdate
	if len(env.Data) > 0 {
		if err := env.DecodeData(&update); err != nil {
			return err
		}
	}
	event := hooks.NewEvent(hooks.EventModerationUpdated, update.Action).
		FromEnvelope(env).
		WithSection(section)
	if update.Queue != "" {
		event.WithContext("queue", update.Queue)
	}
	return r.hooks.Trigger(ctx, event)
}

// handleTargeted surfaces user-action and collaboration envelopes addressed
// to the local operator. A bare string payload names no target and is
// dropped.
func (r *Router) handleTargeted(ctx context.Context, env envelope.Envelope) error {
	notice, err := env.DecodeNotice()
	if err != nil {
		return err
	}
	if r.identity == nil {
		return nil
	}
	op, ok := r.identity.Current()
	if !ok || notice.TargetAdminID == "" || notice.TargetAdminID != op.ID {
		return nil
	}

	title := notice.Title
	if title == "" {
		if env.Kind == envelope.KindUserAction {
			title = "Action required"
		} else {
			title = "Collaboration request"
		}
	}
	r.notifier.Notify(notify.Notification{
		Title:       title,
		Description: notice.Message,
		Severity:    notify.SeverityFor(env.Priority),
		Kind:        env.Kind,
		Priority:    env.Priority,
		From:        env.From,
		At:          r.timestamp(env),
	})

	if r.hooks == nil {
		return nil
	}
	event := hooks.NewEvent(hooks.EventActionRequired, notice.Action).
		FromEnvelope(env).
		WithSection(r.view.CurrentSection())
	return r.hooks.Trigger(ctx, event)
}

func (r *Router) notify(env envelope.Envelope, fallbackTitle string) {
	var notice envelope.Notice
	if len(env.Data) > 0 {
		decoded, err := env.DecodeNotice()
		if err != nil {
			r.logger.Warn("alert payload is not a notice", "kind", env.Kind, "error", err)
		}
		notice = decoded
	}
	title := notice.Title
	if title == "" {
		title = fallbackTitle
	}
	r.notifier.Notify(notify.Notification{
		Title:       title,
		Description: notice.Message,
		Severity:    notify.SeverityFor(env.Priority),
		Kind:        env.Kind,
		Priority:    env.Priority,
		From:        env.From,
		At:          r.timestamp(env),
	})
}

func (r *Router) timestamp(env envelope.Envelope) time.Time {
	if !env.SentAt.IsZero() {
		return env.SentAt
	}
	return r.clock.Now()
}
