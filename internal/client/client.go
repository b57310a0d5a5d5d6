// Package client assembles the presence and notification transport for one
// logged-in operator.
//
// A Client is created per login session and torn down at logout; nothing in
// it is process-global, so tests and multi-account tools can run several
// side by side.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"

	"github.com/haasonsaas/opswire/internal/alerts"
	"github.com/haasonsaas/opswire/internal/config"
	"github.com/haasonsaas/opswire/internal/connection"
	"github.com/haasonsaas/opswire/internal/envelope"
	"github.com/haasonsaas/opswire/internal/hooks"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/notify"
	"github.com/haasonsaas/opswire/internal/observability"
	"github.com/haasonsaas/opswire/internal/presence"
	"github.com/haasonsaas/opswire/internal/router"
	"github.com/haasonsaas/opswire/internal/transport"
)

// Options carries optional collaborators. Zero values select production
// defaults.
type Options struct {
	Dialer   transport.Dialer
	Notifier notify.Notifier
	Clock    clockwork.Clock
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Tracer   *observability.Tracer
}

// Client is the operator-facing facade.
type Client struct {
	cfg      config.Config
	identity *identity.Store
	table    *presence.Table
	alerts   *alerts.Counter
	hooks    *hooks.Registry
	router   *router.Router
	conn     *connection.Manager
	clock    clockwork.Clock
	logger   *slog.Logger

	mu         sync.Mutex
	status     presence.Status
	section    string
	background bool
	resume     presence.Status
	sweep      clockwork.Timer
	torndown   bool
}

// New builds a logged-out client from cfg.
func New(cfg config.Config, opts Options) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	endpoint, err := cfg.Endpoint()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = transport.NewWebSocketDialer(transport.WebSocketOptions{
			HandshakeTimeout: cfg.Gateway.DialTimeout,
			WriteTimeout:     cfg.Gateway.WriteTimeout,
		})
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLog(logger)
	}

	c := &Client{
		cfg:      cfg,
		identity: identity.NewStore(),
		table: presence.NewTable(
			presence.WithClock(clock),
			presence.WithStaleAfter(cfg.Presence.StaleAfter),
			presence.WithLogger(logger),
		),
		alerts:  alerts.NewCounter(cfg.Alerts.MaxUnread, logger),
		hooks:   hooks.NewRegistry(logger),
		clock:   clock,
		logger:  logger.With("component", "client"),
		status:  presence.StatusOnline,
		section: cfg.Presence.InitialSection,
	}

	c.router, err = router.New(router.Options{
		Presence:           c.table,
		Alerts:             c.alerts,
		Notifier:           notifier,
		Hooks:              c.hooks,
		Identity:           c.identity,
		View:               c,
		ModerationSections: cfg.Moderation.Sections,
		Clock:              clock,
		Logger:             logger,
		Metrics:            opts.Metrics,
		Tracer:             opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	c.conn, err = connection.NewManager(connection.Config{
		URL:               endpoint,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval,
		DialTimeout:       cfg.Gateway.DialTimeout,
		OutboundBuffer:    cfg.Gateway.OutboundBuffer,
		Backoff:           cfg.Gateway.Backoff.Policy(),
	}, connection.Options{
		Dialer:   dialer,
		Identity: c.identity,
		Handler:  c.router.OnFrame,
		Section:  c.CurrentSection,
		Status:   c.Status,
		Clock:    clock,
		Logger:   logger,
		Metrics:  opts.Metrics,
		Tracer:   opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	c.conn.OnStateChange(c.onStateChange)
	c.identity.OnChange(func(_ identity.Operator, loggedIn bool) {
		if loggedIn {
			c.conn.Connect()
			return
		}
		c.conn.Disconnect()
	})
	c.alerts.OnChange(opts.Metrics.SetUnreadAlerts)
	c.table.OnChange(func(change presence.Change) {
		opts.Metrics.SetPresenceOnline(len(change.Online))
	})
	return c, nil
}

// Login records the operator and opens the gateway session.
func (c *Client) Login(op identity.Operator) error {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return fmt.Errorf("client has been torn down")
	}
	c.status = presence.StatusOnline
	c.background = false
	c.mu.Unlock()

	// The identity observer opens the session.
	if err := c.identity.Login(op); err != nil {
		return err
	}

	c.mu.Lock()
	c.armSweepLocked()
	c.mu.Unlock()

	c.logger.Info("operator logged in", "operator_id", op.ID, "role", op.Role)
	return nil
}

// Logout forgets the operator, closes the session and clears session state.
// No reconnect is attempted afterwards.
func (c *Client) Logout() {
	op, ok := c.identity.Current()
	c.identity.Logout()

	c.mu.Lock()
	c.stopSweepLocked()
	c.section = c.cfg.Presence.InitialSection
	c.mu.Unlock()

	c.table.ReplaceAll(nil)
	c.alerts.MarkAllRead()
	if ok {
		c.logger.Info("operator logged out", "operator_id", op.ID)
	}
}

// Operator returns the logged-in operator.
func (c *Client) Operator() (identity.Operator, bool) {
	return c.identity.Current()
}

// SetStatus changes the local status and announces it.
func (c *Client) SetStatus(status presence.Status) error {
	if _, err := presence.ParseStatus(string(status)); err != nil {
		return err
	}
	c.mu.Lock()
	c.status = status
	if c.background {
		c.resume = status
	}
	section := c.section
	c.mu.Unlock()

	c.conn.Announce(status, section)
	return nil
}

// Navigate records the operator's current section and announces it.
func (c *Client) Navigate(section string) {
	section = strings.TrimSpace(section)
	c.mu.Lock()
	if section == c.section {
		c.mu.Unlock()
		return
	}
	c.section = section
	status := c.status
	c.mu.Unlock()

	c.conn.Announce(status, section)
}

// CurrentSection returns the operator's current section.
func (c *Client) CurrentSection() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.section
}

// Status returns the local presence status.
func (c *Client) Status() presence.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// MarkAllRead clears the unread alert badge.
func (c *Client) MarkAllRead() {
	c.alerts.MarkAllRead()
}

// Unread returns the unread alert count.
func (c *Client) Unread() int {
	return c.alerts.Unread()
}

// Presence returns the presence table.
func (c *Client) Presence() *presence.Table {
	return c.table
}

// Alerts returns the alert counter.
func (c *Client) Alerts() *alerts.Counter {
	return c.alerts
}

// Hooks returns the local event registry.
func (c *Client) Hooks() *hooks.Registry {
	return c.hooks
}

// State returns the connection state.
func (c *Client) State() connection.State {
	return c.conn.State()
}

// Session returns the current transport session.
func (c *Client) Session() connection.Session {
	return c.conn.Session()
}

// OnStateChange registers fn for connection state transitions.
func (c *Client) OnStateChange(fn func(connection.Session)) {
	c.conn.OnStateChange(fn)
}

// Send delivers env if connected.
func (c *Client) Send(env envelope.Envelope) {
	c.conn.Send(env)
}

// OnForeground restores the status held before backgrounding and makes sure
// a session is open.
func (c *Client) OnForeground() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	if c.background {
		c.background = false
		c.status = c.resume
	}
	status, section := c.status, c.section
	c.mu.Unlock()

	if _, ok := c.identity.Current(); !ok {
		return
	}
	if c.conn.State() == connection.StateDisconnected {
		c.conn.Connect()
		return
	}
	c.conn.Announce(status, section)
}

// OnBackground announces the operator as away.
func (c *Client) OnBackground() {
	c.mu.Lock()
	if c.torndown || c.background {
		c.mu.Unlock()
		return
	}
	c.background = true
	c.resume = c.status
	c.status = presence.StatusAway
	section := c.section
	c.mu.Unlock()

	c.conn.Announce(presence.StatusAway, section)
}

// OnTeardown releases everything. The client cannot be used afterwards.
func (c *Client) OnTeardown() {
	c.mu.Lock()
	if c.torndown {
		c.mu.Unlock()
		return
	}
	c.torndown = true
	c.stopSweepLocked()
	c.mu.Unlock()

	c.conn.Close()
	c.hooks.Clear()
}

func (c *Client) onStateChange(s connection.Session) {
	event := hooks.NewEvent(hooks.EventConnectionChanged, string(s.State)).
		WithSection(c.CurrentSection()).
		WithContext("session_id", s.ID).
		WithContext("reconnect_attempts", s.ReconnectAttempts)
	event.Timestamp = c.clock.Now()
	if err := c.hooks.Trigger(context.Background(), event); err != nil {
		c.logger.Debug("connection hook failed", "error", err)
	}
}

func (c *Client) armSweepLocked() {
	if c.table.StaleAfter() <= 0 || c.sweep != nil {
		return
	}
	interval := c.cfg.Presence.SweepInterval
	var tick func()
	tick = func() {
		if removed := c.table.Sweep(); removed > 0 {
			c.logger.Debug("swept stale presence entries", "removed", removed)
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.sweep != nil {
			c.sweep = c.clock.AfterFunc(interval, tick)
		}
	}
	c.sweep = c.clock.AfterFunc(interval, tick)
}

func (c *Client) stopSweepLocked() {
	if c.sweep != nil {
		c.sweep.Stop()
		c.sweep = nil
	}
}
