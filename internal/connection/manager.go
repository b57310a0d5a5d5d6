// Package connection owns the single gateway session of a client: dialing,
// the initial presence announcement, keep-alive heartbeats and reconnects.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"

	"github.com/haasonsaas/opswire/internal/backoff"
	"github.com/haasonsaas/opswire/internal/envelope"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/observability"
	"github.com/haasonsaas/opswire/internal/presence"
	"github.com/haasonsaas/opswire/internal/transport"
)

// State is the lifecycle state of the session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// ErrHeartbeatStalled is reported when a keep-alive frame cannot be queued.
var ErrHeartbeatStalled = errors.New("heartbeat could not be queued")

// Session describes the current transport session.
type Session struct {
	ID                string
	State             State
	LastConnectedAt   time.Time
	ReconnectAttempts int
}

// Config holds connection settings.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	OutboundBuffer    int
	Backoff           backoff.Policy
}

// Options carries the collaborators of a Manager.
type Options struct {
	Dialer   transport.Dialer
	Identity identity.Provider

	// Handler receives every inbound frame, in order, on the session's read
	// goroutine.
	Handler func(raw []byte)

	// Section and Status feed the announcement sent on every connect. Status
	// defaults to online.
	Section func() string
	Status  func() presence.Status
	Clock   clockwork.Clock
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

type frame struct {
	data []byte
	kind string
}

// Manager maintains at most one gateway session. All methods are safe for
// concurrent use and none of them block on the network.
type Manager struct {
	cfg      Config
	dialer   transport.Dialer
	identity identity.Provider
	handler  func([]byte)
	section  func() string
	status   func() presence.Status
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer

	mu           sync.Mutex
	session      Session
	gen          uint64
	closed       bool
	conn         transport.Conn
	outbound     chan frame
	done         chan struct{}
	dialCancel   context.CancelFunc
	heartbeat    clockwork.Timer
	reconnect    clockwork.Timer
	reconnectSeq uint64

	obsMu     sync.Mutex
	observers []func(Session)
	pending   []Session
	draining  bool
}

// NewManager validates cfg and returns a disconnected manager.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("gateway url is required")
	}
	if opts.Dialer == nil {
		return nil, fmt.Errorf("dialer is required")
	}
	if opts.Identity == nil {
		return nil, fmt.Errorf("identity provider is required")
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.OutboundBuffer <= 0 {
		cfg.OutboundBuffer = 64
	}
	if cfg.Backoff.Mode == "" && cfg.Backoff.Delay == 0 {
		cfg.Backoff = backoff.DefaultPolicy()
	}
	if err := cfg.Backoff.Validate(); err != nil {
		return nil, err
	}

	m := &Manager{
		cfg:      cfg,
		dialer:   opts.Dialer,
		identity: opts.Identity,
		handler:  opts.Handler,
		section:  opts.Section,
		status:   opts.Status,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		tracer:   opts.Tracer,
		session:  Session{State: StateDisconnected},
	}
	if m.handler == nil {
		m.handler = func([]byte) {}
	}
	if m.section == nil {
		m.section = func() string { return "" }
	}
	if m.status == nil {
		m.status = func() presence.Status { return presence.StatusOnline }
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	m.logger = m.logger.With("component", "connection")
	return m, nil
}

// Connect starts a session unless one is already connecting or connected,
// or no operator is logged in. The dial happens in the background; observe
// the outcome with OnStateChange.
func (m *Manager) Connect() {
	m.connect(0, false)
}

// connect opens a session. A reconnect timer passes its sequence number and
// is ignored once Disconnect, Connect or a newer schedule has superseded it.
func (m *Manager) connect(seq uint64, fromTimer bool) {
	op, ok := m.identity.Current()
	if !ok {
		m.logger.Debug("no operator logged in, not connecting")
		return
	}
	header := authHeader(op)

	m.mu.Lock()
	if fromTimer {
		if seq != m.reconnectSeq {
			m.mu.Unlock()
			return
		}
		m.reconnect = nil
	}
	if m.closed || m.session.State != StateDisconnected {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.DialTimeout)
	m.dialCancel = cancel
	m.session.ID = uuid.NewString()
	m.setStateLocked(StateConnecting)
	sessionID := m.session.ID
	m.mu.Unlock()
	m.drain()

	m.logger.Debug("dialing gateway", "url", m.cfg.URL, "session_id", sessionID)
	go m.dial(ctx, cancel, gen, header)
}

// Disconnect closes the session, cancels heartbeat and pending reconnect
// timers, and aborts an in-flight dial. It is idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.cancelReconnectLocked()
	if m.dialCancel != nil {
		m.dialCancel()
		m.dialCancel = nil
	}
	m.gen++
	conn := m.teardownLocked()
	m.session.ReconnectAttempts = 0
	changed := m.session.State != StateDisconnected
	if changed {
		m.setStateLocked(StateDisconnected)
	}
	m.mu.Unlock()

	closeConn(conn)
	if changed {
		m.logger.Info("disconnected from gateway")
	}
	m.drain()
}

// Close disconnects and refuses further Connect calls.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
}

// Send queues env for delivery. It is dropped when no session is connected.
func (m *Manager) Send(env envelope.Envelope) {
	data, err := env.Encode()
	if err != nil {
		m.logger.Warn("dropping unencodable envelope", "kind", env.Kind, "error", err)
		m.metrics.RecordDroppedSend("encode_error")
		return
	}

	m.mu.Lock()
	if m.session.State != StateConnected {
		m.mu.Unlock()
		m.logger.Debug("not connected, dropping envelope", "kind", env.Kind)
		m.metrics.RecordDroppedSend("not_connected")
		return
	}
	ok := m.enqueueLocked(frame{data: data, kind: string(env.Kind)})
	m.mu.Unlock()

	if !ok {
		m.logger.Warn("outbound queue full, dropping envelope", "kind", env.Kind)
		m.metrics.RecordDroppedSend("queue_full")
	}
}

// Announce sends a presence announcement for the current operator.
func (m *Manager) Announce(status presence.Status, section string) {
	env, err := m.announcement(status, section)
	if err != nil {
		m.logger.Debug("skipping presence announcement", "error", err)
		return
	}
	m.Send(env)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.State
}

// Session returns a copy of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

// OnStateChange registers fn to receive the session after every state
// transition. Transitions are delivered in order; fn may call back into the
// Manager.
func (m *Manager) OnStateChange(fn func(Session)) {
	if fn == nil {
		return
	}
	m.obsMu.Lock()
	m.observers = append(m.observers, fn)
	m.obsMu.Unlock()
}

func (m *Manager) dial(ctx context.Context, cancel context.CancelFunc, gen uint64, header http.Header) {
	defer cancel()

	ctx, span := m.tracer.Start(ctx, "connection.dial", attribute.String("url", m.cfg.URL))
	m.tracer.InjectContext(ctx, propagation.HeaderCarrier(header))
	conn, err := m.dialer.Dial(ctx, m.cfg.URL, header)
	m.tracer.RecordError(span, err)
	span.End()
	m.metrics.RecordConnectAttempt(err)
	section, status := m.section(), m.status()

	m.mu.Lock()
	if gen != m.gen || m.session.State != StateConnecting {
		m.mu.Unlock()
		closeConn(conn)
		return
	}
	m.dialCancel = nil

	if err != nil {
		m.logger.Warn("gateway dial failed", "url", m.cfg.URL, "error", err)
		m.setStateLocked(StateDisconnected)
		m.scheduleReconnectLocked()
		m.mu.Unlock()
		m.drain()
		return
	}

	out := make(chan frame, m.cfg.OutboundBuffer)
	done := make(chan struct{})
	m.conn = conn
	m.outbound = out
	m.done = done
	m.session.LastConnectedAt = m.clock.Now()
	m.session.ReconnectAttempts = 0
	m.setStateLocked(StateConnected)
	sessionID := m.session.ID

	if env, err := m.announcement(status, section); err == nil {
		if data, err := env.Encode(); err == nil {
			m.enqueueLocked(frame{data: data, kind: string(env.Kind)})
		}
	} else {
		m.logger.Warn("connected without an operator identity", "session_id", sessionID)
	}
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	m.logger.Info("connected to gateway", "url", m.cfg.URL, "session_id", sessionID)
	m.drain()

	go m.writeLoop(gen, conn, out, done)
	go m.readLoop(gen, conn, done)
}

func (m *Manager) readLoop(gen uint64, conn transport.Conn, done <-chan struct{}) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.fail(gen, fmt.Errorf("read: %w", err))
			return
		}
		select {
		case <-done:
			return
		default:
		}
		m.deliver(data)
	}
}

func (m *Manager) writeLoop(gen uint64, conn transport.Conn, out <-chan frame, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case f := <-out:
			if err := conn.WriteMessage(f.data); err != nil {
				m.fail(gen, fmt.Errorf("write %s: %w", f.kind, err))
				return
			}
			m.metrics.RecordFrameSent(f.kind)
		}
	}
}

func (m *Manager) deliver(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("frame handler panicked", "panic", r)
		}
	}()
	m.handler(data)
}

// fail handles an unexpected loss of the session identified by gen.
func (m *Manager) fail(gen uint64, err error) {
	m.mu.Lock()
	if gen != m.gen || m.session.State != StateConnected {
		m.mu.Unlock()
		return
	}
	m.logger.Warn("gateway session lost", "session_id", m.session.ID, "error", err)
	conn := m.teardownLocked()
	m.setStateLocked(StateDisconnected)
	m.scheduleReconnectLocked()
	m.mu.Unlock()

	closeConn(conn)
	m.drain()
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.heartbeat = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.beat(gen)
	})
}

func (m *Manager) beat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.session.State != StateConnected {
		m.mu.Unlock()
		return
	}
	if !m.enqueueLocked(frame{data: envelope.PingFrame(), kind: string(envelope.KindPing)}) {
		m.mu.Unlock()
		m.fail(gen, ErrHeartbeatStalled)
		return
	}
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()
	m.metrics.RecordHeartbeat()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed {
		return
	}
	if _, ok := m.identity.Current(); !ok {
		m.logger.Debug("no operator logged in, not reconnecting")
		return
	}

	m.session.ReconnectAttempts++
	attempt := m.session.ReconnectAttempts
	delay := m.cfg.Backoff.Next(attempt)

	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnect = m.clock.AfterFunc(delay, func() {
		m.connect(seq, true)
	})
	m.metrics.RecordReconnectScheduled()
	m.logger.Info("reconnect scheduled", "delay", delay, "attempt", attempt)
}

func (m *Manager) cancelReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
	m.reconnectSeq++
}

// teardownLocked releases the session resources and returns the connection
// for the caller to close outside the lock.
func (m *Manager) teardownLocked() transport.Conn {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.outbound = nil
	conn := m.conn
	m.conn = nil
	return conn
}

func (m *Manager) enqueueLocked(f frame) bool {
	if m.outbound == nil {
		return false
	}
	select {
	case m.outbound <- f:
		return true
	default:
		return false
	}
}

func (m *Manager) setStateLocked(state State) {
	m.session.State = state
	m.metrics.SetConnectionState(string(state))

	m.obsMu.Lock()
	m.pending = append(m.pending, m.session)
	m.obsMu.Unlock()
}

// drain delivers queued transitions. Only one goroutine drains at a time, so
// observers see transitions in the order they happened.
func (m *Manager) drain() {
	m.obsMu.Lock()
	if m.draining {
		m.obsMu.Unlock()
		return
	}
	m.draining = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		observers := append([]func(Session){}, m.observers...)
		m.obsMu.Unlock()

		for _, fn := range observers {
			m.callObserver(fn, next)
		}

		m.obsMu.Lock()
	}
	m.draining = false
	m.obsMu.Unlock()
}

func (m *Manager) callObserver(fn func(Session), s Session) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("state observer panicked", "state", s.State, "panic", r)
		}
	}()
	fn(s)
}

func (m *Manager) announcement(status presence.Status, section string) (envelope.Envelope, error) {
	op, ok := m.identity.Current()
	if !ok {
		return envelope.Envelope{}, fmt.Errorf("no operator logged in")
	}
	env, err := envelope.New(envelope.KindPresence, envelope.PriorityLow, envelope.PresenceRecord{
		AdminID:        op.ID,
		Name:           op.Name,
		Role:           op.Role,
		Status:         string(status),
		CurrentSection: section,
	}, m.clock.Now())
	if err != nil {
		return envelope.Envelope{}, err
	}
	env.From = op.ID
	return env, nil
}

func authHeader(op identity.Operator) http.Header {
	header := http.Header{}
	if op.Token != "" {
		header.Set("Authorization", "Bearer "+op.Token)
	}
	return header
}

func closeConn(conn transport.Conn) {
	if conn == nil {
		return
	}
	go conn.Close()
}
