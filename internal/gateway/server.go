// Package gateway is a development gateway that speaks the operator
// envelope protocol. It keeps the authoritative presence list, broadcasts
// full snapshots whenever it changes and relays every other envelope to the
// other connected operators.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/opswire/internal/envelope"
	"github.com/haasonsaas/opswire/internal/identity"
	"github.com/haasonsaas/opswire/internal/observability"
	"github.com/haasonsaas/opswire/internal/ratelimit"
)

const (
	maxPayloadBytes = 1 << 20
	sendBuffer      = 64
	writeWait       = 10 * time.Second

	// Clients ping every 30s; allow two missed beats.
	readWait = 75 * time.Second

	// From is stamped on envelopes the gateway originates.
	From = "gateway"
)

// Options configures a Server.
type Options struct {
	// Tokens verifies bearer tokens. Nil or disabled accepts every client
	// and trusts the identity in its announcements.
	Tokens *identity.TokenService

	// RateLimit bounds inbound frames per session. Heartbeats are exempt.
	RateLimit ratelimit.Config
	Clock     clockwork.Clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// Server is an http.Handler accepting operator websocket sessions.
type Server struct {
	tokens   *identity.TokenService
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	limiter  *ratelimit.Limiter
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[string]*session
	presence map[string]envelope.PresenceRecord
	closed   bool
}

type session struct {
	server   *Server
	id       string
	conn     *websocket.Conn
	send     chan []byte
	ctx      context.Context
	cancel   context.CancelFunc
	operator identity.Operator
	verified bool

	// adminID is the identity of the last announcement; guarded by server.mu.
	adminID string
}

// New creates a gateway.
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Server{
		tokens:  opts.Tokens,
		clock:   clock,
		logger:  logger.With("component", "gateway"),
		metrics: opts.Metrics,
		tracer:  opts.Tracer,
		limiter: ratelimit.NewLimiter(opts.RateLimit, clock),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		sessions: make(map[string]*session),
		presence: make(map[string]envelope.PresenceRecord),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	op, verified, err := s.authenticate(r)
	if err != nil {
		s.logger.Warn("rejected gateway session", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		http.Error(w, "gateway shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// Frame spans link back to the client's dial span.
	remote := trace.SpanContextFromContext(s.tracer.ExtractContext(r.Context(), propagation.HeaderCarrier(r.Header)))
	ctx, cancel := context.WithCancel(trace.ContextWithRemoteSpanContext(context.Background(), remote))
	sess := &session{
		server:   s,
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		ctx:      ctx,
		cancel:   cancel,
		operator: op,
		verified: verified,
	}
	if !s.register(sess) {
		cancel()
		_ = conn.Close()
		return
	}
	s.logger.Info("operator session opened", "session_id", sess.id, "operator_id", op.ID, "remote", r.RemoteAddr)
	sess.run()
}

func (s *Server) authenticate(r *http.Request) (identity.Operator, bool, error) {
	if !s.tokens.Enabled() {
		return identity.Operator{}, false, nil
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return identity.Operator{}, false, errors.New("missing bearer token")
	}
	op, err := s.tokens.Verify(strings.TrimSpace(header[7:]))
	if err != nil {
		return identity.Operator{}, false, err
	}
	return op, true, nil
}

func (s *Server) register(sess *session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.sessions[sess.id] = sess
	s.metrics.SetGatewaySessions(len(s.sessions))
	return true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	if _, ok := s.sessions[sess.id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, sess.id)
	s.metrics.SetGatewaySessions(len(s.sessions))
	s.limiter.Forget(sess.id)

	changed := false
	if sess.adminID != "" && !s.hasSessionLocked(sess.adminID) {
		delete(s.presence, sess.adminID)
		changed = true
	}
	s.mu.Unlock()

	s.logger.Info("operator session closed", "session_id", sess.id, "operator_id", sess.adminID)
	if changed {
		s.broadcastSnapshot()
	}
}

func (s *Server) hasSessionLocked(adminID string) bool {
	for _, other := range s.sessions {
		if other.adminID == adminID {
			return true
		}
	}
	return false
}

// Sessions returns the number of open sessions.
func (s *Server) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Online returns the announced operators sorted by id.
func (s *Server) Online() []envelope.PresenceRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.onlineLocked()
}

func (s *Server) onlineLocked() []envelope.PresenceRecord {
	out := make([]envelope.PresenceRecord, 0, len(s.presence))
	for _, rec := range s.presence {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AdminID < out[j].AdminID })
	return out
}

// Emit sends a gateway-originated envelope to every session.
func (s *Server) Emit(kind envelope.Kind, priority envelope.Priority, payload any) error {
	env, err := envelope.New(kind, priority, payload, s.clock.Now())
	if err != nil {
		return err
	}
	env.From = From
	data, err := env.Encode()
	if err != nil {
		return err
	}
	s.broadcast(data, "", string(kind))
	return nil
}

// Close ends every session and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.close()
	}
}

func (s *Server) announce(sess *session, rec envelope.PresenceRecord) error {
	if sess.verified {
		// A verified session can only speak for its own operator.
		rec.AdminID = sess.operator.ID
		if rec.Name == "" {
			rec.Name = sess.operator.Name
		}
		if rec.Role == "" {
			rec.Role = sess.operator.Role
		}
	}
	if strings.TrimSpace(rec.AdminID) == "" {
		return fmt.Errorf("%w: announcement without adminId", envelope.ErrMalformed)
	}
	now := s.clock.Now()
	rec.LastSeen = &now

	s.mu.Lock()
	if sess.adminID != "" && sess.adminID != rec.AdminID && !s.otherSessionLocked(sess) {
		delete(s.presence, sess.adminID)
	}
	sess.adminID = rec.AdminID
	if strings.EqualFold(rec.Status, "offline") {
		delete(s.presence, rec.AdminID)
	} else {
		s.presence[rec.AdminID] = rec
	}
	s.mu.Unlock()

	s.broadcastSnapshot()
	return nil
}

func (s *Server) otherSessionLocked(sess *session) bool {
	for _, other := range s.sessions {
		if other != sess && other.adminID == sess.adminID {
			return true
		}
	}
	return false
}

func (s *Server) broadcastSnapshot() {
	s.mu.RLock()
	online := s.onlineLocked()
	s.mu.RUnlock()

	env, err := envelope.New(envelope.KindPresence, envelope.PriorityLow, online, s.clock.Now())
	if err != nil {
		s.logger.Error("failed to build presence snapshot", "error", err)
		return
	}
	env.From = From
	data, err := env.Encode()
	if err != nil {
		s.logger.Error("failed to encode presence snapshot", "error", err)
		return
	}
	s.broadcast(data, "", string(envelope.KindPresence))
}

// broadcast queues data on every session except skip.
func (s *Server) broadcast(data []byte, skip string, kind string) {
	s.mu.RLock()
	targets := make([]*session, 0, len(s.sessions))
	for id, sess := range s.sessions {
		if id != skip {
			targets = append(targets, sess)
		}
	}
	s.mu.RUnlock()

	for _, sess := range targets {
		if !sess.enqueue(data) {
			s.metrics.RecordDroppedSend("queue_full")
			s.logger.Warn("dropping frame for slow session", "session_id", sess.id, "kind", kind)
			continue
		}
		s.metrics.RecordFrameSent(kind)
	}
}

func (sess *session) run() {
	defer sess.close()
	go sess.writeLoop()
	sess.readLoop()
}

func (sess *session) close() {
	sess.cancel()
	_ = sess.conn.Close()
	sess.server.unregister(sess)
}

func (sess *session) enqueue(data []byte) bool {
	select {
	case <-sess.ctx.Done():
		return false
	default:
	}
	select {
	case sess.send <- data:
		return true
	default:
		return false
	}
}

func (sess *session) readLoop() {
	s := sess.server
	sess.conn.SetReadLimit(maxPayloadBytes)
	_ = sess.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
	sess.conn.SetPongHandler(func(string) error {
		return sess.conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		messageType, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(readWait)) //nolint:errcheck
		if messageType != websocket.TextMessage {
			continue
		}

		env, err := envelope.Decode(data)
		if err != nil {
			s.metrics.RecordDecodeFailure(decodeReason(err))
			s.logger.Warn("dropping invalid frame", "session_id", sess.id, "error", err)
			continue
		}
		s.metrics.RecordFrameReceived(string(env.Kind))
		if err := sess.handle(env); err != nil {
			s.logger.Warn("frame rejected", "session_id", sess.id, "kind", env.Kind, "error", err)
		}
	}
}

func (sess *session) handle(env envelope.Envelope) error {
	s := sess.server
	_, span := s.tracer.Start(sess.ctx, "gateway.frame",
		attribute.String("envelope.kind", string(env.Kind)),
		attribute.String("session.id", sess.id),
	)
	defer span.End()

	switch env.Kind {
	case envelope.KindPing:
		sess.enqueue([]byte(`{"type":"pong"}`))
		return nil
	case envelope.KindPong:
		return nil
	}

	if !s.limiter.Allow(sess.id) {
		s.metrics.RecordDroppedSend("rate_limited")
		return fmt.Errorf("session exceeded its frame rate")
	}

	switch env.Kind {
	case envelope.KindPresence:
		var rec envelope.PresenceRecord
		if err := env.DecodeData(&rec); err != nil {
			s.tracer.RecordError(span, err)
			return err
		}
		err := s.announce(sess, rec)
		s.tracer.RecordError(span, err)
		return err
	}

	s.mu.RLock()
	from := sess.adminID
	s.mu.RUnlock()
	if sess.verified {
		from = sess.operator.ID
	}
	if from != "" {
		env.From = from
	}
	data, err := env.Encode()
	if err != nil {
		s.tracer.RecordError(span, err)
		return err
	}
	s.broadcast(data, sess.id, string(env.Kind))
	return nil
}

func (sess *session) writeLoop() {
	for {
		select {
		case <-sess.ctx.Done():
			return
		case msg := <-sess.send:
			_ = sess.conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := sess.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				sess.cancel()
				_ = sess.conn.Close()
				return
			}
		}
	}
}

func decodeReason(err error) string {
	if errors.Is(err, envelope.ErrUnknownKind) {
		return "unknown_kind"
	}
	return "malformed"
}
