package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects transport and dispatch metrics. A nil *Metrics is valid
// and records nothing, so components can take it as an optional dependency.
type Metrics struct {
	// ConnectionState is 1 for the current state and 0 for the others.
	// Labels: state (disconnected|connecting|connected)
	ConnectionState *prometheus.GaugeVec

	// ConnectAttempts counts dial attempts.
	// Labels: result (success|error)
	ConnectAttempts *prometheus.CounterVec

	// ReconnectsScheduled counts reconnects armed after a lost session.
	ReconnectsScheduled prometheus.Counter

	// HeartbeatsSent counts keep-alive frames queued.
	HeartbeatsSent prometheus.Counter

	// FramesReceived counts decoded inbound frames.
	// Labels: kind
	FramesReceived *prometheus.CounterVec

	// FramesSent counts frames written to the socket.
	// Labels: kind
	FramesSent *prometheus.CounterVec

	// DecodeFailures counts discarded inbound frames.
	// Labels: reason (malformed|unknown_kind)
	DecodeFailures *prometheus.CounterVec

	// DroppedSends counts outbound frames that were not queued.
	// Labels: reason (not_connected|queue_full|encode_error|rate_limited)
	DroppedSends *prometheus.CounterVec

	// DispatchPanics counts recovered panics while dispatching a frame.
	// Labels: kind
	DispatchPanics *prometheus.CounterVec

	// UnreadAlerts mirrors the alert badge.
	UnreadAlerts prometheus.Gauge

	// PresenceOnline mirrors the number of online operators.
	PresenceOnline prometheus.Gauge

	// GatewaySessions is the number of sessions held by the development gateway.
	GatewaySessions prometheus.Gauge
}

var connectionStates = []string{"disconnected", "connecting", "connected"}

// NewMetrics registers the metrics with reg. Pass prometheus.DefaultRegisterer
// in binaries and a fresh prometheus.NewRegistry() in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		ConnectionState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "opswire_connection_state",
				Help: "Current connection state (1 for the active state)",
			},
			[]string{"state"},
		),
		ConnectAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_connect_attempts_total",
				Help: "Total number of gateway dial attempts",
			},
			[]string{"result"},
		),
		ReconnectsScheduled: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opswire_reconnects_scheduled_total",
				Help: "Total number of reconnects scheduled after a lost session",
			},
		),
		HeartbeatsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "opswire_heartbeats_sent_total",
				Help: "Total number of keep-alive frames queued",
			},
		),
		FramesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_frames_received_total",
				Help: "Total number of inbound envelopes by kind",
			},
			[]string{"kind"},
		),
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_frames_sent_total",
				Help: "Total number of outbound frames by kind",
			},
			[]string{"kind"},
		),
		DecodeFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_decode_failures_total",
				Help: "Total number of discarded inbound frames",
			},
			[]string{"reason"},
		),
		DroppedSends: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_dropped_sends_total",
				Help: "Total number of outbound frames dropped before queueing",
			},
			[]string{"reason"},
		),
		DispatchPanics: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "opswire_dispatch_panics_total",
				Help: "Total number of recovered panics during dispatch",
			},
			[]string{"kind"},
		),
		UnreadAlerts: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opswire_unread_alerts",
				Help: "Number of unread alerts",
			},
		),
		PresenceOnline: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opswire_presence_online",
				Help: "Number of operators currently online",
			},
		),
		GatewaySessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "opswire_gateway_sessions",
				Help: "Number of sessions held by the development gateway",
			},
		),
	}
	m.SetConnectionState("disconnected")
	return m
}

// SetConnectionState marks state as active.
func (m *Metrics) SetConnectionState(state string) {
	if m == nil {
		return
	}
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.ConnectionState.WithLabelValues(s).Set(v)
	}
}

// RecordConnectAttempt records a dial result.
func (m *Metrics) RecordConnectAttempt(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.ConnectAttempts.WithLabelValues(result).Inc()
}

// RecordReconnectScheduled records an armed reconnect.
func (m *Metrics) RecordReconnectScheduled() {
	if m == nil {
		return
	}
	m.ReconnectsScheduled.Inc()
}

// RecordHeartbeat records a queued keep-alive frame.
func (m *Metrics) RecordHeartbeat() {
	if m == nil {
		return
	}
	m.HeartbeatsSent.Inc()
}

// RecordFrameReceived records a decoded inbound envelope.
func (m *Metrics) RecordFrameReceived(kind string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(kind).Inc()
}

// RecordFrameSent records a frame written to the socket.
func (m *Metrics) RecordFrameSent(kind string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(kind).Inc()
}

// RecordDecodeFailure records a discarded inbound frame.
func (m *Metrics) RecordDecodeFailure(reason string) {
	if m == nil {
		return
	}
	m.DecodeFailures.WithLabelValues(reason).Inc()
}

// RecordDroppedSend records an outbound frame that was not queued.
func (m *Metrics) RecordDroppedSend(reason string) {
	if m == nil {
		return
	}
	m.DroppedSends.WithLabelValues(reason).Inc()
}

// RecordDispatchPanic records a recovered dispatch panic.
func (m *Metrics) RecordDispatchPanic(kind string) {
	if m == nil {
		return
	}
	m.DispatchPanics.WithLabelValues(kind).Inc()
}

// SetUnreadAlerts mirrors the alert badge.
func (m *Metrics) SetUnreadAlerts(n int) {
	if m == nil {
		return
	}
	m.UnreadAlerts.Set(float64(n))
}

// SetPresenceOnline mirrors the presence count.
func (m *Metrics) SetPresenceOnline(n int) {
	if m == nil {
		return
	}
	m.PresenceOnline.Set(float64(n))
}

// SetGatewaySessions mirrors the development gateway session count.
func (m *Metrics) SetGatewaySessions(n int) {
	if m == nil {
		return
	}
	m.GatewaySessions.Set(float64(n))
}
