package connmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "cubby"
	subsystem = "session"
)

// Label names for session metrics.
const (
	labelTransport = "transport"
	labelFromState = "from_state"
	labelToState   = "to_state"
	labelCause     = "cause"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Session Metrics
// -------------------------------------------------------------------------

// Collector holds all session-core Prometheus metrics. It implements
// session.Reporter.
//
// Metrics are designed for game-fleet monitoring:
//   - The session gauge tracks currently registered sessions.
//   - Message counters track per-transport volumes.
//   - State transition counters record lifecycle changes for alerting
//     (e.g. spikes in Active->Reconnecting).
//   - Drop counters are labeled by cause so replay filtering, queue
//     overflow, and unroutable datagrams alert independently.
type Collector struct {
	// Sessions tracks the number of currently registered sessions.
	Sessions prometheus.Gauge

	// MessagesSent counts outbound messages per transport.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts accepted inbound messages per transport.
	MessagesReceived *prometheus.CounterVec

	// StateTransitions counts lifecycle state transitions, labeled with
	// the old and new state.
	StateTransitions *prometheus.CounterVec

	// HeartbeatTimeouts counts liveness verdicts reaching Dead.
	HeartbeatTimeouts prometheus.Counter

	// Recoveries counts sessions entering the reconnect window.
	Recoveries prometheus.Counter

	// Rebinds counts successful endpoint rebinds.
	Rebinds prometheus.Counter

	// AuthFailures counts failed authentications and proof checks.
	AuthFailures prometheus.Counter

	// MessagesDropped counts discarded inbound messages per cause.
	MessagesDropped *prometheus.CounterVec
}

// NewCollector creates a Collector with all session metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics carry the "cubby_session_" prefix (namespace_subsystem) to
// avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.Sessions,
		c.MessagesSent,
		c.MessagesReceived,
		c.StateTransitions,
		c.HeartbeatTimeouts,
		c.Recoveries,
		c.Rebinds,
		c.AuthFailures,
		c.MessagesDropped,
	)

	return c
}

// newMetrics creates all Prometheus metrics without registering them.
func newMetrics() *Collector {
	transportLabels := []string{labelTransport}
	transitionLabels := []string{labelFromState, labelToState}

	return &Collector{
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active",
			Help:      "Number of currently registered sessions.",
		}),

		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_sent_total",
			Help:      "Total messages transmitted, per transport.",
		}, transportLabels),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_received_total",
			Help:      "Total inbound messages accepted, per transport.",
		}, transportLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "state_transitions_total",
			Help:      "Total session lifecycle state transitions.",
		}, transitionLabels),

		HeartbeatTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "heartbeat_timeouts_total",
			Help:      "Total liveness verdicts reaching Dead.",
		}),

		Recoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "recoveries_total",
			Help:      "Total sessions entering the reconnect window.",
		}),

		Rebinds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "rebinds_total",
			Help:      "Total successful stream endpoint rebinds.",
		}),

		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "auth_failures_total",
			Help:      "Total failed authentications and reconnect proof checks.",
		}),

		MessagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_dropped_total",
			Help:      "Total inbound messages discarded, per cause.",
		}, []string{labelCause}),
	}
}

// -------------------------------------------------------------------------
// Session Lifecycle
// -------------------------------------------------------------------------

// RegisterSession increments the active session gauge. Called when the
// registry creates a session.
func (c *Collector) RegisterSession() {
	c.Sessions.Inc()
}

// UnregisterSession decrements the active session gauge. Called when the
// registry retires a closed session.
func (c *Collector) UnregisterSession() {
	c.Sessions.Dec()
}

// -------------------------------------------------------------------------
// Message Counters
// -------------------------------------------------------------------------

// IncMessagesSent increments the transmitted message counter for the
// given transport.
func (c *Collector) IncMessagesSent(transport string) {
	c.MessagesSent.WithLabelValues(transport).Inc()
}

// IncMessagesReceived increments the accepted inbound message counter
// for the given transport.
func (c *Collector) IncMessagesReceived(transport string) {
	c.MessagesReceived.WithLabelValues(transport).Inc()
}

// IncDropped increments the dropped message counter for the given cause.
func (c *Collector) IncDropped(cause string) {
	c.MessagesDropped.WithLabelValues(cause).Inc()
}

// -------------------------------------------------------------------------
// State Transitions
// -------------------------------------------------------------------------

// RecordStateTransition increments the state transition counter with the
// old and new state labels. Used for alerting on reconnect storms.
func (c *Collector) RecordStateTransition(from, to string) {
	c.StateTransitions.WithLabelValues(from, to).Inc()
}

// -------------------------------------------------------------------------
// Liveness and Recovery
// -------------------------------------------------------------------------

// IncHeartbeatTimeouts increments the heartbeat timeout counter.
func (c *Collector) IncHeartbeatTimeouts() {
	c.HeartbeatTimeouts.Inc()
}

// IncRecoveries increments the recovery counter.
func (c *Collector) IncRecoveries() {
	c.Recoveries.Inc()
}

// IncRebinds increments the rebind counter.
func (c *Collector) IncRebinds() {
	c.Rebinds.Inc()
}

// -------------------------------------------------------------------------
// Authentication
// -------------------------------------------------------------------------

// IncAuthFailures increments the authentication failure counter.
func (c *Collector) IncAuthFailures() {
	c.AuthFailures.Inc()
}
