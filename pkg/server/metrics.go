package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the server
type Metrics struct {
	// Session metrics
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter

	// Message metrics
	messagesReceived  *prometheus.CounterVec // by message type
	messagesBroadcast prometheus.Counter
	errorsSent        *prometheus.CounterVec // by error code

	// Auth metrics
	loginAttempts *prometheus.CounterVec // by outcome

	// Broadcast metrics
	broadcastFanout   prometheus.Histogram
	broadcastDuration prometheus.Histogram
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		activeSessions: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "parley_active_sessions",
				Help: "Number of currently connected sessions",
			},
		),
		sessionsCreated: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),
		sessionsDisconnected: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		messagesReceived: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_messages_received_total",
				Help: "Total number of client messages received",
			},
			[]string{"type"},
		),
		messagesBroadcast: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "parley_messages_broadcast_total",
				Help: "Total number of chat messages broadcast (unique messages, not deliveries)",
			},
		),
		errorsSent: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_errors_sent_total",
				Help: "Total number of error replies sent to clients",
			},
			[]string{"code"},
		),
		loginAttempts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "parley_login_attempts_total",
				Help: "Total number of login attempts",
			},
			[]string{"outcome"}, // "ok" or "failed"
		),
		broadcastFanout: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_broadcast_fanout",
				Help:    "Number of clients that received each broadcast message",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
			},
		),
		broadcastDuration: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "parley_broadcast_duration_seconds",
				Help:    "Time spent persisting and fanning out a single message",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// All record methods are nil-safe so tests can run handlers without a
// metrics instance.

func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

func (m *Metrics) RecordSessionCreated() {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
}

func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

func (m *Metrics) RecordMessageReceived(msgType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(msgType).Inc()
}

func (m *Metrics) RecordBroadcast(fanout int, seconds float64) {
	if m == nil {
		return
	}
	m.messagesBroadcast.Inc()
	m.broadcastFanout.Observe(float64(fanout))
	m.broadcastDuration.Observe(seconds)
}

func (m *Metrics) RecordErrorSent(code string) {
	if m == nil {
		return
	}
	m.errorsSent.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordLoginAttempt(outcome string) {
	if m == nil {
		return
	}
	m.loginAttempts.WithLabelValues(outcome).Inc()
}
