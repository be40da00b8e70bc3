package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
//
// Naming: chatsync_<subsystem>_<name>.
type Metrics struct {
	ConnectionState   prometheus.Gauge
	Transitions       *prometheus.CounterVec
	ReconnectAttempts prometheus.Counter
	FramesReceived    *prometheus.CounterVec
	FramesSent        *prometheus.CounterVec
	HistoryEvents     *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ConnectionState: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "state",
			Help:      "Current connection state (0 disconnected, 1 connecting, 2 connected, 3 error)",
		}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "transitions_total",
			Help:      "Connection state transitions by target state",
		}, []string{"state"}),
		ReconnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "connection",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect timers scheduled",
		}),
		FramesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "frames",
			Name:      "received_total",
			Help:      "Inbound frames by status (ok, malformed)",
		}, []string{"status"}),
		FramesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "frames",
			Name:      "sent_total",
			Help:      "Outbound frames by status (sent, dropped)",
		}, []string{"status"}),
		HistoryEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "history",
			Name:      "events_total",
			Help:      "Reconciliation outcomes",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) observeState(s ConnectionState) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(s))
	m.Transitions.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) observeReconnect() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) observeFrame(status string) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(status).Inc()
}

func (m *Metrics) observeSend(status string) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(status).Inc()
}

func (m *Metrics) observeHistory(o Outcome) {
	if m == nil {
		return
	}
	m.HistoryEvents.WithLabelValues(o.String()).Inc()
}
