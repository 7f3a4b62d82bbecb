package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce            sync.Once
	chatConnectionsTotal    *prometheus.CounterVec
	chatReconnectsTotal     prometheus.Counter
	chatFramesDroppedTotal  *prometheus.CounterVec
	chatMessagesTotal       *prometheus.CounterVec
	chatTypingSignalsTotal  *prometheus.CounterVec
	chatSessionsActiveGauge prometheus.Gauge
)

// RegisterMetrics initialises the Prometheus collectors used by the chat core.
func RegisterMetrics() {
	registerOnce.Do(func() {
		chatConnectionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_connections_total",
			Help: "Total number of realtime connection attempts by outcome.",
		}, []string{"outcome"})

		chatReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_reconnect_attempts_total",
			Help: "Total number of scheduled reconnection attempts.",
		})

		chatFramesDroppedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_frames_dropped_total",
			Help: "Total number of inbound frames dropped by reason.",
		}, []string{"reason"})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_messages_total",
			Help: "Total number of chat messages by direction and type.",
		}, []string{"direction", "type"})

		chatTypingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chat_typing_signals_total",
			Help: "Total number of typing signals emitted locally.",
		}, []string{"state"})

		chatSessionsActiveGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_sessions_active",
			Help: "Number of room sessions currently open.",
		})

		prometheus.MustRegister(
			chatConnectionsTotal,
			chatReconnectsTotal,
			chatFramesDroppedTotal,
			chatMessagesTotal,
			chatTypingSignalsTotal,
			chatSessionsActiveGauge,
		)
	})
}

// ChatConnections exposes the counter for connection attempts.
func ChatConnections() *prometheus.CounterVec {
	RegisterMetrics()
	return chatConnectionsTotal
}

// ChatReconnects exposes the counter for scheduled reconnects.
func ChatReconnects() prometheus.Counter {
	RegisterMetrics()
	return chatReconnectsTotal
}

// ChatFramesDropped exposes the counter for dropped inbound frames.
func ChatFramesDropped() *prometheus.CounterVec {
	RegisterMetrics()
	return chatFramesDroppedTotal
}

// ChatMessages exposes the counter for chat traffic.
func ChatMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// ChatTypingSignals exposes the counter for locally emitted typing signals.
func ChatTypingSignals() *prometheus.CounterVec {
	RegisterMetrics()
	return chatTypingSignalsTotal
}

// ChatSessionsActive exposes the gauge for open room sessions.
func ChatSessionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatSessionsActiveGauge
}
