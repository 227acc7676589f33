// Package metrics holds the process-wide Prometheus collectors. Call
// Register once from main.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Connections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanline",
		Name:      "ws_connections",
		Help:      "Live websocket connections held by this process.",
	})

	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fanline",
		Name:      "online_users",
		Help:      "Users with at least one live connection on this process.",
	})

	SlowConsumers = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "slow_consumer_disconnects_total",
		Help:      "Connections closed because their send queue was full.",
	})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "messages_sent_total",
		Help:      "Messages accepted by the delivery pipeline, by outcome.",
	}, []string{"outcome"})

	PushFallbacks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "push_notifications_total",
		Help:      "Push notifications sent to offline recipients, by result.",
	}, []string{"result"})

	TimerFirings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "timer_firings_total",
		Help:      "Expiry timers that fired, by kind.",
	}, []string{"kind"})

	CallTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "call_transitions_total",
		Help:      "Call state transitions, by target state.",
	}, []string{"state"})

	LogEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fanline",
		Name:      "log_entries_total",
		Help:      "Number of log entries by level.",
	}, []string{"level"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		Connections,
		OnlineUsers,
		SlowConsumers,
		MessagesSent,
		PushFallbacks,
		TimerFirings,
		CallTransitions,
		LogEntries,
	)
}
