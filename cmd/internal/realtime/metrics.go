package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are registered on the default registry and exposed via /metrics.
var (
	metricOnlineUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunetime",
		Subsystem: "presence",
		Name:      "online_users",
		Help:      "Users with at least one live connection.",
	})

	metricOpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "tunetime",
		Subsystem: "presence",
		Name:      "open_connections",
		Help:      "Live websocket connections.",
	})

	metricMessagesPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunetime",
		Subsystem: "relay",
		Name:      "messages_persisted_total",
		Help:      "Direct messages successfully written to the store.",
	})

	metricPersistFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunetime",
		Subsystem: "relay",
		Name:      "persist_failures_total",
		Help:      "Store writes that failed and were reported to the sender.",
	})

	metricMessagesDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunetime",
		Subsystem: "relay",
		Name:      "messages_delivered_total",
		Help:      "receive_message deliveries enqueued to receiver connections.",
	})

	metricBroadcastDrops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tunetime",
		Subsystem: "presence",
		Name:      "broadcast_drops_total",
		Help:      "Events dropped because a connection's send queue was full.",
	})
)
