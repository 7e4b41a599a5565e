// Package metrics defines the Prometheus collectors shared across the
// server. Collectors are registered with the default registry at init
// time via promauto; the /metrics endpoint exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Event bus.

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_events_published_total",
		Help: "Events accepted by the in-process event bus, by topic.",
	}, []string{"topic"})

	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_events_dropped_total",
		Help: "Events dropped by the bus overflow policy, by topic and reason.",
	}, []string{"topic", "reason"})

	EventQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mud_event_queue_depth",
		Help: "Current depth of the event bus intake queue.",
	})

	HandlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_event_handler_errors_total",
		Help: "Event handler failures (errors, panics, timeouts), by topic.",
	}, []string{"topic"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mud_event_handler_duration_seconds",
		Help:    "Time spent in event handlers, by topic.",
		Buckets: prometheus.DefBuckets,
	}, []string{"topic"})

	// Connections.

	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "mud_connections_active",
		Help: "Currently established connections, by transport.",
	}, []string{"transport"})

	ConnectionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_connections_closed_total",
		Help: "Connections closed, by close reason.",
	}, []string{"reason"})

	PlayersOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mud_players_online",
		Help: "Players currently in the ONLINE presence state.",
	})

	MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_messages_sent_total",
		Help: "Outbound messages delivered to clients, by transport.",
	}, []string{"transport"})

	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_messages_dropped_total",
		Help: "Outbound messages dropped from full per-connection queues.",
	}, []string{"transport"})

	// Broker.

	BrokerPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mud_broker_published_total",
		Help: "Messages successfully published to the message broker.",
	})

	BrokerPublishErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mud_broker_publish_errors_total",
		Help: "Failed broker publish attempts.",
	})

	BrokerBatchFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_broker_batch_flushes_total",
		Help: "Batch flush outcomes, by result (ok, retried, dead_letter).",
	}, []string{"result"})

	BrokerDeadLettered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mud_broker_dead_lettered_total",
		Help: "Messages moved to the in-memory dead letter store.",
	})

	BrokerReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mud_broker_reconnects_total",
		Help: "Broker connection re-establishments.",
	})

	BrokerAcks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_broker_acks_total",
		Help: "Manual-ack outcomes, by result (ok, late).",
	}, []string{"result"})

	BrokerNaks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mud_broker_naks_total",
		Help: "Negative acknowledgments requesting redelivery.",
	})

	BrokerHealthFailures = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mud_broker_consecutive_health_failures",
		Help: "Consecutive failed broker health probes.",
	})

	// Gameplay.

	MovesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_moves_total",
		Help: "Movement attempts, by result (ok, invalid, retry_exhausted).",
	}, []string{"result"})

	ChatMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_chat_messages_total",
		Help: "Chat messages accepted, by channel.",
	}, []string{"channel"})

	ChatRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mud_chat_rate_limited_total",
		Help: "Chat messages rejected by the per-channel rate limiter.",
	}, []string{"channel"})
)
