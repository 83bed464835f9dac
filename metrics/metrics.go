// Package metrics defines the Prometheus instruments exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks open WebSocket connections.
	ConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "support_relay_connections_active",
		Help: "Number of open client connections",
	})

	// ParticipantsOnline tracks registered participants by role.
	ParticipantsOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "support_relay_participants_online",
		Help: "Registered participants by role",
	}, []string{"role"})

	// MessagesEnqueued counts messages accepted onto an outbound queue.
	MessagesEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_relay_messages_enqueued_total",
		Help: "Messages accepted onto a connection queue",
	})

	// MessagesPersisted counts committed messages by result (inserted, duplicate).
	MessagesPersisted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "support_relay_messages_persisted_total",
		Help: "Messages committed to the store",
	}, []string{"result"})

	// PersistRetries counts rescheduled persistence attempts.
	PersistRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_relay_persist_retries_total",
		Help: "Persistence attempts rescheduled after a failure",
	})

	// MessagesDropped counts messages given up on, by reason.
	MessagesDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "support_relay_messages_dropped_total",
		Help: "Messages dropped after exhausting retries or on permanent failure",
	}, []string{"reason"})

	// MessagesAbandoned counts queued messages discarded because their connection closed.
	MessagesAbandoned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_relay_messages_abandoned_total",
		Help: "Queued messages discarded on disconnect",
	})

	// Deliveries counts events pushed to recipient connections.
	Deliveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "support_relay_deliveries_total",
		Help: "Messages pushed to recipient connections",
	})

	// PersistDuration observes store transaction latency.
	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_relay_persist_duration_seconds",
		Help:    "Duration of message persistence transactions",
		Buckets: prometheus.DefBuckets,
	})

	// PoolWait observes time spent waiting for a store slot.
	PoolWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "support_relay_store_pool_wait_seconds",
		Help:    "Time spent waiting for a store pool slot",
		Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	})

	// HistoryCacheRequests counts history cache lookups by result (hit, miss, error).
	HistoryCacheRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "support_relay_history_cache_requests_total",
		Help: "History cache lookups by result",
	}, []string{"result"})
)
