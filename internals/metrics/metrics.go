package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rooms
	RoomsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_created_total",
		Help: "Total number of rooms created",
	})

	RoomsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rooms_expired_total",
		Help: "Total number of in-memory rooms removed by TTL",
	})

	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_rooms",
		Help: "Number of rooms held by the in-memory store",
	})

	RoomChannels = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_room_channels",
		Help: "Number of rooms with at least one local socket",
	})

	// Connections
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_connections",
		Help: "Number of open websocket connections",
	})

	ConnectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_connections_total",
		Help: "Total number of websocket connections accepted",
	})

	// Events
	EventsReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Inbound socket events by type",
	}, []string{"type"})

	EventsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_dropped_total",
		Help: "Socket events or frames dropped, by reason",
	}, []string{"reason"})

	MessagesRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_relayed_total",
		Help: "Encrypted messages relayed, by kind",
	}, []string{"kind"})

	// Admission control
	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "HTTP API requests rejected by the rate limiter",
	})

	// Backend health
	BackendInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relay_store_backend",
		Help: "Active room store backend (1 for the selected one)",
	}, []string{"backend"})

	RedisLatencyMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_redis_latency_ms",
		Help:    "Redis operation latency in milliseconds",
		Buckets: []float64{0.5, 1, 2, 5, 10, 25, 50},
	})

	RedisErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_errors_total",
		Help: "Total Redis errors",
	})

	PubSubPublishedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pubsub_published_total",
		Help: "Room frames published to other instances",
	})

	PubSubReceivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_pubsub_received_total",
		Help: "Room frames received from other instances",
	})
)

// Helper functions

func RecordEvent(eventType string) {
	EventsReceivedTotal.WithLabelValues(eventType).Inc()
}

func RecordDrop(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordMessage counts a relayed message. Unknown kinds are folded into
// "other" to keep label cardinality bounded.
func RecordMessage(kind string) {
	switch kind {
	case "text", "image", "video":
	default:
		kind = "other"
	}
	MessagesRelayedTotal.WithLabelValues(kind).Inc()
}

func RecordBackend(backend string) {
	BackendInfo.Reset()
	BackendInfo.WithLabelValues(backend).Set(1)
}

// ObserveRedis records the latency of a Redis call started at start and
// counts err unless it is nil or a cache miss.
func ObserveRedis(start time.Time, err error, miss bool) {
	RedisLatencyMs.Observe(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil && !miss {
		RedisErrorsTotal.Inc()
	}
}
