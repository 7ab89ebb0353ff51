// Package metrics holds the Prometheus collectors for the realtime service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections
	ActiveConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "realtime_connections_active",
		Help: "Open WebSocket connections by protocol.",
	}, []string{"protocol"})
	TotalConnections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_connections_total",
		Help: "Accepted WebSocket connections by protocol.",
	}, []string{"protocol"})
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_upgrade_rejections_total",
		Help: "Upgrade requests rejected before the WebSocket opened.",
	}, []string{"reason"})

	// Presence
	PresenceRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_presence_rooms",
		Help: "Non-empty presence rooms.",
	})
	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_broadcasts_total",
		Help: "Events fanned out to a room.",
	}, []string{"event"})
	MessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_messages_sent_total",
		Help: "Messages queued to individual connections.",
	})
	MessagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_received_total",
		Help: "Messages read from clients by protocol.",
	}, []string{"protocol"})
	SlowConsumers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_slow_consumer_drops_total",
		Help: "Connections closed because their send queue was full.",
	})

	// Sync engine
	SyncEngines = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_sync_engines_active",
		Help: "Document-sync engine instances alive.",
	})
	SyncEnginesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_sync_engines_created_total",
		Help: "Document-sync engine instances created.",
	})
	SyncDegraded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "realtime_sync_degraded_attachments_total",
		Help: "Sync connections held open without an engine.",
	})

	// Events
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_events_published_total",
		Help: "Presence events mirrored to the event bus, by outcome.",
	}, []string{"outcome"})
)

// Handler returns the HTTP handler exposing the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
