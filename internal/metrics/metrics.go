// Package metrics provides Prometheus instrumentation for the relay. It
// exposes gauges for connections and online users, counters for event and
// message throughput, and histograms for handler latency and broadcast fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with a registered session.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_users",
		Help: "Current number of users present in the registry",
	})

	// EventsTotal counts inbound client events by type and outcome.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_total",
		Help: "Total number of client events processed",
	}, []string{"type", "outcome"}) // outcome = "ok", "rejected", "failed"

	// MessagesTotal counts persisted chat messages by their initial status.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_messages_total",
		Help: "Total number of chat messages persisted",
	}, []string{"status"}) // status = "sent", "delivered"

	// RateLimitedTotal counts events refused by the rate limiter.
	RateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_rate_limited_total",
		Help: "Total number of events refused by rate limiting",
	}, []string{"type"})

	// EventLatency records handler latency in seconds.
	EventLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relay_event_latency_seconds",
		Help:    "Client event handling latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"type"})

	// BroadcastFanout records how many connections each room broadcast reached.
	BroadcastFanout = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "relay_broadcast_fanout",
		Help:    "Connections written to per room broadcast",
		Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		EventsTotal,
		MessagesTotal,
		RateLimitedTotal,
		EventLatency,
		BroadcastFanout,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
