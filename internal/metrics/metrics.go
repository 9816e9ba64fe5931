package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_chat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "carelink_chat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Gateway metrics
	ConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carelink_chat_connections_open",
			Help: "Websocket sessions currently open",
		},
	)

	ActiveRooms = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "carelink_chat_active_rooms",
			Help: "Rooms with at least one present participant",
		},
	)

	EventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_chat_events_total",
			Help: "Inbound websocket events by type and result",
		},
		[]string{"type", "result"},
	)

	DroppedFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_chat_dropped_frames_total",
			Help: "Outbound frames dropped because a connection buffer was full",
		},
		[]string{"event"},
	)

	// Message store metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_chat_messages_sent_total",
			Help: "Messages persisted",
		},
		[]string{"transport"}, // "ws" or "rest"
	)

	PublishedEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "carelink_chat_published_events_total",
			Help: "message.sent events handed to the broker by result",
		},
		[]string{"result"}, // "ok", "error" or "dropped"
	)

	StoreRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "carelink_chat_store_retries_total",
			Help: "Message writes retried after a transient failure",
		},
	)
)
