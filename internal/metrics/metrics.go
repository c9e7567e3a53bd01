// Package metrics holds the Prometheus collectors of the inbox and the HTTP
// router that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection lifecycle
	ConnectionTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_connection_transitions_total",
			Help: "Connection state transitions",
		},
		[]string{"from", "to", "reason"},
	)

	ConnectionsConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wainbox_connections_connected",
			Help: "Connections with an open session",
		},
	)

	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_reconnects_total",
			Help: "Reconnect attempts scheduled by the supervisor",
		},
		[]string{"result"}, // "scheduled", "exhausted"
	)

	// Ingestion
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_messages_ingested_total",
			Help: "Messages stored for the first time",
		},
		[]string{"direction", "media"},
	)

	Receipts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_receipts_total",
			Help: "Delivery receipts applied",
		},
		[]string{"status"},
	)

	MediaFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_media_failures_total",
			Help: "Media payloads that could not be fetched or stored",
		},
		[]string{"media"},
	)

	Transcriptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_transcriptions_total",
			Help: "Audio transcription attempts",
		},
		[]string{"result"}, // "ok", "failed"
	)

	// Automated replies
	AutoReplies = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_auto_replies_total",
			Help: "Automated reply outcomes",
		},
		[]string{"result"}, // "sent", "handoff", "skipped", "failed"
	)

	AIRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wainbox_ai_request_duration_seconds",
			Help:    "Chat completion latency",
			Buckets: []float64{.25, .5, 1, 2, 4, 8, 16, 32},
		},
	)

	// Errors by taxonomy kind
	Errors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_errors_total",
			Help: "Errors by kind",
		},
		[]string{"kind"},
	)

	// Maintenance
	MaintenanceRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wainbox_maintenance_runs_total",
			Help: "Maintenance job runs",
		},
		[]string{"job", "result"},
	)
)

// MediaLabel returns the media label for a message, "none" for plain text.
func MediaLabel(kind string) string {
	if kind == "" {
		return "none"
	}
	return kind
}
