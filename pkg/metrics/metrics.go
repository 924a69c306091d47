package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Broker consumption
	MessagesHandled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_messages_handled_total",
			Help: "Messages handled by consumer group, message type and outcome",
		},
		[]string{"group", "message_type", "outcome"}, // "ack", "retry", "dead_letter"
	)

	MessageHandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_enricher_message_handle_duration_seconds",
			Help:    "Time spent handling a single delivery, including retries",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"group", "message_type"},
	)

	MessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_messages_published_total",
			Help: "Messages published by topic and message type",
		},
		[]string{"topic", "message_type"},
	)

	// External processes
	ProcessRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_process_runs_total",
			Help: "External process invocations by binary and outcome",
		},
		[]string{"binary", "outcome"}, // "success", "exit_error", "output_missing", "not_found", "canceled", "error"
	)

	ProcessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "media_enricher_process_duration_seconds",
			Help:    "Wall time of external process invocations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"binary"},
	)

	// Enrichment results
	EnrichmentSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_enrichment_skipped_total",
			Help: "Uploads acknowledged without publishing, by worker and reason",
		},
		[]string{"worker", "reason"},
	)

	ProjectionUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_projection_updates_total",
			Help: "Projection updates by event type and whether a row matched",
		},
		[]string{"message_type", "result"}, // "applied", "no_row"
	)

	// Identity sync
	IdentitySyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_identity_sync_cycles_total",
			Help: "Identity sync poll cycles by outcome",
		},
		[]string{"outcome"}, // "success", "error", "skipped"
	)

	IdentityEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "media_enricher_identity_events_total",
			Help: "Admin events seen by the identity poller by result",
		},
		[]string{"result"}, // "applied", "duplicate", "user_missing"
	)

	IdentityPageRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "media_enricher_identity_page_requests_total",
			Help: "Admin event page requests issued",
		},
	)

	IdentityCheckpoint = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "media_enricher_identity_checkpoint_timestamp_seconds",
			Help: "Persisted identity sync watermark as a unix timestamp",
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "media_enricher_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)
)
