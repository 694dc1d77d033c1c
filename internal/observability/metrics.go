package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DetectionsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "detections_ingested_total",
		Help:      "Total number of detections persisted",
	}, []string{"source", "label"})

	DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "detections_duplicate_total",
		Help:      "Total number of redelivered detections skipped by idempotent ingestion",
	})

	DroppedMissingKey = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "detections_dropped_total",
		Help:      "Total number of detections dropped for lacking an identity key",
	})

	PagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "finder_pages_total",
		Help:      "Total number of finder session pages fetched",
	})

	MediaFetchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "media_fetch_failures_total",
		Help:      "Total number of failed image downloads from the appliance",
	})

	StreamReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "event_stream_reconnects_total",
		Help:      "Total number of event stream reconnect attempts",
	})

	StreamBlocksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "event_stream_blocks_skipped_total",
		Help:      "Total number of malformed or heartbeat stream blocks skipped",
	})

	RegistrationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "registration_outcomes_total",
		Help:      "Face registration outcomes per batch candidate",
	}, []string{"outcome"})

	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gatewatch",
		Name:      "match_outcomes_total",
		Help:      "Face matching outcomes per batch candidate",
	}, []string{"outcome"})

	LedgerPending = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewatch",
		Name:      "ledger_pending",
		Help:      "Number of failure ledger entries below the retry ceiling",
	})

	WorkflowDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatewatch",
		Name:      "workflow_duration_seconds",
		Help:      "Duration of one scheduled workflow run",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"workflow"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gatewatch",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gatewatch",
		Name:      "ws_connections",
		Help:      "Number of active WebSocket connections",
	})
)
