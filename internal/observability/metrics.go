package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for TradeTrail.
type Metrics struct {
	// --- Ingestion ---
	IngestAccepted  *prometheus.CounterVec
	IngestRejected  *prometheus.CounterVec
	IngestRetryHits prometheus.Counter
	IngestDuration  *prometheus.HistogramVec
	RateLimited     prometheus.Counter

	// --- Chain integrity ---
	ChainVerifyFailures *prometheus.CounterVec
	CrossRefWarnings    prometheus.Counter

	// --- Anchors ---
	CheckpointsBuilt prometheus.Counter
	CommitmentsBuilt prometheus.Counter

	// --- Persistence ---
	StoreConflicts prometheus.Counter
	StoreErrors    *prometheus.CounterVec

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	ChannelDrops       *prometheus.CounterVec

	// --- Projections ---
	ProjectionApplied *prometheus.CounterVec
	ProjectionErrors  *prometheus.CounterVec

	// --- Corroboration ---
	CorroborationRuns     prometheus.Counter
	CorroborationFindings *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	ingestBuckets := []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01,
		0.025, 0.05, 0.1, 0.25, 0.5, 1.0,
	}

	return &Metrics{
		// Ingestion
		IngestAccepted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_ingest_accepted_total",
			Help: "Events accepted onto a chain",
		}, []string{"event_type"}),

		IngestRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_ingest_rejected_total",
			Help: "Events rejected, by taxonomy reason",
		}, []string{"event_type", "reason"}),

		IngestRetryHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_ingest_idempotent_retries_total",
			Help: "Resubmissions answered as no-op successes",
		}),

		IngestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trail_ingest_duration_seconds",
			Help:    "Full ingestion attempt duration including the transaction",
			Buckets: ingestBuckets,
		}, []string{"event_type"}),

		RateLimited: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_ingest_rate_limited_total",
			Help: "Submissions refused by the per-instance rate ceiling",
		}),

		// Chain integrity
		ChainVerifyFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_chain_verify_failures_total",
			Help: "Chain verification failures (sequence/link/hash)",
		}, []string{"reason"}),

		CrossRefWarnings: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_cross_ref_warnings_total",
			Help: "Close/modify events referencing unknown tickets",
		}),

		// Anchors
		CheckpointsBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_checkpoints_built_total",
			Help: "Signed checkpoints persisted",
		}),

		CommitmentsBuilt: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_commitments_built_total",
			Help: "Ledger commitments persisted",
		}),

		// Persistence
		StoreConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_store_conflicts_total",
			Help: "Serialization conflicts between concurrent attempts",
		}),

		StoreErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_store_errors_total",
			Help: "Storage failures by access path",
		}, []string{"path"}),

		// Channels & backpressure
		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trail_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trail_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "trail_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ChannelDrops: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_channel_drops_total",
			Help: "Accepted events dropped from a full feed channel",
		}, []string{"name"}),

		// Projections
		ProjectionApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_projection_applied_total",
			Help: "Events folded into a projection",
		}, []string{"projection"}),

		ProjectionErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_projection_errors_total",
			Help: "Projection update failures",
		}, []string{"projection"}),

		// Corroboration
		CorroborationRuns: promauto.NewCounter(prometheus.CounterOpts{
			Name: "trail_corroboration_runs_total",
			Help: "Analyzer runs completed",
		}),

		CorroborationFindings: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_corroboration_findings_total",
			Help: "Per-item classifications across runs",
		}, []string{"classification"}),

		// Query API
		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "trail_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "trail_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
