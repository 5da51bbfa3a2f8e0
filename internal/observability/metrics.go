package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the node exports.
type Metrics struct {
	// --- Core processing ---
	TxApplied         *prometheus.CounterVec
	TxRejected        *prometheus.CounterVec
	TxDuration        prometheus.Histogram
	CoreSequence      prometheus.Gauge
	OpenOrders        prometheus.Gauge
	OpenCallOrders    prometheus.Gauge
	ProjectionDropped prometheus.Counter

	// --- Channels & backpressure ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec

	// --- Ingestion ---
	IngestReceived *prometheus.CounterVec
	IngestParseErr *prometheus.CounterVec
	PublishDrops   prometheus.Counter

	// --- Persistence ---
	PersistTxWritten      prometheus.Counter
	PersistChangesWritten prometheus.Counter
	PersistBatchSize      prometheus.Histogram
	PersistBatchDur       prometheus.Histogram
	PersistErrors         *prometheus.CounterVec
	PersistRetry          prometheus.Counter
	PersistLastSequence   prometheus.Gauge

	// --- Projections ---
	ProjectionUpdateDur *prometheus.HistogramVec
	ProjectionLastSeq   prometheus.Gauge

	// --- Snapshots ---
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec

	// --- Websocket ---
	WSClients   prometheus.Gauge
	WSBroadcast prometheus.Counter
}

// NewMetrics creates and registers all metrics with the default
// registry.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		TxApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_core_tx_applied_total",
			Help: "Operations successfully applied, by operation type",
		}, []string{"op_type"}),

		TxRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_core_tx_rejected_total",
			Help: "Transactions rejected, by reason (rejection code or duplicate)",
		}, []string{"reason"}),

		TxDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_core_tx_apply_duration_seconds",
			Help:    "Time to apply one transaction in the engine",
			Buckets: latencyBuckets,
		}),

		CoreSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_core_sequence",
			Help: "Next engine sequence number",
		}),

		OpenOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_open_limit_orders",
			Help: "Currently open limit orders",
		}),

		OpenCallOrders: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_open_call_orders",
			Help: "Currently open call positions",
		}),

		ProjectionDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_projection_drops_total",
			Help: "Outputs dropped because the projection channel was full",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dex_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		IngestReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_ingest_received_total",
			Help: "Messages received from NATS, by subject",
		}, []string{"subject"}),

		IngestParseErr: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_ingest_parse_errors_total",
			Help: "Malformed payloads, by subject",
		}, []string{"subject"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_publish_drops_total",
			Help: "Applied-op notifications dropped on full publish channel",
		}),

		PersistTxWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_persist_tx_written_total",
			Help: "Transactions written to Postgres",
		}),

		PersistChangesWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_persist_changes_written_total",
			Help: "Change rows written to Postgres",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_persist_batch_size",
			Help:    "Transactions per write batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		ProjectionLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_projection_last_sequence",
			Help: "Last projected sequence",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_snapshot_taken_total",
			Help: "Snapshots created",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dex_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_snapshot_last_sequence",
			Help: "Sequence of last snapshot",
		}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dex_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dex_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		WSClients: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dex_ws_clients",
			Help: "Connected websocket subscribers",
		}),

		WSBroadcast: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dex_ws_broadcast_total",
			Help: "Messages broadcast to websocket subscribers",
		}),
	}
}

// SetChannelMetrics updates the utilization metrics for one channel.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
