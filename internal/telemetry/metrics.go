// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Poll cycle (MP) counters.
	PollCyclesRun         prometheus.Counter
	PollChannelsSynced    prometheus.Counter
	PollChannelsFailed    prometheus.Counter
	PollChannelsSuspended prometheus.Counter

	// Download (DL) counters.
	DownloadsStarted   prometheus.Counter
	DownloadsSucceeded prometheus.Counter
	DownloadsFailed    prometheus.Counter

	// On-chain submission (OC) counters.
	OnChainSubmitted prometheus.Counter
	OnChainFinalized prometheus.Counter
	OnChainRejected  prometheus.Counter
	OnChainFailed    prometheus.Counter

	// Storage-node upload (UP) counters.
	UploadsSucceeded prometheus.Counter
	UploadsFailed    prometheus.Counter
	UploadFailovers  prometheus.Counter

	// Quota accounting (QA).
	QuotaReservationsDenied *prometheus.CounterVec

	// Durations (seconds).
	DownloadDuration prometheus.Observer
	OnChainDuration  prometheus.Observer
	UploadDuration   prometheus.Observer

	// Gauges.
	QueueDepthGauge   *prometheus.GaugeVec
	CircuitStateGauge *prometheus.GaugeVec // 0=closed, 1=half-open, 2=open, labeled by channelId

	// Platform API / chain connectivity.
	PlatformAPICalls  *prometheus.CounterVec
	OAuthTokenRefresh *prometheus.CounterVec
	IndexerReconnects prometheus.Counter
	StorageNodeLatency *prometheus.HistogramVec

	DatabaseConnectionPoolSize  prometheus.Gauge
	DatabaseConnectionPoolInUse prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollCyclesRun = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_poll_cycles_total", Help: "Number of metadata poll cycles run"})
		PollChannelsSynced = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_poll_channels_synced_total", Help: "Channels successfully synced by the metadata poller"})
		PollChannelsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_poll_channels_failed_total", Help: "Channels that failed metadata sync after retries"})
		PollChannelsSuspended = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_poll_channels_suspended_total", Help: "Channels suspended due to an auth failure during poll"})

		DownloadsStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_downloads_started_total", Help: "Video downloads started"})
		DownloadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_downloads_succeeded_total", Help: "Video downloads succeeded"})
		DownloadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_downloads_failed_total", Help: "Video downloads failed"})

		OnChainSubmitted = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_onchain_submitted_total", Help: "createVideo extrinsics submitted"})
		OnChainFinalized = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_onchain_finalized_total", Help: "createVideo extrinsics finalized"})
		OnChainRejected = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_onchain_rejected_total", Help: "createVideo extrinsics rejected by the node before finalization"})
		OnChainFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_onchain_failed_total", Help: "createVideo extrinsics that finalized with a failure event"})

		UploadsSucceeded = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_uploads_succeeded_total", Help: "Asset uploads to a storage node succeeded"})
		UploadsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_uploads_failed_total", Help: "Asset uploads to a storage node failed"})
		UploadFailovers = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_upload_failovers_total", Help: "Upload retried against a different bucket after a candidate failed"})

		QuotaReservationsDenied = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "synch_quota_reservations_denied_total", Help: "Quota reservations denied because the daily cap was reached"},
			[]string{"pool"},
		)

		DownloadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synch_download_duration_seconds",
			Help:    "Download duration seconds",
			Buckets: []float64{30, 60, 300, 600, 1800, 3600, 7200},
		})
		OnChainDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synch_onchain_duration_seconds",
			Help:    "Time from extrinsic submission to finalization or rejection",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		})
		UploadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "synch_upload_duration_seconds",
			Help:    "Storage node upload duration seconds",
			Buckets: []float64{5, 15, 30, 60, 300, 600, 1800},
		})

		QueueDepthGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "synch_queue_depth", Help: "Current depth of an internal pipeline queue"},
			[]string{"queue"},
		)
		CircuitStateGauge = promauto.NewGaugeVec(
			prometheus.GaugeOpts{Name: "synch_circuit_breaker_state", Help: "Per-channel onchain circuit breaker state: 0=closed, 1=half-open, 2=open"},
			[]string{"channelId"},
		)

		PlatformAPICalls = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "synch_platform_api_calls_total", Help: "Calls to the external video platform API"},
			[]string{"endpoint", "status"},
		)
		OAuthTokenRefresh = promauto.NewCounterVec(
			prometheus.CounterOpts{Name: "synch_oauth_token_refresh_total", Help: "OAuth token refresh attempts"},
			[]string{"status"},
		)
		IndexerReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "synch_indexer_reconnects_total", Help: "Indexer websocket subscription reconnects"})
		StorageNodeLatency = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "synch_storage_node_latency_seconds",
				Help:    "Observed per-bucket storage node latency used for upload candidate ranking",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"bucketId"},
		)

		DatabaseConnectionPoolSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "synch_database_connection_pool_size", Help: "Maximum database connection pool size"})
		DatabaseConnectionPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{Name: "synch_database_connection_pool_in_use", Help: "Current number of database connections in use"})
	})
}

// SetCircuitState sets the onchain circuit breaker gauge for a channel. States: closed, half-open, open.
func SetCircuitState(channelID, state string) {
	if CircuitStateGauge == nil {
		return
	}
	switch state {
	case "closed":
		CircuitStateGauge.WithLabelValues(channelID).Set(0)
	case "half-open":
		CircuitStateGauge.WithLabelValues(channelID).Set(1)
	case "open":
		CircuitStateGauge.WithLabelValues(channelID).Set(2)
	}
}

// SetQueueDepth records the current depth of a named internal queue.
func SetQueueDepth(queue string, n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.WithLabelValues(queue).Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// UpdateDatabasePoolMetrics updates the database connection pool metrics.
func UpdateDatabasePoolMetrics(maxOpen, inUse int) {
	if DatabaseConnectionPoolSize != nil {
		DatabaseConnectionPoolSize.Set(float64(maxOpen))
	}
	if DatabaseConnectionPoolInUse != nil {
		DatabaseConnectionPoolInUse.Set(float64(inUse))
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present in ctx.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
