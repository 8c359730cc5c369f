package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Sreyas62/AffiHub/pkg/config"
)

var (
	// HTTP request metrics
	HttpRequestsTotal   prometheus.CounterVec
	HttpRequestDuration prometheus.HistogramVec

	// Authentication metrics
	AuthErrorsCounter prometheus.CounterVec

	// Tracking metrics
	ClicksRecordedCounter prometheus.Counter
	ClicksDroppedCounter  prometheus.Counter
	ConversionsCounter    prometheus.Counter

	// Cache metrics
	CacheHitsCounter   prometheus.Counter
	CacheMissesCounter prometheus.Counter

	// Database operation metrics
	DbOperationDuration prometheus.HistogramVec
)

// InitMetrics initializes Prometheus metrics with configuration
func InitMetrics(cfg *config.Config) {
	// Use metric prefix from configuration
	prefix := cfg.Metrics.Prefix

	HttpRequestsTotal = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HttpRequestDuration = *promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	AuthErrorsCounter = *promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: prefix + "_auth_errors_total",
			Help: "Total number of authentication errors",
		},
		[]string{"reason"},
	)

	ClicksRecordedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_clicks_recorded_total",
			Help: "Total number of click events persisted",
		},
	)

	ClicksDroppedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_clicks_dropped_total",
			Help: "Total number of click events dropped (full buffer or failed insert)",
		},
	)

	ConversionsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_conversions_recorded_total",
			Help: "Total number of conversions recorded",
		},
	)

	CacheHitsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_cache_hits_total",
			Help: "Total number of analytics cache hits",
		},
	)

	CacheMissesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: prefix + "_cache_misses_total",
			Help: "Total number of analytics cache misses",
		},
	)

	DbOperationDuration = *promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    prefix + "_db_operation_duration_seconds",
			Help:    "Duration of database operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation_type"},
	)
}

// TrackDBOperation returns a function that records the duration of a database operation
func TrackDBOperation(operationType string) func(startTime time.Time) {
	return func(startTime time.Time) {
		duration := time.Since(startTime).Seconds()
		DbOperationDuration.WithLabelValues(operationType).Observe(duration)
	}
}

// RecordAuthError increments the counter for authentication errors
func RecordAuthError(reason string) {
	AuthErrorsCounter.WithLabelValues(reason).Inc()
}

// The Inc helpers below are nil-safe so library code can count without
// requiring InitMetrics in unit tests.

// IncClicksRecorded increments the persisted-clicks counter
func IncClicksRecorded() {
	if ClicksRecordedCounter != nil {
		ClicksRecordedCounter.Inc()
	}
}

// IncClicksDropped increments the dropped-clicks counter
func IncClicksDropped() {
	if ClicksDroppedCounter != nil {
		ClicksDroppedCounter.Inc()
	}
}

// IncConversions increments the recorded-conversions counter
func IncConversions() {
	if ConversionsCounter != nil {
		ConversionsCounter.Inc()
	}
}

// IncCacheHit increments the cache-hit counter
func IncCacheHit() {
	if CacheHitsCounter != nil {
		CacheHitsCounter.Inc()
	}
}

// IncCacheMiss increments the cache-miss counter
func IncCacheMiss() {
	if CacheMissesCounter != nil {
		CacheMissesCounter.Inc()
	}
}
