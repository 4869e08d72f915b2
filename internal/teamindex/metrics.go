package teamindex

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds Prometheus metrics for the team index cache.
type Metrics struct {
	BuildsTotal        prometheus.Counter
	BuildFailuresTotal *prometheus.CounterVec
	BuildDuration      prometheus.Histogram
	BuildSize          prometheus.Histogram

	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	EvictionsTotal      prometheus.Counter
	InvalidationsTotal  prometheus.Counter
	Entries             prometheus.Gauge
}

// NewMetrics creates and registers Prometheus metrics for the index cache.
//
// sync.Once guards registration so multiple caches (or tests) never panic on
// duplicate collectors. All metrics share the "matchd_teamindex_" prefix.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			BuildsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_builds_total",
					Help: "Total number of successful team index builds",
				},
			),

			BuildFailuresTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_build_failures_total",
					Help: "Total number of failed team index builds",
				},
				[]string{"reason"}, // "store", "embedding", "dimension", "no_properties"
			),

			BuildDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "matchd_teamindex_build_duration_seconds",
					Help:    "Duration of team index builds in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
				},
			),

			BuildSize: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "matchd_teamindex_build_size",
					Help:    "Properties per team index build",
					Buckets: prometheus.ExponentialBuckets(1, 4, 8), // 1 to ~16k
				},
			),

			CacheHitsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_cache_hits_total",
					Help: "Total number of team index cache hits",
				},
			),

			CacheMissesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_cache_misses_total",
					Help: "Total number of team index cache misses",
				},
			),

			EvictionsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_evictions_total",
					Help: "Total number of team indexes evicted by the LRU cap",
				},
			),

			InvalidationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_teamindex_invalidations_total",
					Help: "Total number of explicit team index invalidations",
				},
			),

			Entries: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "matchd_teamindex_entries",
					Help: "Current number of cached team indexes",
				},
			),
		}
	})

	return globalMetrics
}

// RecordBuild records a successful build with its duration and size.
func (m *Metrics) RecordBuild(elapsed time.Duration, properties int) {
	m.BuildsTotal.Inc()
	m.BuildDuration.Observe(elapsed.Seconds())
	m.BuildSize.Observe(float64(properties))
}

// RecordBuildFailure records a failed build by reason.
func (m *Metrics) RecordBuildFailure(reason string) {
	m.BuildFailuresTotal.WithLabelValues(reason).Inc()
}

// RecordHit records a cache hit.
func (m *Metrics) RecordHit() {
	m.CacheHitsTotal.Inc()
}

// RecordMiss records a cache miss.
func (m *Metrics) RecordMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordEviction records an LRU eviction.
func (m *Metrics) RecordEviction() {
	m.EvictionsTotal.Inc()
}

// RecordInvalidation records an explicit invalidation.
func (m *Metrics) RecordInvalidation() {
	m.InvalidationsTotal.Inc()
}

// SetEntries updates the cached entry count gauge.
func (m *Metrics) SetEntries(n int) {
	m.Entries.Set(float64(n))
}
