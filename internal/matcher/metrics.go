package matcher

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

// Metrics holds Prometheus metrics for the resolution pipeline.
type Metrics struct {
	DecisionsTotal *prometheus.CounterVec
	ErrorsTotal    prometheus.Counter
	Confidence     prometheus.Histogram
	Duration       prometheus.Histogram
}

// NewMetrics creates and registers Prometheus metrics for the pipeline.
// sync.Once guards registration against duplicate collectors.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			DecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "matchd_match_decisions_total",
					Help: "Total match decisions by deciding stage",
				},
				[]string{"stage"},
			),

			ErrorsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "matchd_match_errors_total",
					Help: "Total matches aborted by infrastructure failures",
				},
			),

			Confidence: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "matchd_match_confidence",
					Help:    "Confidence of accepted matches",
					Buckets: prometheus.LinearBuckets(0.5, 0.05, 11), // 0.5 to 1.0
				},
			),

			Duration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "matchd_match_duration_seconds",
					Help:    "Duration of match resolution in seconds",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
				},
			),
		}
	})

	return globalMetrics
}

// RecordMatch records one resolved (or failed) match.
func (m *Metrics) RecordMatch(decision Decision, elapsed time.Duration, failed bool) {
	m.Duration.Observe(elapsed.Seconds())

	if failed {
		m.ErrorsTotal.Inc()
		return
	}

	m.DecisionsTotal.WithLabelValues(string(decision.Stage)).Inc()
	if !decision.Abstained() {
		m.Confidence.Observe(decision.Confidence)
	}
}
