package batch

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the batch counters on a private registry, so several
// batches in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry
	pairs    *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewMetrics creates and registers the batch metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pairs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brainreg_pairs_total",
				Help: "Total number of processed pairs by outcome",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "brainreg_pair_duration_seconds",
				Help:    "Wall time spent registering one pair",
				Buckets: prometheus.ExponentialBuckets(1, 2, 12),
			},
		),
	}
	m.registry.MustRegister(m.pairs, m.duration)
	return m
}

// Observe records one finished pair.
func (m *Metrics) Observe(status string, d time.Duration) {
	m.pairs.WithLabelValues(status).Inc()
	m.duration.Observe(d.Seconds())
}

// Registry exposes the underlying registry, e.g. for an HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteToTextfile writes the metrics in the Prometheus text format.
func (m *Metrics) WriteToTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
