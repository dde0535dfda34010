package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// gaugeMetrics adapts a prometheus.Gauge to block.Metrics, so the
// buffer layer's outstanding-handle count is observable the same way
// the rest of the fleet exposes runtime gauges over /metrics.
type gaugeMetrics struct {
	outstanding prometheus.Gauge
}

func newGaugeMetrics() *gaugeMetrics {
	return &gaugeMetrics{
		outstanding: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ext3ck",
			Name:      "buffers_outstanding",
			Help:      "Number of block buffer handles currently allocated from the journal/filesystem image.",
		}),
	}
}

func (m *gaugeMetrics) BuffersOutstanding(count int) {
	m.outstanding.Set(float64(count))
}

func (m *gaugeMetrics) Collector() prometheus.Collector {
	return m.outstanding
}
