package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AuroralH2020/auroral-node-agent/metric"
)

// cacheMetrics mirrors Statistics into Prometheus. A nil *cacheMetrics records nothing.
type cacheMetrics struct {
	ops  *prometheus.CounterVec
	size prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   "auroral_agent",
			Subsystem:   "cache",
			Name:        "operations_total",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "In-process cache operations by type",
		}, []string{"op"}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   "auroral_agent",
			Subsystem:   "cache",
			Name:        "size",
			ConstLabels: prometheus.Labels{"cache": prefix},
			Help:        "Current number of entries in cache",
		}),
	}

	if err := registry.RegisterCounterVec(prefix, "cache_operations", m.ops); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *cacheMetrics) inc(op string) {
	if m == nil {
		return
	}
	m.ops.WithLabelValues(op).Inc()
}

func (m *cacheMetrics) recordHit()      { m.inc("hit") }
func (m *cacheMetrics) recordMiss()     { m.inc("miss") }
func (m *cacheMetrics) recordSet()      { m.inc("set") }
func (m *cacheMetrics) recordDelete()   { m.inc("delete") }
func (m *cacheMetrics) recordEviction() { m.inc("eviction") }

func (m *cacheMetrics) updateSize(size int) {
	if m == nil {
		return
	}
	m.size.Set(float64(size))
}
