package metric

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "auroral_agent"

// Metrics contains the agent-level metrics shared by all components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registrations    *prometheus.CounterVec
	LoginAttempts    *prometheus.CounterVec
	AdapterRequests  *prometheus.CounterVec
	AdapterDuration  *prometheus.HistogramVec
	DiscoveryQueries *prometheus.CounterVec
	DescriptionCache *prometheus.CounterVec
	RegisteredItems  prometheus.Gauge
}

// NewMetrics creates the agent metrics without registering them.
func NewMetrics() *Metrics {
	return &Metrics{
		Registrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "registration",
				Name:      "items_total",
				Help:      "Registration, update and removal items by operation and outcome",
			},
			[]string{"operation", "outcome"},
		),
		LoginAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "login",
				Name:      "attempts_total",
				Help:      "Login attempts by subject kind and outcome",
			},
			[]string{"subject", "outcome"},
		),
		AdapterRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "requests_total",
				Help:      "Adapter requests by mode, interaction and outcome",
			},
			[]string{"mode", "interaction", "outcome"},
		),
		AdapterDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "adapter",
				Name:      "request_duration_seconds",
				Help:      "Adapter request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		DiscoveryQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "discovery",
				Name:      "queries_total",
				Help:      "Discovery requests by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		DescriptionCache: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "td_cache",
				Name:      "lookups_total",
				Help:      "Thing description cache lookups by result",
			},
			[]string{"result"},
		),
		RegisteredItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "registration",
				Name:      "items",
				Help:      "Objects currently registered in the local store",
			},
		),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.Registrations,
		m.LoginAttempts,
		m.AdapterRequests,
		m.AdapterDuration,
		m.DiscoveryQueries,
		m.DescriptionCache,
		m.RegisteredItems,
	)
}

// RecordRegistration counts one batch item.
func (m *Metrics) RecordRegistration(operation, outcome string) {
	if m == nil {
		return
	}
	m.Registrations.WithLabelValues(operation, outcome).Inc()
}

// RecordLogin counts one login attempt.
func (m *Metrics) RecordLogin(subject, outcome string) {
	if m == nil {
		return
	}
	m.LoginAttempts.WithLabelValues(subject, outcome).Inc()
}

// RecordAdapterRequest counts one routed adapter request and its latency.
func (m *Metrics) RecordAdapterRequest(mode, interaction, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.AdapterRequests.WithLabelValues(mode, interaction, outcome).Inc()
	m.AdapterDuration.WithLabelValues(mode).Observe(seconds)
}

// RecordDiscovery counts one discovery request.
func (m *Metrics) RecordDiscovery(kind, outcome string) {
	if m == nil {
		return
	}
	m.DiscoveryQueries.WithLabelValues(kind, outcome).Inc()
}

// RecordCacheLookup counts a TD cache hit, miss or eviction.
func (m *Metrics) RecordCacheLookup(result string) {
	if m == nil {
		return
	}
	m.DescriptionCache.WithLabelValues(result).Inc()
}

// SetRegisteredItems reports the local registration count.
func (m *Metrics) SetRegisteredItems(n int) {
	if m == nil {
		return
	}
	m.RegisteredItems.Set(float64(n))
}
