// Package metrics exposes analysis engine telemetry to Prometheus.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ledgerlens/ledgerlens/pkg/models"
)

const namespace = "ledgerlens"

// Collector holds the engine's Prometheus metrics. A nil *Collector is valid
// and records nothing.
type Collector struct {
	registry *prometheus.Registry

	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lookups     *prometheus.CounterVec
	entries     prometheus.Gauge
	inflight    prometheus.Gauge
}

// NewCollector creates a collector with its own registry.
func NewCollector() (*Collector, error) {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_invocations_total",
			Help:      "Provider invocations by outcome.",
		}, []string{"provider", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_duration_seconds",
			Help:      "Provider invocation latency.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"provider"}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by result.",
		}, []string{"result"}),
		entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_entries",
			Help:      "Entries currently held in the result cache.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inflight_computations",
			Help:      "Analyses currently being computed.",
		}),
	}

	for _, m := range []prometheus.Collector{c.invocations, c.duration, c.lookups, c.entries, c.inflight} {
		if err := c.registry.Register(m); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return c, nil
}

// ObserveInvocation records one provider invocation. outcome is "success" or
// the provider error kind.
func (c *Collector) ObserveInvocation(provider models.ProviderID, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.invocations.WithLabelValues(string(provider), outcome).Inc()
	c.duration.WithLabelValues(string(provider)).Observe(d.Seconds())
}

// CacheLookup records a cache hit or miss.
func (c *Collector) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.lookups.WithLabelValues(result).Inc()
}

// SetCacheEntries sets the cache size gauge.
func (c *Collector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	c.entries.Set(float64(n))
}

// InflightInc marks a computation as started.
func (c *Collector) InflightInc() {
	if c == nil {
		return
	}
	c.inflight.Inc()
}

// InflightDec marks a computation as settled.
func (c *Collector) InflightDec() {
	if c == nil {
		return
	}
	c.inflight.Dec()
}

// Registry returns the underlying registry, or nil for a nil collector.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
