// Package metrics exposes Prometheus metrics for the generation cache.
//
// A nil *Collector is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all metrics on a private registry.
type Collector struct {
	registry *prometheus.Registry

	lookups            *prometheus.CounterVec
	generations        *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec
	evictions          *prometheus.CounterVec
	evictedBytes       *prometheus.CounterVec
	tierErrors         *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
}

// New creates a collector whose metric names are prefixed with namespace.
func New(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by serving tier and result.",
		}, []string{"tier", "result"}),
		generations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generations_total",
			Help:      "Generation attempts by template and outcome.",
		}, []string{"template", "outcome"}),
		generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "generation_duration_seconds",
			Help:      "Duration of generator calls.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90, 120},
		}, []string{"template"}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Records removed by the eviction manager by tier and reason.",
		}, []string{"tier", "reason"}),
		evictedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evicted_bytes_total",
			Help:      "Payload bytes released by the eviction manager.",
		}, []string{"tier"}),
		tierErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_errors_total",
			Help:      "Tier operation failures by tier and operation.",
		}, []string{"tier", "op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
	}

	registry.MustRegister(
		c.lookups,
		c.generations,
		c.generationDuration,
		c.evictions,
		c.evictedBytes,
		c.tierErrors,
		c.httpRequests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Lookup records a store lookup. tier is empty on a miss.
func (c *Collector) Lookup(tier, result string) {
	if c == nil {
		return
	}
	if tier == "" {
		tier = "none"
	}
	c.lookups.WithLabelValues(tier, result).Inc()
}

// Generation records one generator call.
func (c *Collector) Generation(template, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.generations.WithLabelValues(template, outcome).Inc()
	c.generationDuration.WithLabelValues(template).Observe(d.Seconds())
}

// Eviction records n removals from tier for reason.
func (c *Collector) Eviction(tier, reason string, n int) {
	if c == nil || n == 0 {
		return
	}
	c.evictions.WithLabelValues(tier, reason).Add(float64(n))
}

// Freed records payload bytes released from tier.
func (c *Collector) Freed(tier string, bytes int64) {
	if c == nil || bytes == 0 {
		return
	}
	c.evictedBytes.WithLabelValues(tier).Add(float64(bytes))
}

// TierError records a failed tier operation.
func (c *Collector) TierError(tier, op string) {
	if c == nil {
		return
	}
	c.tierErrors.WithLabelValues(tier, op).Inc()
}

// HTTPRequest records a served request.
func (c *Collector) HTTPRequest(route, code string) {
	if c == nil {
		return
	}
	c.httpRequests.WithLabelValues(route, code).Inc()
}
