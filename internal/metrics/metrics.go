// Package metrics exposes Cardinal's runtime counters to Prometheus,
// registered against a private *prometheus.Registry rather than the
// default global one, so a host process embedding Cardinal never picks
// up collectors registered elsewhere.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds every metric Cardinal records. It is safe for
// concurrent use — the prometheus client types handle their own locking.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	resolverOutcomes *prometheus.CounterVec
	wasmInstantiate  *prometheus.HistogramVec
	filterChainDur   *prometheus.HistogramVec
}

// NewCollector builds a Collector with its own private registry, so
// Cardinal's /metrics endpoint never picks up the default Go runtime
// collectors an application might register elsewhere in the process.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_requests_total",
			Help: "Total requests proxied, by destination and response status.",
		}, []string{"destination", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardinal_request_duration_seconds",
			Help:    "End-to-end request duration, from accept to response write.",
			Buckets: prometheus.DefBuckets,
		}, []string{"destination"}),
		resolverOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cardinal_resolver_outcomes_total",
			Help: "Destination Resolver outcomes, by reason.",
		}, []string{"outcome"}),
		wasmInstantiate: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardinal_wasm_instantiate_duration_seconds",
			Help:    "Time to instantiate and run one guest module call.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 12),
		}, []string{"plugin", "phase"}),
		filterChainDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cardinal_filter_chain_duration_seconds",
			Help:    "Time spent running an entire request or response filter chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"phase"}),
	}

	reg.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.resolverOutcomes,
		c.wasmInstantiate,
		c.filterChainDur,
	)

	return c
}

// RecordRequest records one completed proxied request.
func (c *Collector) RecordRequest(destination, status string, duration time.Duration) {
	c.requestsTotal.WithLabelValues(destination, status).Inc()
	c.requestDuration.WithLabelValues(destination).Observe(duration.Seconds())
}

// RecordResolverOutcome records a Destination Resolver result, e.g.
// "matched", "unknown_destination", "route_mismatch".
func (c *Collector) RecordResolverOutcome(outcome string) {
	c.resolverOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWasmInstantiate records one guest handle() call's wall time.
func (c *Collector) RecordWasmInstantiate(plugin, phase string, duration time.Duration) {
	c.wasmInstantiate.WithLabelValues(plugin, phase).Observe(duration.Seconds())
}

// RecordFilterChain records the wall time of one full filter-chain run.
func (c *Collector) RecordFilterChain(phase string, duration time.Duration) {
	c.filterChainDur.WithLabelValues(phase).Observe(duration.Seconds())
}

// Handler returns the http.Handler Cardinal's proxy host mounts at
// /metrics.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
