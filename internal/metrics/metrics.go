// Package metrics exposes the gateway's Prometheus metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "gatekeeper"

// Collector owns a private registry so tests and multiple servers in one
// process never collide on metric names.
type Collector struct {
	registry *prometheus.Registry

	decisions     *prometheus.CounterVec
	storeErrors   *prometheus.CounterVec
	evalDuration  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	grpcRequests  *prometheus.CounterVec
	policies      prometheus.Gauge
	policyReloads *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: registry,
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decisions_total",
			Help:      "Rate limit decisions by resource, algorithm and result.",
		}, []string{"resource", "algorithm", "result"}),
		storeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Evaluations answered by the failure mode because the counter store failed.",
		}, []string{"resource", "failure_mode"}),
		evalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Time spent evaluating one key, store round trips included.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 2, 16), // 10µs to ~330ms
		}, []string{"algorithm"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		grpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		}, []string{"method", "code"}),
		policies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policies",
			Help:      "Resource policies currently installed.",
		}),
		policyReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_reloads_total",
			Help:      "Policy reloads by source and result.",
		}, []string{"source", "result"}),
	}

	registry.MustRegister(
		c.decisions,
		c.storeErrors,
		c.evalDuration,
		c.httpRequests,
		c.httpDuration,
		c.grpcRequests,
		c.policies,
		c.policyReloads,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordDecision counts one evaluation and its latency.
func (c *Collector) RecordDecision(resource, algorithm string, allowed bool, d time.Duration) {
	result := "allowed"
	if !allowed {
		result = "denied"
	}
	c.decisions.WithLabelValues(resource, algorithm, result).Inc()
	c.evalDuration.WithLabelValues(algorithm).Observe(d.Seconds())
}

func (c *Collector) RecordStoreError(resource, failureMode string) {
	c.storeErrors.WithLabelValues(resource, failureMode).Inc()
}

// RecordHTTPRequest uses the route template, not the raw path, to keep
// label cardinality bounded.
func (c *Collector) RecordHTTPRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (c *Collector) RecordGRPCRequest(method, code string) {
	c.grpcRequests.WithLabelValues(method, code).Inc()
}

func (c *Collector) SetPolicies(n int) {
	c.policies.Set(float64(n))
}

func (c *Collector) RecordPolicyReload(source string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	c.policyReloads.WithLabelValues(source, result).Inc()
}
