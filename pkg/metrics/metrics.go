// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the reverse
// proxy: connection pool occupancy, request/response sizing, backend
// health, and the optional circuit-breaker/rate-limiter layers.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the proxy exports.
type Metrics struct {
	// Connection pool metrics
	ActiveConnections *prometheus.GaugeVec
	TotalConnections  *prometheus.CounterVec
	ConnectionErrors  *prometheus.CounterVec
	ConnectionDuration *prometheus.HistogramVec

	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Backend metrics
	BackendRequestsTotal    *prometheus.CounterVec
	BackendErrors           *prometheus.CounterVec
	BackendDuration         *prometheus.HistogramVec
	BackendActiveConnections *prometheus.GaugeVec

	// Pipeline metrics, specific to this domain's FIFO forwarding model
	PipelineDepth *prometheus.GaugeVec
	ParserErrors  *prometheus.CounterVec

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedRequests *prometheus.CounterVec

	// Resource metrics
	GoroutinesActive *prometheus.GaugeVec
	MemoryAllocated  *prometheus.GaugeVec
}

// New creates a Metrics instance registering every metric under namespace
// (defaults to "uws_reverse_proxy").
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "uws_reverse_proxy"
	}

	return &Metrics{
		ActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently active backend connections",
			},
			[]string{"backend"},
		),
		TotalConnections: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of backend connections opened",
			},
			[]string{"backend", "status"},
		),
		ConnectionErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connection_errors_total",
				Help:      "Total number of backend connection errors",
			},
			[]string{"backend", "code"},
		),
		ConnectionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Backend connection lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"backend"},
		),
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of edge requests forwarded",
			},
			[]string{"method", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from receiving a request to writing its response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		RequestSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_size_bytes",
				Help:      "Request body size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "response_size_bytes",
				Help:      "Response body size in bytes",
				Buckets:   []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method"},
		),
		BackendRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_requests_total",
				Help:      "Total number of requests sent to a backend",
			},
			[]string{"backend", "status"},
		),
		BackendErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of backend forwarding errors",
			},
			[]string{"backend", "code"},
		),
		BackendDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_duration_seconds",
				Help:      "Backend response time in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"backend"},
		),
		BackendActiveConnections: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_active_connections",
				Help:      "Number of active connections to a backend",
			},
			[]string{"backend"},
		),
		PipelineDepth: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pipeline_depth",
				Help:      "Number of in-flight requests queued on a connection's pipeline",
			},
			[]string{"backend"},
		),
		ParserErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "parser_errors_total",
				Help:      "Total number of fatal backend-response parse errors",
			},
			[]string{"backend", "code"},
		),
		CircuitBreakerState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedRequests: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_requests_total",
				Help:      "Total number of requests rejected by the rate limiter",
			},
			[]string{"remote"},
		),
		GoroutinesActive: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "goroutines_active",
				Help:      "Number of active goroutines by component",
			},
			[]string{"component"},
		),
		MemoryAllocated: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "memory_allocated_bytes",
				Help:      "Memory allocated in bytes",
			},
			[]string{"type"},
		),
	}
}

// ObserveConnection tracks a backend connection's lifecycle: active gauge,
// total counter by outcome, and duration histogram.
func (m *Metrics) ObserveConnection(backend string, f func() error) error {
	m.ActiveConnections.WithLabelValues(backend).Inc()
	defer m.ActiveConnections.WithLabelValues(backend).Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(backend, status).Inc()
	return err
}

// ObserveRequest tracks one forwarded request: total counter by status and
// duration histogram.
func (m *Metrics) ObserveRequest(method string, f func() (status string, err error)) error {
	start := time.Now()
	status, err := f()
	m.RequestsTotal.WithLabelValues(method, status).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	return err
}
