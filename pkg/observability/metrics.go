// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the engine.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	// Service identification
	ServiceName    string
	ServiceVersion string
	Environment    string

	// MetricsPath is the HTTP path for the scrape endpoint
	MetricsPath string
	// MetricsPort is the port the scrape server listens on
	MetricsPort int

	// Namespace is the Prometheus namespace (default: capwire)
	Namespace string
	// Subsystem is the Prometheus subsystem
	Subsystem string
	// HistogramBuckets are the latency buckets in milliseconds
	HistogramBuckets []float64

	// ConstLabels are added to every metric
	ConstLabels prometheus.Labels
}

// MetricsProvider implements the connection.Metrics surface on Prometheus
// collectors. Each provider owns its own registry so test instances never
// collide.
type MetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry
	server   *http.Server

	requestDuration         *prometheus.HistogramVec
	requestTotal            *prometheus.CounterVec
	incomingRequestDuration *prometheus.HistogramVec
	incomingRequestTotal    *prometheus.CounterVec
	notificationTotal       *prometheus.CounterVec
	connectionStateTotal    *prometheus.CounterVec
	pendingCalls            prometheus.Gauge
}

// NewMetricsProvider creates a Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*MetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "capwire"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsPort == 0 {
		config.MetricsPort = 9090
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}
	}
	if config.ConstLabels == nil {
		config.ConstLabels = prometheus.Labels{}
	}
	if config.ServiceName != "" {
		config.ConstLabels["service"] = config.ServiceName
	}
	if config.ServiceVersion != "" {
		config.ConstLabels["version"] = config.ServiceVersion
	}
	if config.Environment != "" {
		config.ConstLabels["environment"] = config.Environment
	}

	p := &MetricsProvider{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_milliseconds",
			Help:        "Duration of outbound requests in milliseconds",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		},
		[]string{"method", "status"},
	)
	p.requestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_total",
			Help:        "Total number of outbound requests",
			ConstLabels: config.ConstLabels,
		},
		[]string{"method", "status"},
	)
	p.incomingRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "incoming_request_duration_milliseconds",
			Help:        "Duration of incoming request handling in milliseconds",
			Buckets:     config.HistogramBuckets,
			ConstLabels: config.ConstLabels,
		},
		[]string{"method", "status"},
	)
	p.incomingRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "incoming_request_total",
			Help:        "Total number of incoming requests",
			ConstLabels: config.ConstLabels,
		},
		[]string{"method", "status"},
	)
	p.notificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "notification_total",
			Help:        "Total number of notifications by direction",
			ConstLabels: config.ConstLabels,
		},
		[]string{"method", "direction"},
	)
	p.connectionStateTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "connection_state_total",
			Help:        "Connection state transitions",
			ConstLabels: config.ConstLabels,
		},
		[]string{"state"},
	)
	p.pendingCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "pending_calls",
			Help:        "Number of in-flight outbound requests",
			ConstLabels: config.ConstLabels,
		},
	)

	collectors := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.incomingRequestDuration,
		p.incomingRequestTotal,
		p.notificationTotal,
		p.connectionStateTotal,
		p.pendingCalls,
	}
	for _, c := range collectors {
		if err := p.registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register collector: %w", err)
		}
	}
	return p, nil
}

// RecordRequest records one completed outbound request
func (p *MetricsProvider) RecordRequest(method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.requestDuration.WithLabelValues(method, status).Observe(ms)
	p.requestTotal.WithLabelValues(method, status).Inc()
}

// RecordIncomingRequest records one handled incoming request
func (p *MetricsProvider) RecordIncomingRequest(method, status string, duration time.Duration) {
	ms := float64(duration.Milliseconds())
	p.incomingRequestDuration.WithLabelValues(method, status).Observe(ms)
	p.incomingRequestTotal.WithLabelValues(method, status).Inc()
}

// RecordNotification records one notification in either direction
func (p *MetricsProvider) RecordNotification(method string, incoming bool) {
	direction := "outgoing"
	if incoming {
		direction = "incoming"
	}
	p.notificationTotal.WithLabelValues(method, direction).Inc()
}

// RecordConnectionState records a connection lifecycle transition
func (p *MetricsProvider) RecordConnectionState(state string) {
	p.connectionStateTotal.WithLabelValues(state).Inc()
}

// RecordPendingCalls adjusts the in-flight request gauge
func (p *MetricsProvider) RecordPendingCalls(delta int) {
	p.pendingCalls.Add(float64(delta))
}

// Registry exposes the underlying Prometheus registry
func (p *MetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the scrape handler for embedding into an existing server
func (p *MetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Start serves the scrape endpoint on the configured port
func (p *MetricsProvider) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(p.config.MetricsPath, p.Handler())

	p.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", p.config.MetricsPort),
		Handler: mux,
	}
	go func() {
		_ = p.server.ListenAndServe()
	}()
	return nil
}

// Shutdown stops the scrape server
func (p *MetricsProvider) Shutdown(ctx context.Context) error {
	if p.server != nil {
		return p.server.Shutdown(ctx)
	}
	return nil
}
