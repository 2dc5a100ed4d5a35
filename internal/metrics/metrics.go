// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Default histogram buckets for API latency.
var defaultBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10}

// bufferBuckets cover adapter buffer sizes from 1 KiB to 16 MiB.
var bufferBuckets = prometheus.ExponentialBuckets(1024, 4, 8)

// Metrics holds all Prometheus metric collectors for the proxy.
type Metrics struct {
	Registry *prometheus.Registry

	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	UpstreamDuration  *prometheus.HistogramVec
	UpstreamResponses *prometheus.CounterVec

	AdaptersActive  prometheus.Gauge
	BytesDelivered  prometheus.Counter
	BytesPulled     prometheus.Counter
	AdapterFailures *prometheus.CounterVec
	BufferHighWater prometheus.Histogram
}

// New creates a Metrics instance with a custom registry and all collectors registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_http_requests_total",
			Help: "Total inbound HTTP requests.",
		}, []string{"method", "status_code", "path_prefix"}),

		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_proxy_http_request_duration_seconds",
			Help:    "Inbound HTTP request latency in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method", "status_code", "path_prefix"}),

		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_proxy_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed.",
		}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "stream_proxy_upstream_request_duration_seconds",
			Help:    "Time to upstream response headers in seconds.",
			Buckets: defaultBuckets,
		}, []string{"method"}),

		UpstreamResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_upstream_responses_total",
			Help: "Total upstream responses by method and status code.",
		}, []string{"method", "status_code"}),

		AdaptersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stream_proxy_adapters_active",
			Help: "Number of response adapters with an open upstream stream.",
		}),

		BytesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_proxy_bytes_delivered_total",
			Help: "Bytes handed from adapters to client connections.",
		}),

		BytesPulled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stream_proxy_upstream_bytes_read_total",
			Help: "Bytes pulled from upstream streams into adapter buffers.",
		}),

		AdapterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stream_proxy_adapter_failures_total",
			Help: "Terminal adapter failures by kind.",
		}, []string{"kind"}),

		BufferHighWater: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stream_proxy_adapter_buffer_high_water_bytes",
			Help:    "Largest buffered byte count reached by each adapter.",
			Buckets: bufferBuckets,
		}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.UpstreamDuration,
		m.UpstreamResponses,
		m.AdaptersActive,
		m.BytesDelivered,
		m.BytesPulled,
		m.AdapterFailures,
		m.BufferHighWater,
	)

	return m
}

// knownMethods lists the allowed HTTP method label values (bounded cardinality).
var knownMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true,
	"PATCH": true, "HEAD": true, "OPTIONS": true,
}

// NormalizeMethod returns a bounded HTTP method label for Prometheus metrics.
// Non-standard methods are mapped to "other" to prevent cardinality explosion.
func NormalizeMethod(method string) string {
	if knownMethods[method] {
		return method
	}
	return "other"
}

// knownPrefixes lists the allowed path label values (bounded cardinality).
var knownPrefixes = []string{"/proxy", "/healthz", "/status", "/metrics"}

// NormalizePath returns a bounded path label for Prometheus metrics.
func NormalizePath(path string) string {
	for _, prefix := range knownPrefixes {
		if path == prefix || strings.HasPrefix(path, prefix+"/") || strings.HasPrefix(path, prefix+"?") {
			return prefix
		}
	}
	return "other"
}
