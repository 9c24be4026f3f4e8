package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics defines counters for package operations.
type Metrics interface {
	IncOperation(op, status string)
	ObserveOperationDuration(op string, durationSeconds float64)
	SetInstalledPackages(count int)
	AddExtractedBytes(bytes int64)
}

// GatewayMetrics captures request metrics for the API gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
	SetStreamClients(count int)
}

// Noop implements Metrics and GatewayMetrics without emitting anything.
type Noop struct{}

func (Noop) IncOperation(string, string)                    {}
func (Noop) ObserveOperationDuration(string, float64)       {}
func (Noop) SetInstalledPackages(int)                       {}
func (Noop) AddExtractedBytes(int64)                        {}
func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) SetStreamClients(int)                           {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	installed  prometheus.Gauge
	extracted  prometheus.Counter
	once       sync.Once
}

func NewProm(namespace string) *Prom {
	p := &Prom{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "package_operations_total",
			Help:      "Package operations by kind and status",
		}, []string{"op", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "package_operation_duration_seconds",
			Help:      "Package operation duration by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		installed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "installed_packages",
			Help:      "Packages currently installed",
		}),
		extracted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extracted_bytes_total",
			Help:      "Bytes written while extracting archives",
		}),
	}
	p.register()
	return p
}

func (p *Prom) register() {
	p.once.Do(func() {
		prometheus.MustRegister(p.operations, p.duration, p.installed, p.extracted)
	})
}

func (p *Prom) IncOperation(op, status string) {
	p.operations.WithLabelValues(op, status).Inc()
}

func (p *Prom) ObserveOperationDuration(op string, durationSeconds float64) {
	p.duration.WithLabelValues(op).Observe(durationSeconds)
}

func (p *Prom) SetInstalledPackages(count int) {
	p.installed.Set(float64(count))
}

func (p *Prom) AddExtractedBytes(bytes int64) {
	if bytes > 0 {
		p.extracted.Add(float64(bytes))
	}
}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	clients  prometheus.Gauge
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stream_clients",
			Help:      "Connected event stream clients",
		}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency, g.clients)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

func (g *gatewayProm) SetStreamClients(count int) {
	g.clients.Set(float64(count))
}
