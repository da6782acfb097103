// Package metrics wires the proxy's counters, gauges and histograms into
// a dedicated Prometheus registry, exposed only on the loopback admin
// listener (spec.md §6) and never on a public http_port/https_port.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns one *prometheus.Registry and the metric families
// registered into it, following the global-vars-plus-MustRegister shape
// used in the pack's dalbodeule-hop-gate/internal/observability package,
// but scoped to an instance instead of the process-wide default
// registerer so multiple Registry values (one per test) never collide.
type Registry struct {
	reg *prometheus.Registry

	RequestsTotal         *prometheus.CounterVec
	RequestDurationSeconds *prometheus.HistogramVec
	ActiveConnections     *prometheus.GaugeVec
	InflightRequests      prometheus.Gauge
	BackendSelectionTotal *prometheus.CounterVec
}

// New builds and registers every metric family quark exposes.
func New() *Registry {
	r := &Registry{reg: prometheus.NewRegistry()}

	r.RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quark_requests_total",
		Help: "Total number of requests handled, labeled by service, method and status.",
	}, []string{"service", "method", "status"})

	r.RequestDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "quark_request_duration_seconds",
		Help:    "Request latency in seconds from admission to response completion.",
		Buckets: prometheus.DefBuckets,
	}, []string{"service"})

	r.ActiveConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "quark_active_connections",
		Help: "Number of connections currently admitted, labeled by listener.",
	}, []string{"listener"})

	r.InflightRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "quark_inflight_requests",
		Help: "Number of requests currently holding a request-admission permit.",
	})

	r.BackendSelectionTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "quark_backend_selection_total",
		Help: "Total number of times a backend was selected from a pool, labeled by pool and backend.",
	}, []string{"pool", "backend"})

	r.reg.MustRegister(
		r.RequestsTotal,
		r.RequestDurationSeconds,
		r.ActiveConnections,
		r.InflightRequests,
		r.BackendSelectionTotal,
	)
	return r
}

// Handler returns the promhttp exposition handler for this registry,
// meant to be mounted on the loopback-only admin listener.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
