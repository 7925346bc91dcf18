package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPMetrics holds the request metrics scraped from /metrics.
type HTTPMetrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	rateLimited     *prometheus.CounterVec
	authFailures    prometheus.Counter
}

// NewHTTPMetrics registers request metrics on a private registry so several
// servers, or tests, can coexist in one process.
func NewHTTPMetrics(prefix string) *HTTPMetrics {
	if prefix == "" {
		prefix = "opencrm"
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &HTTPMetrics{
		registry: reg,
		requestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		rateLimited: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_rate_limited_total",
				Help: "Requests rejected by a rate limiter",
			},
			[]string{"route"},
		),
		authFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: prefix + "_auth_failures_total",
				Help: "Requests rejected for a missing or invalid bearer token",
			},
		),
	}
}

// Middleware records count and latency per chi route pattern. Unmatched
// requests are grouped under "unmatched" to keep label cardinality bounded.
func (m *HTTPMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, route, strconv.Itoa(status)}
		m.requestsTotal.WithLabelValues(labels...).Inc()
		m.requestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
		if status == http.StatusTooManyRequests {
			m.rateLimited.WithLabelValues(route).Inc()
		}
	})
}

// AuthFailed counts one rejected bearer token.
func (m *HTTPMetrics) AuthFailed() {
	m.authFailures.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *HTTPMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry.
func (m *HTTPMetrics) Registry() *prometheus.Registry {
	return m.registry
}
