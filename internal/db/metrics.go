package db

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xdevplatform/platformatic/internal/config"
)

const metricsNamespace = "platformatic"

// Metrics holds the Prometheus collectors of one server.
type Metrics struct {
	Registry *prometheus.Registry

	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	dbOperations  *prometheus.CounterVec
	healthChecks  *prometheus.CounterVec
	healthyStatus prometheus.Gauge
}

// NewMetrics registers the HTTP, store and health collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "route"}),
		dbOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "db",
			Name:      "operations_total",
			Help:      "Entity operations by entity, action and outcome.",
		}, []string{"entity", "action", "success"}),
		healthChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Database health checks by outcome.",
		}, []string{"success"}),
		healthyStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "health",
			Name:      "up",
			Help:      "1 when the last database health check succeeded.",
		}),
	}
	m.Registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.dbOperations,
		m.healthChecks,
		m.healthyStatus,
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)
	return m
}

// Handler exposes the registry, behind basic auth when auth is set.
func (m *Metrics) Handler(auth *config.BasicAuth) http.Handler {
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
	if auth == nil {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(auth.Username)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(auth.Password)) != 1 {
			w.Header().Set("WWW-Authenticate", `Basic realm="metrics"`)
			WriteError(w, http.StatusUnauthorized, "Missing or bad formatted authorization header")
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Instrument records request counts and durations labelled by chi route pattern.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := newResponseWriter(w)
		start := time.Now()

		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := routePattern(r)
		method := strings.ToUpper(r.Method)
		m.httpRequests.WithLabelValues(method, route, strconv.Itoa(rec.status)).Inc()
		m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordOperation counts one entity operation.
func (m *Metrics) RecordOperation(entity string, action Action, err error) {
	if m == nil {
		return
	}
	m.dbOperations.WithLabelValues(entity, string(action), strconv.FormatBool(err == nil)).Inc()
}

// RecordHealthCheck counts one health check and updates the up gauge.
func (m *Metrics) RecordHealthCheck(err error) {
	if m == nil {
		return
	}
	m.healthChecks.WithLabelValues(strconv.FormatBool(err == nil)).Inc()
	if err == nil {
		m.healthyStatus.Set(1)
	} else {
		m.healthyStatus.Set(0)
	}
}

// routePattern keeps label cardinality bounded: unmatched paths share one label.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
