package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Login metrics
	LoginSuccessTotal *prometheus.CounterVec
	LoginDeniedTotal  *prometheus.CounterVec

	// Landing/visit metrics
	VisitLandingTotal       prometheus.Counter
	VisitLandingUniqueTotal prometheus.Counter
	VisitCockpitTotal       prometheus.Counter
	VisitCockpitUniqueTotal prometheus.Counter

	// Session store metrics
	SessionStoreErrorsTotal *prometheus.CounterVec

	// Relay metrics
	RelayRequestsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cockpit_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cockpit_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		LoginSuccessTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cockpit_login_success",
				Help: "successful login",
			},
			[]string{"accountID", "accountName", "connector_id"},
		),
		LoginDeniedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cockpit_login_denied",
				Help: "denied login attempts by reason",
			},
			[]string{"reason"},
		),

		VisitLandingTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cockpit_visit_landing",
				Help: "visits of landing page",
			},
		),
		VisitLandingUniqueTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cockpit_visit_unique_landing",
				Help: "Unique Visitors of landing page",
			},
		),
		VisitCockpitTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cockpit_visit_cockpit",
				Help: "initial load of a cockpit page",
			},
		),
		VisitCockpitUniqueTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cockpit_visit_unique_cockpit",
				Help: "Unique visit of the cockpit",
			},
		),

		SessionStoreErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cockpit_session_store_errors_total",
				Help: "Total number of session store errors",
			},
			[]string{"operation"},
		),

		RelayRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cockpit_relay_requests_total",
				Help: "Total number of relayed gateway requests",
			},
			[]string{"operation", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginSuccessTotal,
		m.LoginDeniedTotal,
		m.VisitLandingTotal,
		m.VisitLandingUniqueTotal,
		m.VisitCockpitTotal,
		m.VisitCockpitUniqueTotal,
		m.SessionStoreErrorsTotal,
		m.RelayRequestsTotal,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the /metrics endpoint handler for the registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
