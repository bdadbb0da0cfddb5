package obs

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP-level metrics shared by every handler.
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Authentication domain metrics.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediateca_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"result"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediateca_lockouts_total",
		Help: "Accounts transitioned into the locked state.",
	})

	registrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediateca_registrations_total",
		Help: "Successful registrations.",
	})

	tokenValidationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mediateca_token_validations_total",
			Help: "Bearer token validations by outcome.",
		},
		[]string{"result"},
	)

	degradedDecryptsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mediateca_degraded_decrypts_total",
		Help: "Identity field reads that fell back to legacy plaintext.",
	})
)

// Init registers all metrics with the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, lockoutsTotal, registrationsTotal,
		tokenValidationsTotal, degradedDecryptsTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncLogin counts a login attempt outcome: success, invalid or locked.
func IncLogin(result string) { loginsTotal.WithLabelValues(result).Inc() }

// IncLockout counts a transition into the locked state.
func IncLockout() { lockoutsTotal.Inc() }

// IncRegistration counts a successful registration.
func IncRegistration() { registrationsTotal.Inc() }

// IncTokenValidation counts a bearer token validation outcome.
func IncTokenValidation(result string) { tokenValidationsTotal.WithLabelValues(result).Inc() }

// IncDegradedDecrypt counts a legacy-plaintext fallback read.
func IncDegradedDecrypt() { degradedDecryptsTotal.Inc() }

// Instrument wraps a handler with request counting, latency and in-flight
// tracking.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// statusWriter captures the response code for metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
