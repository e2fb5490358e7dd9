package obs

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics.
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

// Token lifecycle metrics.
var (
	tokensIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "passgate_tokens_issued_total",
		Help: "Access tokens issued through the password grant.",
	})

	grantFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passgate_grant_failures_total",
			Help: "Failed grant requests by OAuth error code.",
		},
		[]string{"error"},
	)

	tokenValidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passgate_token_validations_total",
			Help: "Bearer token validations by lookup source and result.",
		},
		[]string{"source", "result"},
	)

	tokensRevoked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "passgate_tokens_revoked_total",
		Help: "Tokens deleted by explicit revocation or supersession.",
	})

	cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "passgate_cache_errors_total",
			Help: "Fast token cache failures by operation.",
		},
		[]string{"op"},
	)
)

var initOnce sync.Once

// Init registers all metrics in the default registry. Safe to call repeatedly.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			httpInFlight, httpRequestsTotal, httpRequestDuration,
			tokensIssued, grantFailures, tokenValidations, tokensRevoked, cacheErrors,
		)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// TokenIssued counts a successful grant.
func TokenIssued() { tokensIssued.Inc() }

// GrantFailed counts a failed grant by OAuth error code.
func GrantFailed(code string) { grantFailures.WithLabelValues(code).Inc() }

// TokenValidated counts a validation outcome; source is "cache" or "store".
func TokenValidated(source string, ok bool) {
	result := "rejected"
	if ok {
		result = "accepted"
	}
	tokenValidations.WithLabelValues(source, result).Inc()
}

// TokenRevoked counts a deleted token.
func TokenRevoked() { tokensRevoked.Inc() }

// CacheError counts a failed cache operation.
func CacheError(op string) { cacheErrors.WithLabelValues(op).Inc() }

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		defer httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		status := strconv.Itoa(sw.code)
		httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
	})
}

// CanonicalPath collapses path parameters so metric labels stay bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 3 && parts[0] == "admin" && (parts[1] == "users" || parts[1] == "clients") {
		return "/admin/" + parts[1] + "/:id"
	}
	return path
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
