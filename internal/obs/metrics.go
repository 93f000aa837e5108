package obs

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTP metrics shared by every endpoint.
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

// Domain metrics for the token lifecycle.
var (
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_logins_total",
			Help: "Login attempts by outcome.",
		},
		[]string{"outcome"},
	)

	lockoutsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "auth_account_lockouts_total",
		Help: "Accounts locked after repeated failed logins.",
	})

	tokensIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_tokens_issued_total",
			Help: "Signed tokens issued by kind.",
		},
		[]string{"kind"},
	)

	blacklistLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_blacklist_hits_total",
			Help: "Blacklist membership hits by lookup source.",
		},
		[]string{"source"},
	)

	purgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "auth_cleanup_purged_rows_total",
			Help: "Expired rows removed by the cleanup job.",
		},
		[]string{"store"},
	)

	auditDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "auth_audit_dropped_total",
			Help: "Audit entries dropped because the writer buffer was full.",
		},
	)
)

// Init registers all metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		httpInFlight, httpRequestsTotal, httpRequestDuration,
		loginsTotal, lockoutsTotal, tokensIssuedTotal,
		blacklistLookupsTotal, purgedTotal, auditDroppedTotal,
	)
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// IncLogin counts a login attempt with the given outcome.
func IncLogin(outcome string) { loginsTotal.WithLabelValues(outcome).Inc() }

// IncLockout counts an account lockout.
func IncLockout() { lockoutsTotal.Inc() }

// IncTokenIssued counts an issued token of the given kind.
func IncTokenIssued(kind string) { tokensIssuedTotal.WithLabelValues(kind).Inc() }

// IncBlacklistLookup counts a blacklist hit answered by source
// ("cache" or "store").
func IncBlacklistLookup(source string) { blacklistLookupsTotal.WithLabelValues(source).Inc() }

// IncAuditDropped counts an audit entry lost to backpressure.
func IncAuditDropped() { auditDroppedTotal.Inc() }

// AddPurged counts rows removed from a store by the cleanup job.
func AddPurged(store string, n int64) {
	if n > 0 {
		purgedTotal.WithLabelValues(store).Add(float64(n))
	}
}

// Instrument wraps next with RPS/latency/in-flight measurements.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
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

// CanonicalPath collapses per-entity path segments so metric label
// cardinality stays bounded.
func CanonicalPath(path string) string {
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	if path == "" {
		return "/"
	}
	parts := strings.Split(path, "/")
	if len(parts) >= 4 && parts[1] == "v1" && (parts[2] == "users" || parts[2] == "audit-logs") && parts[3] != "" {
		parts[3] = ":id"
		if len(parts) > 5 {
			return path
		}
		return strings.Join(parts, "/")
	}
	return path
}

// statusWriter records the response code written by next.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}
