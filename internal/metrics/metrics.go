// Package metrics provides Prometheus metrics for the sync server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetogether_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codetogether_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Snapshot replication metrics
	snapshotWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetogether_snapshot_writes_total",
			Help: "Total document snapshot writes",
		},
		[]string{"result"}, // "ok", "stale", "error"
	)

	snapshotTreeSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetogether_snapshot_tree_size",
			Help: "Node count of the most recently written snapshot",
		},
	)

	// Collaboration event metrics
	eventsPublishedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "codetogether_events_published_total",
			Help: "Total collaboration events published",
		},
		[]string{"type"},
	)

	// Subscription metrics
	sseConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetogether_sse_connections_active",
			Help: "Number of active SSE subscriptions",
		},
	)

	wsConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetogether_ws_connections_active",
			Help: "Number of active WebSocket event streams",
		},
	)

	// Presence metrics
	presenceRenewalsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "codetogether_presence_renewals_total",
			Help: "Total presence lease renewals",
		},
	)

	// Database metrics
	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "codetogether_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	dbConnectionsOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "codetogether_db_connections_open",
			Help: "Number of open database connections",
		},
	)
)

// RecordSnapshotWrite records a snapshot write attempt and its result.
func RecordSnapshotWrite(result string) {
	snapshotWritesTotal.WithLabelValues(result).Inc()
}

// SetSnapshotTreeSize records the node count of the latest snapshot.
func SetSnapshotTreeSize(n int64) {
	snapshotTreeSize.Set(float64(n))
}

// RecordEventPublished records one published collaboration event.
func RecordEventPublished(eventType string) {
	eventsPublishedTotal.WithLabelValues(eventType).Inc()
}

// SetSSEConnectionsActive sets the active SSE subscription gauge.
func SetSSEConnectionsActive(n int64) {
	sseConnectionsActive.Set(float64(n))
}

// SetWSConnectionsActive sets the active WebSocket gauge.
func SetWSConnectionsActive(n int64) {
	wsConnectionsActive.Set(float64(n))
}

// RecordPresenceRenewal records one lease renewal.
func RecordPresenceRenewal() {
	presenceRenewalsTotal.Inc()
}

// RecordDBQuery records the duration of a named database query.
func RecordDBQuery(query string, d time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

// SetDBConnectionsOpen sets the open-connection gauge.
func SetDBConnectionsOpen(n int) {
	dbConnectionsOpen.Set(float64(n))
}

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware instruments an HTTP handler with request count and duration.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
		httpRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
