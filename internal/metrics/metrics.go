// Package metrics provides Prometheus metrics for the livedrive server.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livedrive_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	// Transfer metrics
	bytesDownloaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livedrive_bytes_downloaded_total",
			Help: "Total bytes served by download endpoints",
		},
	)

	bytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livedrive_bytes_uploaded_total",
			Help: "Total bytes received by the upload endpoint",
		},
	)

	uploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_uploads_total",
			Help: "Total number of uploaded files",
		},
		[]string{"status"},
	)

	// Sync engine metrics
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livedrive_ws_connections_active",
			Help: "Number of open websocket connections",
		},
	)

	viewsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livedrive_views_active",
			Help: "Number of live views across all connections",
		},
	)

	watchesActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livedrive_watches_active",
			Help: "Number of watched directories",
		},
	)

	watchTriggersTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livedrive_watch_triggers_total",
			Help: "Throttled watch triggers that caused a directory refresh",
		},
	)

	pushesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_pushes_total",
			Help: "Messages pushed to clients by type",
		},
		[]string{"type"},
	)

	pushesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_pushes_dropped_total",
			Help: "Messages dropped before delivery",
		},
		[]string{"reason"},
	)

	listDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livedrive_list_duration_seconds",
			Help:    "Time to read and stat a directory",
			Buckets: prometheus.DefBuckets,
		},
	)

	sizeDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "livedrive_size_duration_seconds",
			Help:    "Time to compute recursive directory sizes for a listing",
			Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 15, 60},
		},
	)

	mutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_mutations_total",
			Help: "Filesystem mutations by operation and outcome",
		},
		[]string{"op", "status"},
	)

	// Auth metrics
	authAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "livedrive_auth_attempts_total",
			Help: "Total authentication attempts",
		},
		[]string{"result"},
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livedrive_active_sessions",
			Help: "Number of stored sessions",
		},
	)

	rateLimitedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "livedrive_login_rate_limited_total",
			Help: "Login attempts rejected by the per-address cooldown",
		},
	)

	// Store metrics
	storeOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "livedrive_store_op_duration_seconds",
			Help:    "Persistence operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "op"},
	)

	shortlinksTotal = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "livedrive_shortlinks",
			Help: "Number of stored shortlinks",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordDownload records bytes served by a download route.
func RecordDownload(bytes int64) {
	bytesDownloaded.Add(float64(bytes))
}

// RecordUpload records one uploaded file.
func RecordUpload(bytes int64, success bool) {
	bytesUploaded.Add(float64(bytes))
	uploadsTotal.WithLabelValues(outcome(success)).Inc()
}

func ConnectionOpened() { connectionsActive.Inc() }
func ConnectionClosed() { connectionsActive.Dec() }

// SetViewsActive sets the live view count.
func SetViewsActive(n int) {
	viewsActive.Set(float64(n))
}

// SetWatchesActive sets the watched directory count.
func SetWatchesActive(n int) {
	watchesActive.Set(float64(n))
}

func RecordWatchTrigger() {
	watchTriggersTotal.Inc()
}

// RecordPush records a message handed to a connection's outbound queue.
func RecordPush(msgType string) {
	pushesTotal.WithLabelValues(msgType).Inc()
}

// RecordDroppedPush records a message that was never delivered.
// Reasons: "stale", "overflow", "timeout", "closed".
func RecordDroppedPush(reason string) {
	pushesDropped.WithLabelValues(reason).Inc()
}

func RecordList(duration time.Duration) {
	listDuration.Observe(duration.Seconds())
}

func RecordSizes(duration time.Duration) {
	sizeDuration.Observe(duration.Seconds())
}

// RecordMutation records a filesystem mutation outcome.
func RecordMutation(op string, success bool) {
	mutationsTotal.WithLabelValues(op, outcome(success)).Inc()
}

// RecordAuthAttempt records an authentication attempt.
func RecordAuthAttempt(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	authAttemptsTotal.WithLabelValues(result).Inc()
}

// SetActiveSessions sets the number of stored sessions.
func SetActiveSessions(count int) {
	activeSessions.Set(float64(count))
}

func RecordRateLimited() {
	rateLimitedTotal.Inc()
}

// RecordStoreOp records a persistence operation duration.
func RecordStoreOp(backend, op string, duration time.Duration) {
	storeOpDuration.WithLabelValues(backend, op).Observe(duration.Seconds())
}

// SetShortlinks sets the stored shortlink count.
func SetShortlinks(count int) {
	shortlinksTotal.Set(float64(count))
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// routeLabel collapses a request path to its route prefix so that user paths
// never become label values.
func routeLabel(path string) string {
	switch {
	case path == "/":
		return "/"
	case strings.HasPrefix(path, "/~/"):
		return "/~/"
	case strings.HasPrefix(path, "/$/"):
		return "/$/"
	case strings.HasPrefix(path, "/_/"):
		return "/_/"
	case strings.HasPrefix(path, "/!/"):
		return "/!/"
	case strings.HasPrefix(path, "/webdav"):
		return "/webdav"
	}
	if i := strings.IndexByte(path[1:], '/'); i >= 0 {
		return path[:i+1]
	}
	return path
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Middleware returns HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		RecordHTTPRequest(r.Method, routeLabel(r.URL.Path), rw.statusCode, time.Since(start))
	})
}
