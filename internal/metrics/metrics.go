// Package metrics provides Prometheus metrics for the welcome app.
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
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "welcomeapp_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Failover routing
	failoverAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_failover_attempts_total",
			Help: "Connection attempts made by the failover router, by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	acquisitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_db_acquisitions_total",
			Help: "Connection acquisitions by access mode and result",
		},
		[]string{"mode", "result"},
	)

	acquireDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "welcomeapp_db_acquire_duration_seconds",
			Help:    "Time to resolve a usable database connection",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	activeEndpoint = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "welcomeapp_active_endpoint_index",
			Help: "Index of the endpoint that last served a request",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "welcomeapp_db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"query"},
	)

	// Blob store
	blobOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "welcomeapp_blob_operation_duration_seconds",
			Help:    "Blob store operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	blobOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_blob_operations_total",
			Help: "Total blob store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	blobBytesWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "welcomeapp_blob_bytes_written_total",
			Help: "Total bytes written to the blob store",
		},
	)

	// Content
	contentOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_content_operations_total",
			Help: "Content create/delete operations by result",
		},
		[]string{"operation", "result"},
	)

	orphanedBlobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "welcomeapp_orphaned_blobs_total",
			Help: "Blobs left without a record after a failed cleanup",
		},
		[]string{"operation"},
	)

	healthStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "welcomeapp_health_status",
			Help: "Result of the last health report (1 = healthy, 0 = degraded)",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordFailoverAttempt records one endpoint attempt made by the router.
func RecordFailoverAttempt(endpoint, outcome string) {
	failoverAttemptsTotal.WithLabelValues(endpoint, outcome).Inc()
}

// RecordAcquire records the result of a connection acquisition.
func RecordAcquire(mode string, duration time.Duration, success bool) {
	acquireDuration.WithLabelValues(mode).Observe(duration.Seconds())
	acquisitionsTotal.WithLabelValues(mode, result(success)).Inc()
}

// SetActiveEndpoint sets the index of the last good endpoint.
func SetActiveEndpoint(index int) {
	activeEndpoint.Set(float64(index))
}

// RecordDBQuery records a database query duration.
func RecordDBQuery(query string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(query).Observe(duration.Seconds())
}

// RecordBlobOperation records a blob store operation.
func RecordBlobOperation(backend, operation string, duration time.Duration, success bool) {
	blobOperationDuration.WithLabelValues(backend, operation).Observe(duration.Seconds())
	blobOperationsTotal.WithLabelValues(backend, operation, result(success)).Inc()
}

// RecordBlobBytesWritten adds to the written byte counter.
func RecordBlobBytesWritten(n int64) {
	blobBytesWritten.Add(float64(n))
}

// RecordContentOperation records a content create or delete.
func RecordContentOperation(operation string, success bool) {
	contentOperationsTotal.WithLabelValues(operation, result(success)).Inc()
}

// RecordOrphanedBlob records a blob whose cleanup failed.
func RecordOrphanedBlob(operation string) {
	orphanedBlobsTotal.WithLabelValues(operation).Inc()
}

// SetHealthy records the outcome of the last health report.
func SetHealthy(healthy bool) {
	if healthy {
		healthStatus.Set(1)
		return
	}
	healthStatus.Set(0)
}

func result(success bool) string {
	if success {
		return "success"
	}
	return "error"
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

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Middleware returns HTTP middleware that records request metrics.
// The route pattern is used as the path label so ids do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)
		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		RecordHTTPRequest(r.Method, path, rw.statusCode, time.Since(start))
	})
}
