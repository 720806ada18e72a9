package handlers

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/researchflow/internal/metrics"
)

// WithMetrics wraps a handler with per-request counters and latency recording.
// Paths are labelled by route pattern, not raw URL, to keep cardinality bounded.
func WithMetrics(next http.Handler, collector *metrics.Collector) http.Handler {
	if collector == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		collector.RecordHTTPRequest(r.Method, path, strconv.Itoa(rw.StatusCode), time.Since(start))
	})
}

// WithRequestLogging logs each request at debug level with method, path,
// status and duration.
func WithRequestLogging(next http.Handler, logger *zap.Logger) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := NewResponseWriter(w)
		next.ServeHTTP(rw, r)

		logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rw.StatusCode),
			zap.Duration("duration", time.Since(start)))
	})
}
