package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pmoraes/chat-backend/internal/metrics"
	"github.com/pmoraes/chat-backend/internal/ratelimit"
)

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// RequestLogger assigns each request an id (from X-Request-ID or generated),
// stores it in the context, echoes it on the response, and logs one line per
// completed request. Metrics scrapes are not logged to keep the output
// readable.
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		r = r.WithContext(ctx)

		w.Header().Set("X-Request-ID", requestID)

		if strings.HasPrefix(r.URL.Path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		slog.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", float64(time.Since(start).Microseconds())/1000,
			"client_ip", ratelimit.ClientIP(r),
			"request_id", requestID,
		)
	})
}

// trackedPath reports whether a request contributes to the chat metrics and
// the low-cardinality path label to record it under. Only the chat endpoints
// are tracked; health and admin traffic stays out of the counters.
func trackedPath(r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	if r.URL.Path == "/sessions" {
		return "/sessions", true
	}
	if strings.HasPrefix(r.URL.Path, "/sessions/") && strings.HasSuffix(r.URL.Path, "/messages") {
		return "/sessions/{id}/messages", true
	}
	return "", false
}

// MetricsMiddleware records request counts and latencies for the chat
// endpoints. Disabled entirely when the metrics toggle is off.
func MetricsMiddleware(enabled bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path, tracked := trackedPath(r)
			if !tracked {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
			metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
