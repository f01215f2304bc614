package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/cryptodata/api-gateway/internal/gateway"
	"github.com/cryptodata/api-gateway/internal/services"
)

const requestInfoContextKey contextKey = "request_info"

// requestInfo lets inner middleware report back to the request logger.
type requestInfo struct {
	decision *gateway.Decision
}

func noteDecision(ctx context.Context, d *gateway.Decision) {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.decision = d
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

// RequestLogger logs each request with its status and latency and feeds
// the metrics collector.
type RequestLogger struct {
	logger  *slog.Logger
	metrics *services.MetricsCollector
}

func NewRequestLogger(logger *slog.Logger, metrics *services.MetricsCollector) *RequestLogger {
	return &RequestLogger{logger: logger, metrics: metrics}
}

func (m *RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)
		info := &requestInfo{}

		next.ServeHTTP(rw, r.WithContext(context.WithValue(r.Context(), requestInfoContextKey, info)))

		duration := time.Since(start)
		m.metrics.RecordRequest(int(duration.Milliseconds()), rw.statusCode)

		level := slog.LevelInfo
		switch {
		case rw.statusCode >= 500:
			level = slog.LevelError
		case rw.statusCode >= 400:
			level = slog.LevelWarn
		}
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"status", rw.statusCode,
			"duration_ms", duration.Milliseconds(),
		}
		if d := info.decision; d != nil {
			attrs = append(attrs, "outcome", d.Outcome.String(), "identity", d.Identity)
			if d.Outcome == gateway.Allow {
				attrs = append(attrs, "grant", string(d.Mode))
			}
		}
		m.logger.Log(r.Context(), level, "request", attrs...)
	})
}
