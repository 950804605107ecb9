package http

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"time"
)

// MetricsMiddleware wraps an HTTP handler to record Prometheus metrics.
// It records:
// - http_request_duration_seconds histogram (by method)
// - http_requests_total counter (by method and status)
func MetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip metrics for /metrics and /health endpoints
			if r.URL.Path == "/metrics" || r.URL.Path == "/health" {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()

			// Wrap ResponseWriter to capture status code
			wrapped := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			method := r.Method
			status := statusToLabel(wrapped.status)
			metrics.RequestsTotal.WithLabelValues(method, status).Inc()

			// A hijacked request is an agent tunnel that lived as long as
			// the connection; its duration is not a request latency.
			if !wrapped.hijacked {
				metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
			}
		})
	}
}

// statusRecorder wraps http.ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush delegates to the underlying ResponseWriter if it supports
// http.Flusher. Required for streamed responses through the middleware.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack delegates to the underlying ResponseWriter. The WebSocket
// upgrade on /ws/agent needs it.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.hijacked = true
	r.status = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// statusToLabel converts HTTP status code to label value. 101 is the
// successful agent upgrade.
func statusToLabel(code int) string {
	if code == http.StatusSwitchingProtocols {
		return "ok"
	}
	if code >= 200 && code < 400 {
		return "ok"
	}
	return "error"
}
