package http

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dockhand-io/dockhand/internal/port/inbound"
)

// HTTPTransport is the inbound adapter that exposes the tunnel server
// over HTTP: the /ws/agent upgrade endpoint, the management API when one
// is mounted, and the /health and /metrics operational endpoints.
type HTTPTransport struct {
	gateway       inbound.AgentGateway
	server        *http.Server
	addr          string
	certFile      string
	keyFile       string
	logger        *slog.Logger
	adminHandler  http.Handler   // Optional management API
	registry      *prometheus.Registry
	metrics       *Metrics       // Prometheus metrics
	healthChecker *HealthChecker // Health check handler
}

// Option is a functional option for configuring HTTPTransport.
type Option func(*HTTPTransport)

// WithAddr sets the listen address for the HTTP server.
// Default is "127.0.0.1:9410" (localhost only).
func WithAddr(addr string) Option {
	return func(t *HTTPTransport) {
		t.addr = addr
	}
}

// WithTLS enables TLS with the provided certificate and key files.
// If not set, the server runs without TLS (plain HTTP).
func WithTLS(certFile, keyFile string) Option {
	return func(t *HTTPTransport) {
		t.certFile = certFile
		t.keyFile = keyFile
	}
}

// WithLogger sets the logger for the HTTP transport.
func WithLogger(logger *slog.Logger) Option {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithAdminHandler mounts the management API under /api/.
func WithAdminHandler(h http.Handler) Option {
	return func(t *HTTPTransport) {
		t.adminHandler = h
	}
}

// WithMetrics uses an externally built registry and metric set instead of
// a private one. This is how the hub's hooks and the HTTP middleware end
// up sharing counters.
func WithMetrics(reg *prometheus.Registry, m *Metrics) Option {
	return func(t *HTTPTransport) {
		t.registry = reg
		t.metrics = m
	}
}

// WithHealthChecker sets the health checker for the /health endpoint.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(t *HTTPTransport) {
		t.healthChecker = hc
	}
}

// NewHTTPTransport creates an HTTP transport adapter in front of the
// given agent gateway.
func NewHTTPTransport(gateway inbound.AgentGateway, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		gateway: gateway,
		addr:    "127.0.0.1:9410",
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(t)
	}

	return t
}

// Start begins accepting connections. It blocks until the context is
// cancelled or the listener fails.
func (t *HTTPTransport) Start(ctx context.Context) error {
	t.server = &http.Server{
		Addr:    t.addr,
		Handler: t.buildMux(),
	}

	if t.certFile != "" && t.keyFile != "" {
		t.server.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	errCh := make(chan error, 1)

	go func() {
		var err error
		if t.certFile != "" && t.keyFile != "" {
			t.logger.Info("starting HTTPS server", "addr", t.addr)
			err = t.server.ListenAndServeTLS(t.certFile, t.keyFile)
		} else {
			t.logger.Info("starting HTTP server", "addr", t.addr)
			err = t.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		t.logger.Info("context cancelled, shutting down HTTP server")
		return t.shutdown()
	case err := <-errCh:
		return err
	}
}

// ensureMetrics builds a private registry with runtime collectors when
// none was injected through WithMetrics.
func (t *HTTPTransport) ensureMetrics() {
	if t.registry != nil {
		return
	}
	t.registry = prometheus.NewRegistry()
	t.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	t.metrics = NewMetrics(t.registry)
}

// buildMux assembles the route table. Split out of Start so tests can run
// the exact routing the server uses.
func (t *HTTPTransport) buildMux() *http.ServeMux {
	t.ensureMetrics()

	// Middleware chain (outermost first):
	// 1. MetricsMiddleware - record duration and status
	// 2. RequestID - extract/generate request ID and enrich logger
	// 3. RealIP - extract client IP from proxy headers
	chain := func(h http.Handler) http.Handler {
		h = RealIPMiddleware(h)
		h = RequestIDMiddleware(t.logger)(h)
		h = MetricsMiddleware(t.metrics)(h)
		return h
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/agent", chain(NewAgentSocketHandler(t.gateway, t.logger)))
	if t.adminHandler != nil {
		admin := chain(t.adminHandler)
		mux.Handle("/api/", admin)
		mux.Handle("/api", admin)
	}
	if t.healthChecker != nil {
		mux.Handle("/health", t.healthChecker.Handler())
	} else {
		// Fallback to a plain liveness answer if no checker configured
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{
		Registry: t.registry,
	}))
	// Favicon handler to prevent browser 500 errors
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	return mux
}

// healthHandler answers liveness without component checks.
func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}

// shutdown performs graceful shutdown of the HTTP server. Registered
// agent connections are hijacked from the server and stay up; the hub
// tears them down separately.
func (t *HTTPTransport) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := t.server.Shutdown(ctx); err != nil {
		t.logger.Error("error during server shutdown", "error", err)
		return err
	}

	t.logger.Info("HTTP server shutdown complete")
	return nil
}

// Close gracefully shuts down the transport.
func (t *HTTPTransport) Close() error {
	if t.server == nil {
		return nil
	}
	return t.shutdown()
}
