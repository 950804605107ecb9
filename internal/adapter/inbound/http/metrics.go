package http

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// metricsNamespace prefixes every Dockhand metric.
const metricsNamespace = "dockhand"

// Metrics holds all Prometheus metrics for the tunnel server.
// Pass to components that need to record metrics.
type Metrics struct {
	HandshakesTotal  *prometheus.CounterVec
	FramesTotal      *prometheus.CounterVec
	TeardownsTotal   *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	DispatchErrors   *prometheus.CounterVec
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		HandshakesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "handshakes_total",
				Help:      "Total completed agent handshakes",
			},
			[]string{"outcome"}, // outcome=connected/replaced
		),
		FramesTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "frames_total",
				Help:      "Total tunnel frames by type and direction",
			},
			[]string{"type", "direction"},
		),
		TeardownsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "teardowns_total",
				Help:      "Total connection teardowns by reason",
			},
			[]string{"reason"},
		),
		DispatchDuration: promauto.With(reg).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Unary dispatch round-trip duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		DispatchErrors: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "dispatch_errors_total",
				Help:      "Total failed dispatches by reason",
			},
			[]string{"reason"},
		),
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests processed",
			},
			[]string{"method", "status"}, // status=ok/error
		),
		RequestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}
}

// RegisterAgentGauges registers gauges sampled from the hub at scrape time.
// Pull-style sampling keeps the values exact across replacements and
// teardown races.
func RegisterAgentGauges(reg prometheus.Registerer, hub *service.TunnelHub) {
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "agent_connections",
			Help:      "Number of connected agents",
		},
		func() float64 { return float64(len(hub.Agents())) },
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_streams",
			Help:      "Open streaming exchanges across all agents",
		},
		func() float64 {
			var n int
			for _, a := range hub.Agents() {
				n += a.OpenStreams
			}
			return float64(n)
		},
	)
	promauto.With(reg).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_execs",
			Help:      "Live exec sessions across all agents",
		},
		func() float64 {
			var n int
			for _, a := range hub.Agents() {
				n += a.ExecSessions
			}
			return float64(n)
		},
	)
}

// HookConnect feeds the handshake counter. Wire into the hub's connect
// hook.
func (m *Metrics) HookConnect(_ *tunnel.Connection, replaced bool) {
	outcome := "connected"
	if replaced {
		outcome = "replaced"
	}
	m.HandshakesTotal.WithLabelValues(outcome).Inc()
}

// HookDisconnect feeds the teardown counter. Wire into the hub's
// disconnect hook.
func (m *Metrics) HookDisconnect(_ *tunnel.Connection, reason error) {
	m.TeardownsTotal.WithLabelValues(teardownReason(reason)).Inc()
}

// HookInboundFrame counts one frame received from an agent.
func (m *Metrics) HookInboundFrame(t wire.Type) {
	m.FramesTotal.WithLabelValues(string(t), "in").Inc()
}

// HookOutboundFrame counts one frame written to an agent.
func (m *Metrics) HookOutboundFrame(t wire.Type) {
	m.FramesTotal.WithLabelValues(string(t), "out").Inc()
}

// ObserveDispatch records one unary dispatch outcome.
func (m *Metrics) ObserveDispatch(d time.Duration, err error) {
	m.DispatchDuration.Observe(d.Seconds())
	if err != nil {
		m.DispatchErrors.WithLabelValues(dispatchErrorReason(err)).Inc()
	}
}

// teardownReason maps a connection end error to a stable label value.
func teardownReason(err error) string {
	switch {
	case err == nil:
		return "normal"
	case errors.Is(err, tunnel.ErrReplaced):
		return "replaced"
	case errors.Is(err, tunnel.ErrConnectionTimeout):
		return "heartbeat_timeout"
	case errors.Is(err, tunnel.ErrShuttingDown):
		return "shutdown"
	case errors.Is(err, tunnel.ErrConnectionLost):
		return "connection_lost"
	default:
		return "other"
	}
}

func dispatchErrorReason(err error) string {
	switch {
	case errors.Is(err, tunnel.ErrNotConnected):
		return "not_connected"
	case errors.Is(err, service.ErrAccessDenied):
		return "denied"
	case errors.Is(err, tunnel.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, tunnel.ErrReplaced):
		return "replaced"
	case errors.Is(err, tunnel.ErrConnectionLost):
		return "connection_lost"
	default:
		return "other"
	}
}
