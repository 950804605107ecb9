package http

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	// Verify all metrics are registered
	if m.HandshakesTotal == nil {
		t.Error("HandshakesTotal not initialized")
	}
	if m.FramesTotal == nil {
		t.Error("FramesTotal not initialized")
	}
	if m.TeardownsTotal == nil {
		t.Error("TeardownsTotal not initialized")
	}
	if m.DispatchDuration == nil {
		t.Error("DispatchDuration not initialized")
	}
	if m.DispatchErrors == nil {
		t.Error("DispatchErrors not initialized")
	}
	if m.RequestsTotal == nil {
		t.Error("RequestsTotal not initialized")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration not initialized")
	}
}

func TestMetrics_ConnectionHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.HookConnect(nil, false)
	m.HookConnect(nil, false)
	m.HookConnect(nil, true)

	if got := testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("connected")); got != 2 {
		t.Errorf("handshakes connected = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.HandshakesTotal.WithLabelValues("replaced")); got != 1 {
		t.Errorf("handshakes replaced = %v, want 1", got)
	}

	m.HookDisconnect(nil, nil)
	m.HookDisconnect(nil, tunnel.ErrReplaced)

	if got := testutil.ToFloat64(m.TeardownsTotal.WithLabelValues("normal")); got != 1 {
		t.Errorf("teardowns normal = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TeardownsTotal.WithLabelValues("replaced")); got != 1 {
		t.Errorf("teardowns replaced = %v, want 1", got)
	}
}

func TestMetrics_FrameHooks(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.HookInboundFrame(wire.TypeResponse)
	m.HookInboundFrame(wire.TypeStream)
	m.HookInboundFrame(wire.TypeStream)
	m.HookOutboundFrame(wire.TypeRequest)
	m.HookOutboundFrame(wire.TypePing)

	cases := []struct {
		frameType string
		direction string
		want      float64
	}{
		{"response", "in", 1},
		{"stream", "in", 2},
		{"request", "out", 1},
		{"ping", "out", 1},
	}
	for _, tc := range cases {
		got := testutil.ToFloat64(m.FramesTotal.WithLabelValues(tc.frameType, tc.direction))
		if got != tc.want {
			t.Errorf("frames_total{type=%q,direction=%q} = %v, want %v", tc.frameType, tc.direction, got, tc.want)
		}
	}
}

func TestMetrics_ObserveDispatch(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDispatch(50*time.Millisecond, nil)
	m.ObserveDispatch(10*time.Millisecond, tunnel.ErrRequestTimeout)

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	var sampleCount uint64
	for _, mf := range gathered {
		if strings.Contains(mf.GetName(), "dispatch_duration") {
			sampleCount = mf.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if sampleCount != 2 {
		t.Errorf("dispatch_duration observations = %d, want 2", sampleCount)
	}

	if got := testutil.ToFloat64(m.DispatchErrors.WithLabelValues("timeout")); got != 1 {
		t.Errorf("dispatch_errors timeout = %v, want 1", got)
	}
}

func TestTeardownReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "normal"},
		{tunnel.ErrReplaced, "replaced"},
		{tunnel.ErrConnectionTimeout, "heartbeat_timeout"},
		{tunnel.ErrShuttingDown, "shutdown"},
		{tunnel.ErrConnectionLost, "connection_lost"},
		{fmt.Errorf("teardown: %w", tunnel.ErrConnectionLost), "connection_lost"},
		{errors.New("socket exploded"), "other"},
	}
	for _, tc := range cases {
		if got := teardownReason(tc.err); got != tc.want {
			t.Errorf("teardownReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestDispatchErrorReason(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{tunnel.ErrNotConnected, "not_connected"},
		{service.ErrAccessDenied, "denied"},
		{tunnel.ErrRequestTimeout, "timeout"},
		{context.DeadlineExceeded, "timeout"},
		{tunnel.ErrReplaced, "replaced"},
		{tunnel.ErrConnectionLost, "connection_lost"},
		{fmt.Errorf("dispatch: %w", service.ErrAccessDenied), "denied"},
		{errors.New("mystery"), "other"},
	}
	for _, tc := range cases {
		if got := dispatchErrorReason(tc.err); got != tc.want {
			t.Errorf("dispatchErrorReason(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestRegisterAgentGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	hub := service.NewTunnelHub(tunnel.NewRegistry(), nil, nil, discardLogger())

	RegisterAgentGauges(reg, hub)

	gathered, err := reg.Gather()
	if err != nil {
		t.Fatalf("Failed to gather metrics: %v", err)
	}

	found := map[string]bool{}
	for _, mf := range gathered {
		found[mf.GetName()] = true
		// No agents are connected, so every gauge samples zero.
		if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
			t.Errorf("%s = %v, want 0", mf.GetName(), v)
		}
	}

	for _, name := range []string{"dockhand_agent_connections", "dockhand_active_streams", "dockhand_active_execs"} {
		if !found[name] {
			t.Errorf("gauge %s not registered", name)
		}
	}
}
