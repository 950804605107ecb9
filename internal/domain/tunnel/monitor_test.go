package tunnel

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

func TestMonitor_BeatPingsHealthyConnections(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := NewRegistry()
	conn, tr := newTestConn(t, "ep-1")
	reg.Register(conn)

	m := NewMonitor(reg)
	m.Beat(time.Now())

	frame := tr.nextFrame(t)
	if frame.Type != wire.TypePing {
		t.Errorf("frame type = %q, want ping", frame.Type)
	}
	if _, ok := reg.Get("ep-1"); !ok {
		t.Error("healthy connection was removed")
	}
}

func TestMonitor_SilentConnectionTornDown(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := NewRegistry()
	conn, tr := newTestConn(t, "ep-1")
	reg.Register(conn)

	// A request opened shortly before the timeout must fail with the
	// connection timeout, not "not connected".
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info"})
		errCh <- err
	}()
	tr.nextFrame(t)

	var hookReason error
	m := NewMonitor(reg, WithTeardownHook(func(_ *Connection, reason error) {
		hookReason = reason
	}))

	// 91 seconds of silence against a 90 second window.
	m.Beat(time.Now().Add(91 * time.Second))

	if err := <-errCh; !errors.Is(err, ErrConnectionTimeout) {
		t.Errorf("Dispatch() error = %v, want ErrConnectionTimeout", err)
	}
	if _, ok := reg.Get("ep-1"); ok {
		t.Error("silent connection still registered")
	}
	if closed, code := tr.closedWith(); !closed || code != CloseTimeout {
		t.Errorf("transport closed=%v code=%d, want %d", closed, code, CloseTimeout)
	}
	if !errors.Is(hookReason, ErrConnectionTimeout) {
		t.Errorf("teardown hook reason = %v, want ErrConnectionTimeout", hookReason)
	}
}

func TestMonitor_ActivityResetsTheClock(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := NewRegistry()
	conn, tr := newTestConn(t, "ep-1")
	reg.Register(conn)

	m := NewMonitor(reg)

	// Any inbound frame counts as liveness, not just pong.
	conn.Touch()
	m.Beat(time.Now().Add(50 * time.Second))

	if _, ok := reg.Get("ep-1"); !ok {
		t.Fatal("connection with recent activity was torn down")
	}
	if frame := tr.nextFrame(t); frame.Type != wire.TypePing {
		t.Errorf("frame type = %q, want ping", frame.Type)
	}
}

func TestMonitor_SweepExpiresDeadlines(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := NewRegistry()
	conn, tr := newTestConn(t, "ep-1")
	reg.Register(conn)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info", Timeout: 10 * time.Millisecond})
		errCh <- err
	}()
	tr.nextFrame(t)

	m := NewMonitor(reg)
	m.Sweep(time.Now().Add(time.Second))

	if err := <-errCh; !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Dispatch() error = %v, want ErrRequestTimeout", err)
	}
	// The connection itself stays healthy; only the one request died.
	if _, ok := reg.Get("ep-1"); !ok {
		t.Error("connection removed by a request deadline sweep")
	}
}

func TestMonitor_StartStop(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	reg := NewRegistry()
	m := NewMonitor(reg,
		WithHeartbeatInterval(10*time.Millisecond),
		WithSweepInterval(5*time.Millisecond))

	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
	// Stop is idempotent.
	m.Stop()
}
