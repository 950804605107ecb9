package tunnel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// fakeTransport is an in-memory Transport. Tests feed inbound frames and
// inspect what the connection wrote.
type fakeTransport struct {
	inbound  chan []byte
	outbound chan []byte

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string
	closeCh     chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 256),
		closeCh:  make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() ([]byte, error) {
	select {
	case data := <-t.inbound:
		return data, nil
	case <-t.closeCh:
		return nil, errors.New("transport closed")
	}
}

func (t *fakeTransport) WriteMessage(data []byte) error {
	select {
	case <-t.closeCh:
		return errors.New("transport closed")
	default:
	}
	select {
	case t.outbound <- data:
		return nil
	case <-t.closeCh:
		return errors.New("transport closed")
	}
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.closeCode = code
	t.closeReason = reason
	close(t.closeCh)
	return nil
}

func (t *fakeTransport) RemoteAddr() string { return "fake:0" }

func (t *fakeTransport) closedWith() (bool, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed, t.closeCode
}

// nextFrame returns the next frame the connection wrote, decoded.
func (t *fakeTransport) nextFrame(tb testing.TB) *wire.Envelope {
	tb.Helper()
	select {
	case data := <-t.outbound:
		env, err := wire.Decode(data)
		if err != nil {
			tb.Fatalf("connection wrote undecodable frame: %v", err)
		}
		return env
	case <-time.After(2 * time.Second):
		tb.Fatal("no frame written within 2s")
		return nil
	}
}

func newTestConn(t *testing.T, endpointID string) (*Connection, *fakeTransport) {
	t.Helper()
	tr := newFakeTransport()
	conn := NewConnection(endpointID, AgentInfo{ID: "agent-1", Name: "edge"}, tr)
	t.Cleanup(func() {
		conn.Teardown(ErrShuttingDown, CloseGoingAway)
	})
	return conn, tr
}

func TestConnection_DispatchRoundTrip(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	type result struct {
		resp *Response
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		resp, err := conn.Dispatch(context.Background(), Request{
			Method:  "GET",
			Path:    "/containers/json",
			Headers: map[string]string{"Accept": "application/json"},
		})
		resCh <- result{resp, err}
	}()

	frame := tr.nextFrame(t)
	if frame.Type != wire.TypeRequest {
		t.Fatalf("frame type = %q, want request", frame.Type)
	}
	if frame.Method != "GET" || frame.Path != "/containers/json" {
		t.Errorf("frame = %s %s, want GET /containers/json", frame.Method, frame.Path)
	}
	if frame.Streaming {
		t.Error("unary request marked streaming")
	}

	body := []byte(`[{"Id":"abc"}]`)
	conn.HandleResponse(wire.NewResponse(frame.RequestID, 200, map[string]string{"Content-Type": "application/json"}, body))

	res := <-resCh
	if res.err != nil {
		t.Fatalf("Dispatch() error: %v", res.err)
	}
	if res.resp.StatusCode != 200 {
		t.Errorf("StatusCode = %d, want 200", res.resp.StatusCode)
	}
	if string(res.resp.Body) != string(body) {
		t.Errorf("Body = %q, want %q", res.resp.Body, body)
	}
	if reqs, _, _ := conn.PendingCounts(); reqs != 0 {
		t.Errorf("pending requests after resolution = %d, want 0", reqs)
	}
}

func TestConnection_DispatchDeadline(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info", Timeout: 50 * time.Millisecond})
		errCh <- err
	}()
	tr.nextFrame(t)

	// The sweep owns deadlines; drive it past the request's.
	conn.expireDeadlines(time.Now().Add(time.Second))

	if err := <-errCh; !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("Dispatch() error = %v, want ErrRequestTimeout", err)
	}
	if reqs, _, _ := conn.PendingCounts(); reqs != 0 {
		t.Errorf("pending requests after timeout = %d, want 0 (leak)", reqs)
	}
}

func TestConnection_LateResponseAfterTimeout(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info", Timeout: time.Millisecond})
		errCh <- err
	}()
	frame := tr.nextFrame(t)
	conn.expireDeadlines(time.Now().Add(time.Second))
	<-errCh

	// A response arriving after the timeout must be dropped quietly.
	conn.HandleResponse(wire.NewResponse(frame.RequestID, 200, nil, []byte("late")))

	if reqs, _, _ := conn.PendingCounts(); reqs != 0 {
		t.Errorf("pending requests = %d, want 0", reqs)
	}
}

func TestConnection_DispatchContextCancel(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(ctx, Request{Method: "GET", Path: "/info"})
		errCh <- err
	}()
	tr.nextFrame(t)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("Dispatch() error = %v, want context.Canceled", err)
	}
	if reqs, _, _ := conn.PendingCounts(); reqs != 0 {
		t.Errorf("pending requests after cancel = %d, want 0", reqs)
	}
}

func TestConnection_DispatchAfterTeardown(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, _ := newTestConn(t, "ep-1")
	conn.Teardown(ErrConnectionLost, CloseGoingAway)

	_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info"})
	if !errors.Is(err, ErrConnectionLost) {
		t.Errorf("Dispatch() error = %v, want ErrConnectionLost", err)
	}
}

func TestConnection_TeardownFailsEverythingExactlyOnce(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	const requests = 5
	errCh := make(chan error, requests)
	for i := 0; i < requests; i++ {
		go func() {
			_, err := conn.Dispatch(context.Background(), Request{Method: "GET", Path: "/info"})
			errCh <- err
		}()
	}
	for i := 0; i < requests; i++ {
		tr.nextFrame(t)
	}

	var streamErrors, streamEnds atomic.Int64
	for i := 0; i < 3; i++ {
		_, err := conn.OpenStream(Request{Method: "GET", Path: "/events"}, StreamConsumer{
			OnEnd:   func(string) { streamEnds.Add(1) },
			OnError: func(error) { streamErrors.Add(1) },
		})
		if err != nil {
			t.Fatalf("OpenStream() error: %v", err)
		}
		tr.nextFrame(t)
	}

	// Second call must be a no-op.
	conn.Teardown(ErrConnectionLost, CloseGoingAway)
	conn.Teardown(ErrConnectionTimeout, CloseTimeout)

	for i := 0; i < requests; i++ {
		if err := <-errCh; !errors.Is(err, ErrConnectionLost) {
			t.Errorf("Dispatch() error = %v, want ErrConnectionLost", err)
		}
	}
	if got := streamErrors.Load(); got != 3 {
		t.Errorf("stream OnError fired %d times, want 3", got)
	}
	if got := streamEnds.Load(); got != 0 {
		t.Errorf("stream OnEnd fired %d times, want 0", got)
	}

	reqs, streams, execs := conn.PendingCounts()
	if reqs != 0 || streams != 0 || execs != 0 {
		t.Errorf("pending after teardown = (%d, %d, %d), want all 0", reqs, streams, execs)
	}
	if closed, code := tr.closedWith(); !closed || code != CloseGoingAway {
		t.Errorf("transport closed=%v code=%d, want closed with %d from the first teardown", closed, code, CloseGoingAway)
	}
	if !errors.Is(conn.Err(), ErrConnectionLost) {
		t.Errorf("Err() = %v, want the first teardown reason", conn.Err())
	}
}

func TestConnection_StreamDeliveryInOrder(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	var mu sync.Mutex
	var chunks []string
	var ends []string
	handle, err := conn.OpenStream(Request{Method: "GET", Path: "/containers/abc/logs?follow=1"}, StreamConsumer{
		OnData: func(data []byte, channel string) {
			mu.Lock()
			chunks = append(chunks, channel+":"+string(data))
			mu.Unlock()
		},
		OnEnd: func(reason string) {
			mu.Lock()
			ends = append(ends, reason)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}

	frame := tr.nextFrame(t)
	if !frame.Streaming {
		t.Error("stream open frame not marked streaming")
	}
	if frame.RequestID != handle.RequestID {
		t.Errorf("frame request id = %q, want %q", frame.RequestID, handle.RequestID)
	}

	for _, s := range []string{"a", "b", "c"} {
		conn.HandleStreamChunk(wire.NewStreamChunk(handle.RequestID, []byte(s), wire.ChannelStdout))
	}
	conn.HandleStreamEnd(wire.NewStreamEnd(handle.RequestID, wire.ReasonEOF))
	// A duplicate end must not re-fire the consumer.
	conn.HandleStreamEnd(wire.NewStreamEnd(handle.RequestID, wire.ReasonEOF))

	mu.Lock()
	defer mu.Unlock()
	want := []string{"stdout:a", "stdout:b", "stdout:c"}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk[%d] = %q, want %q", i, chunks[i], want[i])
		}
	}
	if len(ends) != 1 || ends[0] != wire.ReasonEOF {
		t.Errorf("OnEnd calls = %v, want exactly one %q", ends, wire.ReasonEOF)
	}
}

func TestStreamHandle_CancelIsIdempotent(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	var dataCalls, endCalls atomic.Int64
	handle, err := conn.OpenStream(Request{Method: "GET", Path: "/events"}, StreamConsumer{
		OnData: func([]byte, string) { dataCalls.Add(1) },
		OnEnd:  func(string) { endCalls.Add(1) },
	})
	if err != nil {
		t.Fatalf("OpenStream() error: %v", err)
	}
	tr.nextFrame(t)

	handle.Cancel()
	handle.Cancel()

	end := tr.nextFrame(t)
	if end.Type != wire.TypeStreamEnd || end.Reason != wire.ReasonCancelled {
		t.Errorf("frame = %s/%s, want stream_end/cancelled", end.Type, end.Reason)
	}
	select {
	case extra := <-tr.outbound:
		t.Errorf("second Cancel() wrote another frame: %s", extra)
	default:
	}

	// A late chunk for the cancelled id must not resurrect the stream.
	conn.HandleStreamChunk(wire.NewStreamChunk(handle.RequestID, []byte("late"), ""))
	conn.HandleStreamEnd(wire.NewStreamEnd(handle.RequestID, wire.ReasonEOF))

	if got := dataCalls.Load(); got != 0 {
		t.Errorf("OnData fired %d times after cancel, want 0", got)
	}
	if got := endCalls.Load(); got != 1 {
		t.Errorf("OnEnd fired %d times, want exactly 1", got)
	}
	if _, streams, _ := conn.PendingCounts(); streams != 0 {
		t.Errorf("pending streams = %d, want 0", streams)
	}
}

func TestConnection_DuplicateRequestIDRejected(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, _ := newTestConn(t, "ep-1")

	if _, err := conn.addRequest("fixed-id", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("first addRequest() error: %v", err)
	}
	if _, err := conn.addRequest("fixed-id", time.Now().Add(time.Minute)); err == nil {
		t.Error("second addRequest() with the same id should fail")
	}
}

func TestConnection_ErrorFrameFailsPending(t *testing.T) {
	t.Cleanup(func() { goleak.VerifyNone(t) })

	conn, tr := newTestConn(t, "ep-1")

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Dispatch(context.Background(), Request{Method: "DELETE", Path: "/containers/xyz"})
		errCh <- err
	}()
	frame := tr.nextFrame(t)

	conn.HandleErrorFrame(wire.NewError(frame.RequestID, "", "no such container"))

	err := <-errCh
	if err == nil || err.Error() != "agent error: no such container" {
		t.Errorf("Dispatch() error = %v, want agent error message", err)
	}
}
