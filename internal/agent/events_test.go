package agent

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

func TestLineSplitter(t *testing.T) {
	var lines []string
	split := newLineSplitter(func(line []byte) { lines = append(lines, string(line)) })

	split.feed([]byte(`{"status":"cre`))
	if len(lines) != 0 {
		t.Fatalf("emitted %d lines from a partial record", len(lines))
	}

	split.feed([]byte("ate\"}\n{\"status\":\"start\"}\n\n{\"st"))
	want := []string{`{"status":"create"}`, `{"status":"start"}`}
	if !reflect.DeepEqual(lines, want) {
		t.Fatalf("lines = %v, want %v", lines, want)
	}

	split.feed([]byte("atus\":\"die\"}\r\n"))
	if len(lines) != 3 || lines[2] != `{"status":"die"}` {
		t.Fatalf("after CRLF feed lines = %v", lines)
	}

	split.reset()
	split.feed([]byte(`{"fresh":true}` + "\n"))
	if len(lines) != 4 || lines[3] != `{"fresh":true}` {
		t.Fatalf("after reset lines = %v", lines)
	}
}

func TestForwardEvents(t *testing.T) {
	f := newFakeServer(t)
	feed := []string{
		`{"status":"start","id":"cafebabe"}`,
		`{"status":"die","id":"cafebabe"}`,
	}
	engine := &stubEngine{
		streamFunc: func(ctx context.Context, req *tunnel.Request, deliver func([]byte) error) error {
			if req.Path != "/events" {
				return fmt.Errorf("unexpected stream path %s", req.Path)
			}
			// Slice mid-record to exercise line reassembly.
			payload := feed[0] + "\n" + feed[1] + "\n"
			half := len(payload) / 2
			if err := deliver([]byte(payload[:half])); err != nil {
				return err
			}
			if err := deliver([]byte(payload[half:])); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	startTestAgent(t, f.url(), engine, newStubRunner(), WithEvents(true))
	waitHello(t, f)

	for _, want := range feed {
		env := f.nextOfType(wire.TypeContainerEvent)
		if string(env.Event) != want {
			t.Errorf("event payload = %s, want %s", env.Event, want)
		}
	}
}

func TestForwardEventsResubscribes(t *testing.T) {
	f := newFakeServer(t)
	var calls atomic.Int32
	engine := &stubEngine{
		streamFunc: func(ctx context.Context, _ *tunnel.Request, deliver func([]byte) error) error {
			if calls.Add(1) == 1 {
				return errors.New("engine hiccup")
			}
			if err := deliver([]byte(`{"status":"start"}` + "\n")); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	a := newTestAgent(t, f.url(), engine, newStubRunner(), WithEvents(true))
	a.eventsRetry = 10 * time.Millisecond
	runAgent(t, a)
	waitHello(t, f)

	env := f.nextOfType(wire.TypeContainerEvent)
	if string(env.Event) != `{"status":"start"}` {
		t.Errorf("event payload = %s", env.Event)
	}
	if calls.Load() < 2 {
		t.Errorf("event feed subscribed %d times, want at least 2", calls.Load())
	}
}

func TestForwardEventsDropsInvalidJSON(t *testing.T) {
	f := newFakeServer(t)
	engine := &stubEngine{
		streamFunc: func(ctx context.Context, _ *tunnel.Request, deliver func([]byte) error) error {
			if err := deliver([]byte("not json at all\n{\"valid\":true}\n")); err != nil {
				return err
			}
			<-ctx.Done()
			return ctx.Err()
		},
	}
	startTestAgent(t, f.url(), engine, newStubRunner(), WithEvents(true))
	waitHello(t, f)

	env := f.nextOfType(wire.TypeContainerEvent)
	if string(env.Event) != `{"valid":true}` {
		t.Errorf("event payload = %s, want only the valid record", env.Event)
	}
}
