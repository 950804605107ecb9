package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// forwardEvents follows the Engine's /events feed and pushes each JSON
// line to the server as a container_event frame. The feed is long
// polling; when Docker drops it the agent resubscribes after a short
// pause without touching the tunnel.
func (s *session) forwardEvents(ctx context.Context) {
	defer s.wg.Done()

	split := newLineSplitter(func(line []byte) {
		if !json.Valid(line) {
			s.agent.logger.Warn("dropping non-JSON event line", "len", len(line))
			return
		}
		// The splitter reuses its buffer; the frame needs its own copy.
		s.send(wire.NewContainerEvent(json.RawMessage(bytes.Clone(line))))
	})

	for {
		req := &tunnel.Request{Method: http.MethodGet, Path: "/events"}
		err := s.agent.engine.Stream(ctx, req, func(chunk []byte) error {
			split.feed(chunk)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.agent.logger.Warn("event feed dropped, resubscribing",
				"delay", s.agent.eventsRetry, "error", err)
		} else {
			s.agent.logger.Debug("event feed ended, resubscribing",
				"delay", s.agent.eventsRetry)
		}
		split.reset()

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-time.After(s.agent.eventsRetry):
		}
	}
}

// lineSplitter reassembles newline-delimited records from arbitrarily
// sliced chunks. Emitted lines alias the internal buffer and are only
// valid during the callback.
type lineSplitter struct {
	buf  []byte
	emit func(line []byte)
}

func newLineSplitter(emit func(line []byte)) *lineSplitter {
	return &lineSplitter{emit: emit}
}

func (l *lineSplitter) feed(p []byte) {
	l.buf = append(l.buf, p...)
	for {
		i := bytes.IndexByte(l.buf, '\n')
		if i < 0 {
			return
		}
		line := bytes.TrimRight(l.buf[:i], "\r")
		if len(line) > 0 {
			l.emit(line)
		}
		l.buf = l.buf[i+1:]
	}
}

// reset drops a partial record, used when the feed restarts and the tail
// can never complete.
func (l *lineSplitter) reset() {
	l.buf = nil
}
