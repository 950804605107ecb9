package agent

import (
	"context"
	"fmt"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// forwardUnary performs one buffered Engine request and answers with a
// response frame. Engine-level failures (socket down, timeout) become
// error frames; HTTP error statuses are regular responses.
func (s *session) forwardUnary(ctx context.Context, env *wire.Envelope) {
	defer s.wg.Done()

	req, err := requestFromFrame(env)
	if err != nil {
		s.send(wire.NewError(env.RequestID, "", err.Error()))
		return
	}

	resp, err := s.agent.engine.Do(ctx, req)
	if err != nil {
		s.agent.logger.Warn("engine request failed",
			"method", env.Method, "path", env.Path, "error", err)
		s.send(wire.NewError(env.RequestID, "", fmt.Sprintf("engine request failed: %v", err)))
		return
	}
	s.send(wire.NewResponse(env.RequestID, resp.StatusCode, resp.Headers, resp.Body))
}

// startStream registers a cancellable stream and forwards its chunks
// until the Engine finishes or the server sends stream_end.
func (s *session) startStream(ctx context.Context, env *wire.Envelope) {
	req, err := requestFromFrame(env)
	if err != nil {
		s.send(wire.NewError(env.RequestID, "", err.Error()))
		return
	}

	streamCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, exists := s.streams[env.RequestID]; exists {
		s.mu.Unlock()
		cancel()
		s.agent.logger.Warn("duplicate stream request id", "request_id", env.RequestID)
		return
	}
	s.streams[env.RequestID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.runStream(streamCtx, env.RequestID, req)
}

func (s *session) runStream(ctx context.Context, requestID string, req *tunnel.Request) {
	defer s.wg.Done()

	err := s.agent.engine.Stream(ctx, req, func(chunk []byte) error {
		if !s.send(wire.NewStreamChunk(requestID, chunk, "")) {
			return tunnel.ErrShuttingDown
		}
		return nil
	})

	if !s.takeStream(requestID) {
		// The server already cancelled this stream and stopped caring.
		return
	}
	switch {
	case err == nil:
		s.send(wire.NewStreamEnd(requestID, wire.ReasonEOF))
	case ctx.Err() != nil:
		s.send(wire.NewStreamEnd(requestID, wire.ReasonCancelled))
	default:
		s.agent.logger.Warn("engine stream failed",
			"method", req.Method, "path", req.Path, "error", err)
		s.send(wire.NewError(requestID, "", fmt.Sprintf("engine stream failed: %v", err)))
	}
}

// cancelStream handles a server-side stream_end: stop the Engine request
// and forget the id. Late chunks racing the cancel are dropped by the
// server.
func (s *session) cancelStream(requestID string) {
	if s.takeStream(requestID) {
		s.agent.logger.Debug("stream cancelled by server", "request_id", requestID)
	}
}

// takeStream removes the stream and fires its cancel func. Reports
// whether the id was still registered, which decides who owes the
// terminating frame.
func (s *session) takeStream(requestID string) bool {
	s.mu.Lock()
	cancel, ok := s.streams[requestID]
	if ok {
		delete(s.streams, requestID)
	}
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func requestFromFrame(env *wire.Envelope) (*tunnel.Request, error) {
	body, err := wire.DecodeBody(env.Body, env.IsBinary)
	if err != nil {
		return nil, fmt.Errorf("malformed request body: %w", err)
	}
	return &tunnel.Request{
		Method:  env.Method,
		Path:    env.Path,
		Headers: env.Headers,
		Body:    body,
	}, nil
}
