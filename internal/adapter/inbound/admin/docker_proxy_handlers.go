package admin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/service"
)

// maxProxyBodyBytes caps a unary request body. Request frames ride in a
// single tunnel message and the socket read limit is 1MB, so bulk
// uploads (image load, build contexts) are refused rather than broken
// mid-flight.
const maxProxyBodyBytes = 512 << 10

var errProxyBodyTooLarge = errors.New("request body too large")

// hopByHopHeaders never cross the tunnel in either direction.
var hopByHopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

// forwardableHeader reports whether a request header may be relayed to
// the daemon. Credentials for THIS API must never leak to the agent.
func forwardableHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if hopByHopHeaders[canonical] {
		return false
	}
	switch canonical {
	case "Authorization", "Cookie", "Host":
		return false
	}
	return true
}

// relayableHeader reports whether a daemon response header may be
// written back. Length fields are dropped: the body was re-buffered, so
// the local stack sets its own framing.
func relayableHeader(name string) bool {
	canonical := http.CanonicalHeaderKey(name)
	if hopByHopHeaders[canonical] {
		return false
	}
	return canonical != "Content-Length"
}

// buildProxyRequest translates the operator's HTTP request into a
// tunnel request. The stream=1 query parameter selects chunked relay
// and is consumed here; every other parameter reaches the daemon
// untouched.
func buildProxyRequest(r *http.Request, maxBody int64) (tunnel.Request, bool, error) {
	q := r.URL.Query()
	streaming := q.Get("stream") == "1"
	if streaming {
		q.Del("stream")
	}

	path := "/" + pathParam(r, "path")
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}

	var body []byte
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBody+1))
		if err != nil {
			return tunnel.Request{}, false, fmt.Errorf("read request body: %w", err)
		}
		if int64(len(data)) > maxBody {
			return tunnel.Request{}, false, errProxyBodyTooLarge
		}
		body = data
	}

	headers := make(map[string]string)
	for name := range r.Header {
		if !forwardableHeader(name) {
			continue
		}
		headers[name] = r.Header.Get(name)
	}

	return tunnel.Request{
		Method:  r.Method,
		Path:    path,
		Headers: headers,
		Body:    body,
	}, streaming, nil
}

// handleDockerProxy relays one Docker Engine API call through the agent
// tunnel. Method, path, query and body arrive at the daemon exactly as
// sent; its status, headers and body come back verbatim. stream=1
// switches to chunked relay for endpoints that never terminate on
// their own (events, stats, follow logs).
// ANY /api/agents/{id}/docker/{path...}
func (h *AdminAPIHandler) handleDockerProxy(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		respondError(w, http.StatusServiceUnavailable, "tunnel hub not configured")
		return
	}
	endpointID := pathParam(r, "id")

	req, streaming, err := buildProxyRequest(r, maxProxyBodyBytes)
	if err != nil {
		if errors.Is(err, errProxyBodyTooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "request body exceeds proxy limit")
			return
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if streaming {
		h.streamDockerProxy(w, r, endpointID, req)
		return
	}

	resp, err := h.hub.Dispatch(r.Context(), endpointID, req)
	if err != nil {
		h.respondDispatchError(w, endpointID, err)
		return
	}
	relayResponse(w, resp)
}

// respondDispatchError maps tunnel failures onto gateway status codes.
func (h *AdminAPIHandler) respondDispatchError(w http.ResponseWriter, endpointID string, err error) {
	switch {
	case errors.Is(err, tunnel.ErrNotConnected):
		respondError(w, http.StatusBadGateway, "agent not connected: "+endpointID)
	case errors.Is(err, service.ErrAccessDenied):
		respondError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, tunnel.ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		respondError(w, http.StatusGatewayTimeout, "agent did not answer in time")
	case errors.Is(err, tunnel.ErrShuttingDown):
		respondError(w, http.StatusServiceUnavailable, "server is shutting down")
	case errors.Is(err, tunnel.ErrConnectionLost), errors.Is(err, tunnel.ErrReplaced):
		respondError(w, http.StatusBadGateway, err.Error())
	default:
		h.logger.Error("docker proxy dispatch failed", "endpoint_id", endpointID, "error", err)
		respondError(w, http.StatusBadGateway, "dispatch failed: "+err.Error())
	}
}

// relayResponse writes the daemon's answer back to the operator.
func relayResponse(w http.ResponseWriter, resp *tunnel.Response) {
	for name, value := range resp.Headers {
		if !relayableHeader(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(resp.Body)
}

// streamDockerProxy relays a long-running daemon response chunk by
// chunk. Stream frames carry data only, so status and headers are
// synthesized; 200 is committed as soon as the stream opens. The relay
// ends when the agent finishes or the operator hangs up, whichever
// comes first.
func (h *AdminAPIHandler) streamDockerProxy(w http.ResponseWriter, r *http.Request, endpointID string, req tunnel.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var (
		wmu        sync.Mutex // serializes ResponseWriter access across goroutines
		start      sync.Once
		gone       sync.Once
		finish     sync.Once
		clientGone = make(chan struct{})
		finished   = make(chan struct{})
	)
	writeHeaders := func() {
		start.Do(func() {
			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
		})
	}

	consumer := tunnel.StreamConsumer{
		OnData: func(data []byte, _ string) {
			select {
			case <-clientGone:
				return
			default:
			}
			wmu.Lock()
			writeHeaders()
			_, err := w.Write(data)
			if err == nil {
				flusher.Flush()
			}
			wmu.Unlock()
			if err != nil {
				gone.Do(func() { close(clientGone) })
			}
		},
		OnEnd: func(string) {
			finish.Do(func() { close(finished) })
		},
		OnError: func(err error) {
			h.logger.Warn("docker proxy stream failed", "endpoint_id", endpointID, "error", err)
			finish.Do(func() { close(finished) })
		},
	}

	handle, err := h.hub.OpenStream(r.Context(), endpointID, req, consumer)
	if err != nil {
		h.respondDispatchError(w, endpointID, err)
		return
	}

	wmu.Lock()
	writeHeaders()
	flusher.Flush()
	wmu.Unlock()

	select {
	case <-finished:
	case <-r.Context().Done():
		handle.Cancel()
		<-finished
	case <-clientGone:
		handle.Cancel()
		<-finished
	}
}
