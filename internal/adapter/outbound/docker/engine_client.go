// Package docker implements the outbound Engine API adapter. It talks to
// the local Docker daemon over a unix socket or TCP and relays requests
// byte for byte; response payloads are never interpreted here.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/port/outbound"
)

// DefaultHost is the daemon address used when none is configured.
const DefaultHost = "unix:///var/run/docker.sock"

const (
	// defaultUnaryTimeout bounds buffered Engine API calls. Streams are
	// exempt; they stay open until the body ends or the context is
	// cancelled.
	defaultUnaryTimeout = 30 * time.Second

	// maxUnaryBodySize caps buffered response reads. Image pulls and
	// large inspects stream instead of buffering, so anything above
	// this is a protocol misuse.
	maxUnaryBodySize = 32 * 1024 * 1024 // 32MB

	// streamChunkSize is the read granularity for streaming bodies.
	streamChunkSize = 32 * 1024 // 32KB
)

// Client reaches the Docker Engine API. It implements
// outbound.EngineClient.
type Client struct {
	baseURL string
	network string
	addr    string
	unary   *http.Client
	stream  *http.Client
	logger  *slog.Logger
}

var _ outbound.EngineClient = (*Client)(nil)

// Option is a functional option for configuring Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithUnaryTimeout overrides the buffered-call timeout.
func WithUnaryTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.unary.Timeout = d
	}
}

// NewClient creates a client for the given daemon host. Supported forms
// are "unix:///path/to/docker.sock" and "tcp://host:port"; an empty host
// selects DefaultHost.
func NewClient(host string, opts ...Option) (*Client, error) {
	network, addr, baseURL, err := parseHost(host)
	if err != nil {
		return nil, err
	}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &Client{
		baseURL: baseURL,
		network: network,
		addr:    addr,
		unary: &http.Client{
			Timeout:   defaultUnaryTimeout,
			Transport: transport,
		},
		// Streams share the transport but carry no client timeout;
		// the caller's context bounds them instead.
		stream: &http.Client{Transport: transport},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// parseHost splits a daemon host string into the dial target and the URL
// base for request construction. Unix sockets use a placeholder hostname
// because the HTTP layer requires one.
func parseHost(host string) (network, addr, baseURL string, err error) {
	if host == "" {
		host = DefaultHost
	}

	switch {
	case strings.HasPrefix(host, "unix://"):
		path := strings.TrimPrefix(host, "unix://")
		if path == "" {
			return "", "", "", fmt.Errorf("unix docker host %q has no socket path", host)
		}
		return "unix", path, "http://docker", nil

	case strings.HasPrefix(host, "tcp://"):
		u, perr := url.Parse(host)
		if perr != nil {
			return "", "", "", fmt.Errorf("parse docker host %q: %w", host, perr)
		}
		if u.Host == "" {
			return "", "", "", fmt.Errorf("tcp docker host %q has no address", host)
		}
		return "tcp", u.Host, "http://" + u.Host, nil

	default:
		return "", "", "", fmt.Errorf("unsupported docker host %q (expected unix:// or tcp://)", host)
	}
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, &tunnel.Request{Method: http.MethodGet, Path: "/_ping"})
	if err != nil {
		return fmt.Errorf("ping docker daemon: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping docker daemon: status %d", resp.StatusCode)
	}
	return nil
}

// Do performs a unary Engine API call and buffers the response. Non-2xx
// statuses are not errors: the daemon's answer is relayed as-is and the
// far side interprets it.
func (c *Client) Do(ctx context.Context, req *tunnel.Request) (*tunnel.Response, error) {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.unary.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("docker request %s %s: %w", httpReq.Method, req.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUnaryBodySize))
	if err != nil {
		return nil, fmt.Errorf("read docker response body: %w", err)
	}

	return &tunnel.Response{
		StatusCode: resp.StatusCode,
		Headers:    flattenHeaders(resp.Header),
		Body:       body,
	}, nil
}

// Stream performs a streaming Engine API call (logs, events, stats) and
// hands each body chunk to deliver as it arrives. A non-2xx status is an
// error here because streams carry no status of their own; the error body
// is still delivered so the far side sees the daemon's explanation.
func (c *Client) Stream(ctx context.Context, req *tunnel.Request, deliver func(chunk []byte) error) error {
	httpReq, err := c.newHTTPRequest(ctx, req)
	if err != nil {
		return err
	}

	resp, err := c.stream.Do(httpReq)
	if err != nil {
		return fmt.Errorf("docker stream %s %s: %w", httpReq.Method, req.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxUnaryBodySize))
		if len(body) > 0 {
			if derr := deliver(bytes.Clone(body)); derr != nil {
				return derr
			}
		}
		return fmt.Errorf("docker stream %s %s: status %d", httpReq.Method, req.Path, resp.StatusCode)
	}

	buf := make([]byte, streamChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			// The buffer is reused; deliver gets its own copy.
			if derr := deliver(bytes.Clone(buf[:n])); derr != nil {
				return derr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read docker stream body: %w", rerr)
		}
	}
}

func (c *Client) newHTTPRequest(ctx context.Context, req *tunnel.Request) (*http.Request, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	path := req.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build docker request for %q: %w", req.Path, err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	return httpReq, nil
}

// dialRaw opens a raw connection to the daemon for hijacked exchanges
// such as exec attach, bypassing the HTTP client machinery.
func (c *Client) dialRaw(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("dial docker daemon at %s: %w", c.addr, err)
	}
	return conn, nil
}

func flattenHeaders(h http.Header) map[string]string {
	if len(h) == 0 {
		return nil
	}
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}
