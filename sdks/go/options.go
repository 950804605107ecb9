package dockhand

import (
	"net/http"
	"time"
)

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithServerAddr sets the Dockhand server address, e.g.
// "https://dockhand.example.com". If not set, defaults to the
// DOCKHAND_SERVER_ADDR environment variable, then to the server's
// default loopback listener.
func WithServerAddr(addr string) Option {
	return func(c *Client) {
		c.serverAddr = addr
	}
}

// WithToken sets the operator bearer token. If not set, defaults to the
// DOCKHAND_API_TOKEN environment variable. Loopback requests work
// without one on a server that has no operator token configured.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithTimeout sets the per-request timeout. It does not apply to
// StreamDocker, which is bounded by its context. If not set, defaults
// to the DOCKHAND_TIMEOUT environment variable or 30 seconds.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithHTTPClient sets a custom http.Client, useful for testing, proxies
// or custom TLS configuration. Its transport is reused for streams.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}
