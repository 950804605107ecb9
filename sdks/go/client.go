package dockhand

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to the Dockhand management API. A zero-configured client
// targets the server's default loopback listener, which accepts local
// requests without a token.
type Client struct {
	serverAddr string
	token      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a Dockhand client. It reads configuration from
// DOCKHAND_* environment variables by default; options override them.
func NewClient(opts ...Option) *Client {
	c := &Client{
		serverAddr: envOrDefault("DOCKHAND_SERVER_ADDR", "http://127.0.0.1:9410"),
		token:      os.Getenv("DOCKHAND_API_TOKEN"),
		timeout:    parseDurationEnv("DOCKHAND_TIMEOUT", 30*time.Second),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = &http.Client{Timeout: c.timeout}
	}
	return c
}

// ListAgents returns the currently connected agents.
func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var agents []Agent
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// Agent returns the status of one connected agent. ErrNotFound means no
// agent is connected for the endpoint.
func (c *Client) Agent(ctx context.Context, endpointID string) (*Agent, error) {
	var agent Agent
	if err := c.doJSON(ctx, http.MethodGet, "/api/agents/"+url.PathEscape(endpointID), nil, &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// DisconnectAgent drops an agent's tunnel. The agent will normally
// redial on its own; revoke its token first to keep it out.
func (c *Client) DisconnectAgent(ctx context.Context, endpointID, reason string) error {
	var body any
	if reason != "" {
		body = map[string]string{"reason": reason}
	}
	return c.doJSON(ctx, http.MethodDelete, "/api/agents/"+url.PathEscape(endpointID), body, nil)
}

// Docker relays one Engine API call through an agent's tunnel and
// returns the daemon's answer. The status code is the daemon's own,
// whatever it is; errors are returned only for transport and policy
// failures (ErrAgentNotConnected, ErrForbidden, timeouts).
func (c *Client) Docker(ctx context.Context, endpointID string, req DockerRequest) (*DockerResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	contentType := req.ContentType
	if contentType == "" && len(req.Body) > 0 {
		contentType = "application/json"
	}

	var bodyReader io.Reader
	if len(req.Body) > 0 {
		bodyReader = bytes.NewReader(req.Body)
	}
	httpReq, err := c.newRequest(ctx, method, c.dockerPath(endpointID, req.Path), bodyReader, contentType)
	if err != nil {
		return nil, err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &ConnectionError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading relayed response: %w", err)
	}

	// Gateway errors carry a JSON error body; the daemon's own statuses
	// (including its 4xx) pass through untouched.
	if gwErr := gatewayError(httpResp.StatusCode, respBody); gwErr != nil {
		return nil, gwErr
	}
	return &DockerResponse{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       respBody,
	}, nil
}

// StreamDocker relays a follow-mode Engine API call (logs -f, events,
// stats) and delivers each chunk as it arrives. It blocks until the
// stream ends, deliver returns an error, or the context is cancelled.
func (c *Client) StreamDocker(ctx context.Context, endpointID, path string, deliver func(chunk []byte) error) error {
	streamPath := appendQuery(path, "stream=1")
	httpReq, err := c.newRequest(ctx, http.MethodGet, c.dockerPath(endpointID, streamPath), nil, "")
	if err != nil {
		return err
	}

	// The stream has no overall deadline; the context bounds it.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	httpResp, err := streamClient.Do(httpReq)
	if err != nil {
		return &ConnectionError{Cause: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		if gwErr := gatewayError(httpResp.StatusCode, respBody); gwErr != nil {
			return gwErr
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: errorMessage(respBody)}
	}

	buf := make([]byte, 32*1024)
	for {
		n, err := httpResp.Body.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			if derr := deliver(chunk); derr != nil {
				return derr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("reading stream: %w", err)
		}
	}
}

// AgentMetrics returns recent metrics snapshots for an endpoint, newest
// first. limit <= 0 uses the server default.
func (c *Client) AgentMetrics(ctx context.Context, endpointID string, limit int) ([]TelemetrySample, error) {
	return c.telemetry(ctx, endpointID, "metrics", limit)
}

// AgentEvents returns recent container events for an endpoint, newest
// first. limit <= 0 uses the server default.
func (c *Client) AgentEvents(ctx context.Context, endpointID string, limit int) ([]TelemetrySample, error) {
	return c.telemetry(ctx, endpointID, "events", limit)
}

func (c *Client) telemetry(ctx context.Context, endpointID, kind string, limit int) ([]TelemetrySample, error) {
	path := "/api/agents/" + url.PathEscape(endpointID) + "/" + kind
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var samples []TelemetrySample
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &samples); err != nil {
		return nil, err
	}
	return samples, nil
}

// ListEndpoints returns all registered endpoints, connected or not.
func (c *Client) ListEndpoints(ctx context.Context) ([]Endpoint, error) {
	var endpoints []Endpoint
	if err := c.doJSON(ctx, http.MethodGet, "/api/endpoints", nil, &endpoints); err != nil {
		return nil, err
	}
	return endpoints, nil
}

// CreateEndpoint registers a Docker host. Agents authenticate against
// the returned endpoint ID.
func (c *Client) CreateEndpoint(ctx context.Context, input EndpointInput) (*Endpoint, error) {
	var endpoint Endpoint
	if err := c.doJSON(ctx, http.MethodPost, "/api/endpoints", input, &endpoint); err != nil {
		return nil, err
	}
	return &endpoint, nil
}

// DeleteEndpoint removes an endpoint and its tokens.
func (c *Client) DeleteEndpoint(ctx context.Context, endpointID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/endpoints/"+url.PathEscape(endpointID), nil, nil)
}

// ListTokens returns all agent token records. Hashes and secrets are
// never included.
func (c *Client) ListTokens(ctx context.Context) ([]Token, error) {
	var tokens []Token
	if err := c.doJSON(ctx, http.MethodGet, "/api/tokens", nil, &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

// ProvisionToken mints an agent credential. The grant's Secret is the
// only copy that will ever exist; hand it to the agent and discard it.
func (c *Client) ProvisionToken(ctx context.Context, input TokenInput) (*TokenGrant, error) {
	var grant TokenGrant
	if err := c.doJSON(ctx, http.MethodPost, "/api/tokens", input, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

// RevokeToken revokes an agent credential. New connections with it are
// refused immediately; an established tunnel stays up until it drops.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/tokens/"+url.PathEscape(tokenID), nil, nil)
}

// ListRules returns the stored access rules.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	if err := c.doJSON(ctx, http.MethodGet, "/api/rules", nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// CreateRule adds an access rule. The CEL condition is compiled on the
// server before anything is persisted; compile errors come back as an
// APIError with the compiler's message.
func (c *Client) CreateRule(ctx context.Context, input RuleInput) (*Rule, error) {
	var rule Rule
	if err := c.doJSON(ctx, http.MethodPost, "/api/rules", input, &rule); err != nil {
		return nil, err
	}
	return &rule, nil
}

// DeleteRule removes a rule. The live rule set reloads immediately.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/rules/"+url.PathEscape(ruleID), nil, nil)
}

// CheckAccess dry-runs the live rule set against a described Docker API
// call without dispatching anything. Use it to verify a rule change
// before traffic hits it.
func (c *Client) CheckAccess(ctx context.Context, check AccessCheck) (*AccessDecision, error) {
	var decision AccessDecision
	if err := c.doJSON(ctx, http.MethodPost, "/api/rules/test", check, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// Stats returns the server's tunnel counters.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.doJSON(ctx, http.MethodGet, "/api/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// dockerPath builds the relay path for an Engine API call.
func (c *Client) dockerPath(endpointID, path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "/api/agents/" + url.PathEscape(endpointID) + "/docker" + path
}

// doJSON performs a JSON request against the management API.
func (c *Client) doJSON(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
		contentType = "application/json"
	}

	httpReq, err := c.newRequest(ctx, method, path, bodyReader, contentType)
	if err != nil {
		return err
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &ConnectionError{Cause: err}
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return &APIError{StatusCode: httpResp.StatusCode, Message: errorMessage(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("unmarshaling response: %w", err)
		}
	}
	return nil
}

// newRequest builds an authenticated request against the server.
func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	reqURL := strings.TrimRight(c.serverAddr, "/") + path
	httpReq, err := http.NewRequestWithContext(ctx, method, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	if contentType != "" {
		httpReq.Header.Set("Content-Type", contentType)
	}
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	return httpReq, nil
}

// gatewayError maps the relay's own failures to SDK errors. The relay
// always answers with an {"error": ...} body; a matching status with any
// other body is the daemon talking and passes through.
func gatewayError(status int, body []byte) error {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusBadGateway, http.StatusGatewayTimeout,
		http.StatusServiceUnavailable, http.StatusRequestEntityTooLarge,
		http.StatusTooManyRequests:
	default:
		return nil
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || payload.Error == "" {
		return nil
	}
	return &APIError{StatusCode: status, Message: payload.Error}
}

// errorMessage extracts the message from a server error body.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(body))
}

// appendQuery appends one raw query parameter to a path that may or may
// not already carry a query string.
func appendQuery(path, param string) string {
	if strings.Contains(path, "?") {
		return path + "&" + param
	}
	return path + "?" + param
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func parseDurationEnv(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	// Plain integers are read as seconds.
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}
