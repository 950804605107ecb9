package docker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/port/outbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// execUpgradeTimeout bounds the HTTP exchange that upgrades the raw
// connection. Once the stream is attached the deadline is cleared; the
// session itself has no time limit.
const execUpgradeTimeout = 10 * time.Second

// Runner starts interactive exec sessions against local containers. It
// implements outbound.ExecRunner.
type Runner struct {
	client *Client
	logger *slog.Logger
}

var _ outbound.ExecRunner = (*Runner)(nil)

// NewRunner creates an exec runner sharing the client's daemon target.
func NewRunner(client *Client, logger *slog.Logger) *Runner {
	return &Runner{client: client, logger: logger}
}

type execCreateRequest struct {
	AttachStdin  bool     `json:"AttachStdin"`
	AttachStdout bool     `json:"AttachStdout"`
	AttachStderr bool     `json:"AttachStderr"`
	Tty          bool     `json:"Tty"`
	User         string   `json:"User,omitempty"`
	Cmd          []string `json:"Cmd"`
}

type execCreateResponse struct {
	ID string `json:"Id"`
}

// Start creates an exec instance, attaches to it over a hijacked
// connection and begins pumping output. The context bounds setup only;
// the running session ends when the process exits or Close is called.
func (r *Runner) Start(ctx context.Context, spec tunnel.ExecSpec, onOutput func(data []byte, channel string), onExit func(reason string)) (outbound.ExecProcess, error) {
	execID, err := r.createExec(ctx, spec)
	if err != nil {
		return nil, err
	}

	conn, br, err := r.attachExec(ctx, execID)
	if err != nil {
		return nil, err
	}

	proc := &execProcess{
		runner: r,
		execID: execID,
		conn:   conn,
		br:     br,
		onExit: onExit,
	}
	go proc.pump(onOutput)

	// Resize requires a started exec, so the initial geometry is applied
	// after attach. Failure is not fatal; the terminal just opens at the
	// daemon default.
	if spec.Cols > 0 || spec.Rows > 0 {
		if rerr := proc.Resize(spec.Cols, spec.Rows); rerr != nil {
			r.logger.Warn("initial exec resize failed",
				"exec_id", execID,
				"error", rerr)
		}
	}

	r.logger.Debug("exec session attached",
		"exec_id", execID,
		"container_id", spec.ContainerID)

	return proc, nil
}

func (r *Runner) createExec(ctx context.Context, spec tunnel.ExecSpec) (string, error) {
	if spec.ContainerID == "" {
		return "", fmt.Errorf("exec create: container id is required")
	}
	if len(spec.Cmd) == 0 {
		return "", fmt.Errorf("exec create: command is required")
	}

	body, err := json.Marshal(execCreateRequest{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		User:         spec.User,
		Cmd:          spec.Cmd,
	})
	if err != nil {
		return "", fmt.Errorf("encode exec create request: %w", err)
	}

	resp, err := r.client.Do(ctx, &tunnel.Request{
		Method:  http.MethodPost,
		Path:    "/containers/" + spec.ContainerID + "/exec",
		Headers: map[string]string{"Content-Type": "application/json"},
		Body:    body,
	})
	if err != nil {
		return "", fmt.Errorf("create exec in container %s: %w", spec.ContainerID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("create exec in container %s: status %d: %s",
			spec.ContainerID, resp.StatusCode, truncateBody(resp.Body))
	}

	var created execCreateResponse
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fmt.Errorf("decode exec create response: %w", err)
	}
	if created.ID == "" {
		return "", fmt.Errorf("exec create response has no id")
	}
	return created.ID, nil
}

// attachExec performs the exec start handshake over a raw connection.
// The daemon answers 101 and the connection becomes a bidirectional byte
// pipe; the returned reader carries any stream bytes the response parse
// already buffered.
func (r *Runner) attachExec(ctx context.Context, execID string) (net.Conn, *bufio.Reader, error) {
	conn, err := r.client.dialRaw(ctx)
	if err != nil {
		return nil, nil, err
	}

	startBody := []byte(`{"Detach":false,"Tty":true}`)
	req, err := http.NewRequest(http.MethodPost, r.client.baseURL+"/exec/"+execID+"/start", bytes.NewReader(startBody))
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("build exec start request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "tcp")

	// The deadline covers only the upgrade exchange. The stream that
	// follows is long-lived and must not inherit it.
	if err := conn.SetDeadline(time.Now().Add(execUpgradeTimeout)); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("set exec upgrade deadline: %w", err)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("send exec start request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("read exec start response: %w", err)
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		conn.Close()
		return nil, nil, fmt.Errorf("start exec %s: status %d: %s", execID, resp.StatusCode, truncateBody(body))
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("clear exec stream deadline: %w", err)
	}

	return conn, br, nil
}

// execProcess is one attached exec session. The terminal runs with a TTY,
// so output arrives unmultiplexed and is attributed to stdout.
type execProcess struct {
	runner *Runner
	execID string
	conn   net.Conn
	br     *bufio.Reader

	cancelled atomic.Bool
	closeOnce sync.Once
	exitOnce  sync.Once
	onExit    func(reason string)
}

var _ outbound.ExecProcess = (*execProcess)(nil)

// pump copies session output to the consumer until the stream ends, then
// reports the exit reason exactly once.
func (p *execProcess) pump(onOutput func(data []byte, channel string)) {
	buf := make([]byte, streamChunkSize)
	for {
		n, err := p.br.Read(buf)
		if n > 0 {
			onOutput(bytes.Clone(buf[:n]), wire.ChannelStdout)
		}
		if err != nil {
			p.finish(err)
			return
		}
	}
}

func (p *execProcess) finish(readErr error) {
	p.closeConn()
	p.exitOnce.Do(func() {
		reason := wire.ReasonExited
		switch {
		case p.cancelled.Load():
			reason = wire.ReasonCancelled
		case readErr != nil && readErr != io.EOF:
			reason = wire.ReasonError
			p.runner.logger.Warn("exec stream read failed",
				"exec_id", p.execID,
				"error", readErr)
		}
		p.onExit(reason)
	})
}

// Write sends bytes to the session's stdin.
func (p *execProcess) Write(data []byte) error {
	if _, err := p.conn.Write(data); err != nil {
		return fmt.Errorf("write exec input: %w", err)
	}
	return nil
}

// Resize updates the terminal dimensions.
func (p *execProcess) Resize(cols, rows uint16) error {
	path := fmt.Sprintf("/exec/%s/resize?h=%d&w=%d", p.execID, rows, cols)
	resp, err := p.runner.client.Do(context.Background(), &tunnel.Request{
		Method: http.MethodPost,
		Path:   path,
	})
	if err != nil {
		return fmt.Errorf("resize exec %s: %w", p.execID, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("resize exec %s: status %d", p.execID, resp.StatusCode)
	}
	return nil
}

// Close terminates the session. The pump goroutine observes the closed
// connection and reports the cancelled reason. Idempotent.
func (p *execProcess) Close() error {
	p.cancelled.Store(true)
	p.closeConn()
	return nil
}

func (p *execProcess) closeConn() {
	p.closeOnce.Do(func() {
		p.conn.Close()
	})
}

func truncateBody(b []byte) string {
	const max = 256
	s := string(bytes.TrimSpace(b))
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
