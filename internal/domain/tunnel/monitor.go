package tunnel

import (
	"log/slog"
	"sync"
	"time"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// Defaults for the liveness monitor. Three missed heartbeats kill a
// connection.
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHeartbeatTimeout  = 90 * time.Second
	DefaultSweepInterval     = time.Second
)

// Monitor owns connection liveness and all deadline bookkeeping. One
// background goroutine pings every registered connection on the heartbeat
// interval and tears down those silent past the timeout; a finer sweep
// expires overdue request deadlines and unattached exec sessions, so no
// pending entry ever owns its own timer.
//
// Timeout teardown runs the same Connection.Teardown path as explicit
// disconnect and replacement.
type Monitor struct {
	registry *Registry
	logger   *slog.Logger

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	sweepInterval     time.Duration

	// onTeardown, when set, observes every timeout-triggered teardown.
	// Used for metrics.
	onTeardown func(conn *Connection, reason error)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithMonitorLogger sets the monitor logger.
func WithMonitorLogger(logger *slog.Logger) MonitorOption {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// WithHeartbeatInterval sets how often pings are sent.
func WithHeartbeatInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.heartbeatInterval = d
		}
	}
}

// WithHeartbeatTimeout sets the silence window after which a connection is
// torn down.
func WithHeartbeatTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.heartbeatTimeout = d
		}
	}
}

// WithSweepInterval sets the deadline sweep period.
func WithSweepInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		if d > 0 {
			m.sweepInterval = d
		}
	}
}

// WithTeardownHook registers an observer for timeout teardowns.
func WithTeardownHook(fn func(conn *Connection, reason error)) MonitorOption {
	return func(m *Monitor) {
		m.onTeardown = fn
	}
}

// NewMonitor creates a monitor over the given registry. Start launches the
// background loop; Beat and Sweep can also be driven directly, which is
// how tests exercise deterministic clocks.
func NewMonitor(registry *Registry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		registry:          registry,
		logger:            slog.Default(),
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		sweepInterval:     DefaultSweepInterval,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the monitor loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
}

// Stop terminates the loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
}

func (m *Monitor) run() {
	defer m.wg.Done()
	heartbeat := time.NewTicker(m.heartbeatInterval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(m.sweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-heartbeat.C:
			m.Beat(time.Now())
		case <-sweep.C:
			m.Sweep(time.Now())
		}
	}
}

// Beat pings every connection and tears down those whose silence exceeds
// the heartbeat timeout.
func (m *Monitor) Beat(now time.Time) {
	for _, conn := range m.registry.All() {
		silent := now.Sub(conn.LastHeartbeat())
		if silent > m.heartbeatTimeout {
			m.logger.Warn("tunnel silent past timeout",
				"endpoint", conn.EndpointID(),
				"silent", silent,
				"timeout", m.heartbeatTimeout)
			conn.Teardown(ErrConnectionTimeout, CloseTimeout)
			m.registry.Remove(conn)
			if m.onTeardown != nil {
				m.onTeardown(conn, ErrConnectionTimeout)
			}
			continue
		}
		if err := conn.Send(wire.NewPing()); err != nil {
			m.logger.Debug("heartbeat send failed", "endpoint", conn.EndpointID(), "error", err)
		}
	}
}

// Sweep expires overdue request deadlines and unattached exec sessions on
// every connection.
func (m *Monitor) Sweep(now time.Time) {
	for _, conn := range m.registry.All() {
		conn.expireDeadlines(now)
	}
}
