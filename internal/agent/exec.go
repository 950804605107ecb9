package agent

import (
	"context"
	"fmt"

	"github.com/dockhand-io/dockhand/internal/domain/tunnel"
	"github.com/dockhand-io/dockhand/internal/port/outbound"
	"github.com/dockhand-io/dockhand/pkg/wire"
)

// startExec reserves the exec id and attaches the terminal off the
// reader goroutine. The reservation keeps a racing exec_end or teardown
// from missing a session that is still attaching.
func (s *session) startExec(ctx context.Context, env *wire.Envelope) {
	spec := tunnel.ExecSpec{
		ContainerID: env.ContainerID,
		Cmd:         env.Cmd,
		User:        env.User,
		Cols:        env.Cols,
		Rows:        env.Rows,
	}

	s.mu.Lock()
	if _, exists := s.execs[env.ExecID]; exists {
		s.mu.Unlock()
		s.agent.logger.Warn("duplicate exec id from server", "exec_id", env.ExecID)
		return
	}
	s.execs[env.ExecID] = nil
	s.mu.Unlock()

	s.wg.Add(1)
	go s.attachExec(ctx, env.ExecID, spec)
}

func (s *session) attachExec(ctx context.Context, execID string, spec tunnel.ExecSpec) {
	defer s.wg.Done()

	// The server discards terminal output it sees before exec_ready, so
	// both runner callbacks hold until that frame is in the outbox.
	ready := make(chan struct{})
	onOutput := func(data []byte, _ string) {
		<-ready
		s.send(wire.NewExecOutput(execID, data))
	}
	onExit := func(reason string) {
		<-ready
		if s.removeExec(execID) {
			s.send(wire.NewExecEnd(execID, reason))
		}
	}

	proc, err := s.agent.runner.Start(ctx, spec, onOutput, onExit)
	if err != nil {
		close(ready)
		s.removeExec(execID)
		s.agent.logger.Warn("exec attach failed",
			"exec_id", execID, "container_id", spec.ContainerID, "error", err)
		s.send(wire.NewError("", execID, fmt.Sprintf("exec attach failed: %v", err)))
		return
	}

	s.mu.Lock()
	if _, reserved := s.execs[execID]; !reserved {
		// Ended or torn down while attaching; nobody wants this terminal.
		s.mu.Unlock()
		close(ready)
		_ = proc.Close()
		return
	}
	s.execs[execID] = proc
	s.mu.Unlock()

	s.send(wire.NewExecReady(execID))
	close(ready)
	s.agent.logger.Info("exec session attached",
		"exec_id", execID, "container_id", spec.ContainerID)
}

func (s *session) execInput(env *wire.Envelope) {
	proc := s.getExec(env.ExecID)
	if proc == nil {
		return
	}
	data, err := wire.DecodeData(env.Data)
	if err != nil {
		s.agent.logger.Warn("malformed exec input", "exec_id", env.ExecID, "error", err)
		return
	}
	if err := proc.Write(data); err != nil {
		s.agent.logger.Debug("exec input write failed", "exec_id", env.ExecID, "error", err)
	}
}

func (s *session) execResize(env *wire.Envelope) {
	proc := s.getExec(env.ExecID)
	if proc == nil {
		return
	}
	if err := proc.Resize(env.Cols, env.Rows); err != nil {
		s.agent.logger.Debug("exec resize failed", "exec_id", env.ExecID, "error", err)
	}
}

// execEnd releases a terminal on the server's order. Removing the id
// first keeps the runner's exit callback from echoing an exec_end the
// server no longer expects.
func (s *session) execEnd(env *wire.Envelope) {
	s.mu.Lock()
	proc, ok := s.execs[env.ExecID]
	if ok {
		delete(s.execs, env.ExecID)
	}
	s.mu.Unlock()
	if !ok || proc == nil {
		return
	}
	_ = proc.Close()
}

// getExec returns the attached process, or nil while the attach is still
// in flight or the id is unknown.
func (s *session) getExec(execID string) outbound.ExecProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[execID]
}

func (s *session) removeExec(execID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[execID]; !ok {
		return false
	}
	delete(s.execs, execID)
	return true
}
