package tunnel

import (
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const defaultShardCount = 16

// Registry holds at most one live connection per endpoint. It is an
// explicit, injected object constructed at process start; nothing in this
// package keeps global state.
//
// The map is sharded by endpoint id so the replacement sequence, which
// serializes registration against dispatch lookups, only contends within
// one shard.
type Registry struct {
	logger *slog.Logger
	shards []*registryShard
}

type registryShard struct {
	mu    sync.Mutex
	conns map[string]*Connection
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the registry logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger
	}
}

// WithShardCount overrides the number of shards.
func WithShardCount(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.shards = make([]*registryShard, n)
		}
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default(),
		shards: make([]*registryShard, defaultShardCount),
	}
	for _, opt := range opts {
		opt(r)
	}
	for i := range r.shards {
		r.shards[i] = &registryShard{conns: make(map[string]*Connection)}
	}
	return r
}

func (r *Registry) shardFor(endpointID string) *registryShard {
	h := xxhash.Sum64String(endpointID)
	return r.shards[h%uint64(len(r.shards))]
}

// Register installs conn as the sole connection for its endpoint and
// reports whether an older connection was displaced.
//
// Replacement is indivisible with respect to Get: the old connection's
// pending requests are failed with ErrReplaced, its stream consumers see
// on-error, and its transport is closed with a normal closure code, all
// before the new connection becomes visible. A dispatch racing with
// replacement observes either the fully-old connection (and fails with
// ErrReplaced) or the fully-new one, never an in-between state.
func (r *Registry) Register(conn *Connection) (replaced bool) {
	s := r.shardFor(conn.EndpointID())
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.conns[conn.EndpointID()]; ok {
		old.Teardown(ErrReplaced, CloseNormal)
		replaced = true
		r.logger.Info("tunnel replaced",
			"endpoint", conn.EndpointID(),
			"old_connection", old.ID(),
			"new_connection", conn.ID())
	}
	s.conns[conn.EndpointID()] = conn
	return replaced
}

// Get returns the live connection for an endpoint.
func (r *Registry) Get(endpointID string) (*Connection, bool) {
	s := r.shardFor(endpointID)
	s.mu.Lock()
	defer s.mu.Unlock()
	conn, ok := s.conns[endpointID]
	return conn, ok
}

// Remove drops conn if it is still the registered connection for its
// endpoint and reports whether it was. A replacement that already took the
// slot is left alone, so a stale reader loop cannot evict its successor.
func (r *Registry) Remove(conn *Connection) bool {
	s := r.shardFor(conn.EndpointID())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.EndpointID()] != conn {
		return false
	}
	delete(s.conns, conn.EndpointID())
	return true
}

// All snapshots the registered connections in no particular order.
func (r *Registry) All() []*Connection {
	var out []*Connection
	for _, s := range r.shards {
		s.mu.Lock()
		for _, conn := range s.conns {
			out = append(out, conn)
		}
		s.mu.Unlock()
	}
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.conns)
		s.mu.Unlock()
	}
	return n
}
