package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/dockhand-io/dockhand/pkg/wire"
)

// MetricsCollector gathers one snapshot per push interval. The payload
// travels to the server uninterpreted, so collectors are free to report
// whatever the operator wants to see.
type MetricsCollector interface {
	Collect(ctx context.Context) (json.RawMessage, error)
}

// runtimeCollector is the default collector: process and host basics
// sourced from the Go runtime. Deliberately dependency-free; richer
// host metrics can be plugged in via WithCollector.
type runtimeCollector struct {
	hostname string
	started  time.Time
}

// NewRuntimeCollector builds the default host metrics collector.
func NewRuntimeCollector() MetricsCollector {
	hostname, _ := os.Hostname()
	return &runtimeCollector{
		hostname: hostname,
		started:  time.Now(),
	}
}

type runtimeSnapshot struct {
	Hostname       string `json:"hostname,omitempty"`
	OS             string `json:"os"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	Goroutines     int    `json:"goroutines"`
	HeapAllocBytes uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes   uint64 `json:"heap_sys_bytes"`
	GCCycles       uint32 `json:"gc_cycles"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}

func (c *runtimeCollector) Collect(context.Context) (json.RawMessage, error) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	snap := runtimeSnapshot{
		Hostname:       c.hostname,
		OS:             runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: mem.HeapAlloc,
		HeapSysBytes:   mem.HeapSys,
		GCCycles:       mem.NumGC,
		UptimeSeconds:  int64(time.Since(c.started).Seconds()),
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("marshal metrics snapshot: %w", err)
	}
	return payload, nil
}

// pushMetrics sends one snapshot immediately so a fresh connection shows
// up with data, then keeps the cadence until the session ends.
func (s *session) pushMetrics(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.agent.metricsInterval)
	defer ticker.Stop()

	for {
		payload, err := s.agent.collector.Collect(ctx)
		if err != nil {
			s.agent.logger.Warn("metrics collection failed", "error", err)
		} else if !s.send(wire.NewMetrics(time.Now(), payload)) {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
		}
	}
}
