// Package service contains application services.
package service

import (
	"sync"
	"sync/atomic"
)

// StatsService tracks tunnel runtime statistics using lock-free atomic
// counters. All counter operations are safe for concurrent access from
// multiple goroutines.
type StatsService struct {
	dispatches   atomic.Int64
	streams      atomic.Int64
	execs        atomic.Int64
	denied       atomic.Int64
	errors       atomic.Int64
	connects     atomic.Int64
	replacements atomic.Int64

	// Inbound frame counts by wire type (mutex-protected map).
	mu          sync.Mutex
	frameCounts map[string]int64
}

// NewStatsService creates a new StatsService with all counters initialized
// to zero.
func NewStatsService() *StatsService {
	return &StatsService{
		frameCounts: make(map[string]int64),
	}
}

// RecordDispatch increments the unary dispatch counter.
func (s *StatsService) RecordDispatch() {
	s.dispatches.Add(1)
}

// RecordStream increments the opened-stream counter.
func (s *StatsService) RecordStream() {
	s.streams.Add(1)
}

// RecordExec increments the exec session counter.
func (s *StatsService) RecordExec() {
	s.execs.Add(1)
}

// RecordDeny increments the policy denial counter.
func (s *StatsService) RecordDeny() {
	s.denied.Add(1)
}

// RecordError increments the failed-operation counter.
func (s *StatsService) RecordError() {
	s.errors.Add(1)
}

// RecordConnect increments the completed-handshake counter.
func (s *StatsService) RecordConnect() {
	s.connects.Add(1)
}

// RecordReplacement increments the connection replacement counter.
func (s *StatsService) RecordReplacement() {
	s.replacements.Add(1)
}

// RecordFrame increments the counter for the given inbound frame type.
// Empty strings are skipped.
func (s *StatsService) RecordFrame(frameType string) {
	if frameType == "" {
		return
	}
	s.mu.Lock()
	s.frameCounts[frameType]++
	s.mu.Unlock()
}

// Stats holds a snapshot of all counters at a point in time.
type Stats struct {
	Dispatches   int64            `json:"dispatches"`
	Streams      int64            `json:"streams"`
	Execs        int64            `json:"execs"`
	Denied       int64            `json:"denied"`
	Errors       int64            `json:"errors"`
	Connects     int64            `json:"connects"`
	Replacements int64            `json:"replacements"`
	FrameCounts  map[string]int64 `json:"frame_counts"`
}

// GetStats returns a snapshot of all counters.
// The snapshot is consistent per-counter but not atomically across all counters.
func (s *StatsService) GetStats() Stats {
	s.mu.Lock()
	fc := make(map[string]int64, len(s.frameCounts))
	for k, v := range s.frameCounts {
		fc[k] = v
	}
	s.mu.Unlock()

	return Stats{
		Dispatches:   s.dispatches.Load(),
		Streams:      s.streams.Load(),
		Execs:        s.execs.Load(),
		Denied:       s.denied.Load(),
		Errors:       s.errors.Load(),
		Connects:     s.connects.Load(),
		Replacements: s.replacements.Load(),
		FrameCounts:  fc,
	}
}

// Reset sets all counters to zero.
func (s *StatsService) Reset() {
	s.dispatches.Store(0)
	s.streams.Store(0)
	s.execs.Store(0)
	s.denied.Store(0)
	s.errors.Store(0)
	s.connects.Store(0)
	s.replacements.Store(0)

	s.mu.Lock()
	s.frameCounts = make(map[string]int64)
	s.mu.Unlock()
}
