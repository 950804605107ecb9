package memory

import (
	"context"
	"sync"

	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
)

const defaultTelemetryCap = 1000

// TelemetryStore implements telemetry.MetricsStore and
// telemetry.EventStore with bounded in-memory ring buffers. The default
// store when no durable backend is configured.
type TelemetryStore struct {
	mu      sync.Mutex
	metrics []telemetry.MetricsRecord
	events  []telemetry.EventRecord
	cap     int
}

// NewTelemetryStore creates a telemetry store. An optional capacity
// parameter sets the per-buffer size (default 1000).
func NewTelemetryStore(capacity ...int) *TelemetryStore {
	cap := defaultTelemetryCap
	if len(capacity) > 0 && capacity[0] > 0 {
		cap = capacity[0]
	}
	return &TelemetryStore{
		metrics: make([]telemetry.MetricsRecord, 0, cap),
		events:  make([]telemetry.EventRecord, 0, cap),
		cap:     cap,
	}
}

// AppendMetrics stores metrics records in the ring buffer.
func (s *TelemetryStore) AppendMetrics(ctx context.Context, records ...telemetry.MetricsRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if len(s.metrics) >= s.cap {
			// Shift left, drop oldest.
			copy(s.metrics, s.metrics[1:])
			s.metrics[len(s.metrics)-1] = r
		} else {
			s.metrics = append(s.metrics, r)
		}
	}
	return nil
}

// RecentMetrics returns the most recent metrics records, newest first.
// An empty endpointID matches all endpoints.
func (s *TelemetryStore) RecentMetrics(ctx context.Context, endpointID string, limit int) ([]telemetry.MetricsRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []telemetry.MetricsRecord
	for i := len(s.metrics) - 1; i >= 0 && len(result) < limit; i-- {
		if endpointID != "" && s.metrics[i].EndpointID != endpointID {
			continue
		}
		result = append(result, s.metrics[i])
	}
	return result, nil
}

// AppendEvents stores event records in the ring buffer.
func (s *TelemetryStore) AppendEvents(ctx context.Context, records ...telemetry.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if len(s.events) >= s.cap {
			copy(s.events, s.events[1:])
			s.events[len(s.events)-1] = r
		} else {
			s.events = append(s.events, r)
		}
	}
	return nil
}

// RecentEvents returns the most recent event records, newest first.
// An empty endpointID matches all endpoints.
func (s *TelemetryStore) RecentEvents(ctx context.Context, endpointID string, limit int) ([]telemetry.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}

	var result []telemetry.EventRecord
	for i := len(s.events) - 1; i >= 0 && len(result) < limit; i-- {
		if endpointID != "" && s.events[i].EndpointID != endpointID {
			continue
		}
		result = append(result, s.events[i])
	}
	return result, nil
}

// Flush forces pending records to storage.
// No-op for this implementation (no buffering).
func (s *TelemetryStore) Flush(ctx context.Context) error {
	return nil
}

// Close releases resources.
func (s *TelemetryStore) Close() error {
	return nil
}

// Compile-time interface verification.
var (
	_ telemetry.MetricsStore = (*TelemetryStore)(nil)
	_ telemetry.EventStore   = (*TelemetryStore)(nil)
)
