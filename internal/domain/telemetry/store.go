package telemetry

import "context"

// MetricsStore persists agent metrics snapshots.
// Interface owned by domain per hexagonal architecture.
// Implementations handle batching and retention.
type MetricsStore interface {
	// AppendMetrics stores metrics records.
	AppendMetrics(ctx context.Context, records ...MetricsRecord) error

	// RecentMetrics returns up to limit records for an endpoint, newest first.
	// An empty endpointID returns records across all endpoints.
	RecentMetrics(ctx context.Context, endpointID string, limit int) ([]MetricsRecord, error)

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// EventStore persists container events.
type EventStore interface {
	// AppendEvents stores event records.
	AppendEvents(ctx context.Context, records ...EventRecord) error

	// RecentEvents returns up to limit records for an endpoint, newest first.
	// An empty endpointID returns records across all endpoints.
	RecentEvents(ctx context.Context, endpointID string, limit int) ([]EventRecord, error)

	// Flush forces pending records to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}
