// Package telemetry contains domain types for agent-pushed telemetry:
// host metrics snapshots and Docker container events.
package telemetry

import (
	"encoding/json"
	"time"
)

// MetricsRecord is a single host metrics snapshot pushed by an agent.
// The payload is stored as opaque JSON; the server does not interpret it.
type MetricsRecord struct {
	// EndpointID identifies the agent that produced the snapshot.
	EndpointID string `json:"endpoint_id"`
	// Timestamp is the agent-side capture time (UTC).
	Timestamp time.Time `json:"timestamp"`
	// ReceivedAt is when the server ingested the snapshot (UTC).
	ReceivedAt time.Time `json:"received_at"`
	// Payload is the raw metrics document as sent by the agent.
	Payload json.RawMessage `json:"payload"`
}

// EventRecord is a single Docker container event relayed by an agent.
// The payload is the Engine API event object, stored without interpretation.
type EventRecord struct {
	// EndpointID identifies the agent that relayed the event.
	EndpointID string `json:"endpoint_id"`
	// Timestamp is the agent-side event time (UTC).
	Timestamp time.Time `json:"timestamp"`
	// ReceivedAt is when the server ingested the event (UTC).
	ReceivedAt time.Time `json:"received_at"`
	// Payload is the raw Engine API event document.
	Payload json.RawMessage `json:"payload"`
}
