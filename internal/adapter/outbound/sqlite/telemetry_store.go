// Package sqlite provides a durable telemetry sink backed by an embedded
// SQLite database. Selected over the in-memory sink via `sinks.backend:
// sqlite`; survives restarts and supports retention-based pruning.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/dockhand-io/dockhand/internal/domain/telemetry"
)

const schema = `
CREATE TABLE IF NOT EXISTS metrics (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id TEXT    NOT NULL,
	ts          INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_endpoint_ts ON metrics (endpoint_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_received ON metrics (received_at);

CREATE TABLE IF NOT EXISTS events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint_id TEXT    NOT NULL,
	ts          INTEGER NOT NULL,
	received_at INTEGER NOT NULL,
	payload     BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_events_endpoint_ts ON events (endpoint_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_received ON events (received_at);
`

const (
	defaultPruneInterval = time.Hour
	defaultQueryLimit    = 100
)

// TelemetryStore implements telemetry.MetricsStore and
// telemetry.EventStore on SQLite. Timestamps are stored as Unix
// milliseconds; payloads are stored as opaque blobs.
type TelemetryStore struct {
	db            *sql.DB
	logger        *slog.Logger
	retention     time.Duration
	pruneInterval time.Duration

	stop chan struct{}
	wg   sync.WaitGroup
}

// Option configures a TelemetryStore.
type Option func(*TelemetryStore)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *TelemetryStore) {
		s.logger = logger
	}
}

// WithRetention enables background pruning of records older than d.
// Zero disables pruning entirely.
func WithRetention(d time.Duration) Option {
	return func(s *TelemetryStore) {
		s.retention = d
	}
}

// WithPruneInterval sets how often the retention sweep runs.
func WithPruneInterval(d time.Duration) Option {
	return func(s *TelemetryStore) {
		if d > 0 {
			s.pruneInterval = d
		}
	}
}

// New opens (or creates) the database at path, bootstraps the schema and
// starts the retention sweeper when a retention window is configured.
func New(path string, opts ...Option) (*TelemetryStore, error) {
	s := &TelemetryStore{
		logger:        slog.Default(),
		pruneInterval: defaultPruneInterval,
		stop:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	// WAL keeps readers unblocked during ingest bursts; the busy timeout
	// covers writer contention across connections.
	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY churn under concurrent appends.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap sqlite schema: %w", err)
	}
	s.db = db

	if s.retention > 0 {
		s.wg.Add(1)
		go s.pruneLoop()
	}

	s.logger.Info("sqlite telemetry store opened",
		"path", path, "retention", s.retention.String())
	return s, nil
}

// AppendMetrics stores metrics records in a single transaction.
func (s *TelemetryStore) AppendMetrics(ctx context.Context, records ...telemetry.MetricsRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics (endpoint_id, ts, received_at, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare metrics insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.EndpointID, r.Timestamp.UTC().UnixMilli(), r.ReceivedAt.UTC().UnixMilli(), []byte(r.Payload))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert metrics record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics: %w", err)
	}
	return nil
}

// RecentMetrics returns up to limit records, newest first. An empty
// endpointID matches all endpoints.
func (s *TelemetryStore) RecentMetrics(ctx context.Context, endpointID string, limit int) ([]telemetry.MetricsRecord, error) {
	rows, err := s.queryRecent(ctx, "metrics", endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.MetricsRecord
	for rows.Next() {
		var (
			ep       string
			ts, recv int64
			payload  []byte
		)
		if err := rows.Scan(&ep, &ts, &recv, &payload); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		result = append(result, telemetry.MetricsRecord{
			EndpointID: ep,
			Timestamp:  time.UnixMilli(ts).UTC(),
			ReceivedAt: time.UnixMilli(recv).UTC(),
			Payload:    payload,
		})
	}
	return result, rows.Err()
}

// AppendEvents stores event records in a single transaction.
func (s *TelemetryStore) AppendEvents(ctx context.Context, records ...telemetry.EventRecord) error {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin events transaction: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (endpoint_id, ts, received_at, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare events insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.EndpointID, r.Timestamp.UTC().UnixMilli(), r.ReceivedAt.UTC().UnixMilli(), []byte(r.Payload))
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert event record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit events: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit records, newest first. An empty
// endpointID matches all endpoints.
func (s *TelemetryStore) RecentEvents(ctx context.Context, endpointID string, limit int) ([]telemetry.EventRecord, error) {
	rows, err := s.queryRecent(ctx, "events", endpointID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []telemetry.EventRecord
	for rows.Next() {
		var (
			ep       string
			ts, recv int64
			payload  []byte
		)
		if err := rows.Scan(&ep, &ts, &recv, &payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		result = append(result, telemetry.EventRecord{
			EndpointID: ep,
			Timestamp:  time.UnixMilli(ts).UTC(),
			ReceivedAt: time.UnixMilli(recv).UTC(),
			Payload:    payload,
		})
	}
	return result, rows.Err()
}

// queryRecent runs the newest-first query for one table. The table name
// is one of the two fixed schema tables, never caller input.
func (s *TelemetryStore) queryRecent(ctx context.Context, table, endpointID string, limit int) (*sql.Rows, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}

	query := fmt.Sprintf(
		`SELECT endpoint_id, ts, received_at, payload FROM %s ORDER BY ts DESC, id DESC LIMIT ?`, table)
	args := []any{limit}
	if endpointID != "" {
		query = fmt.Sprintf(
			`SELECT endpoint_id, ts, received_at, payload FROM %s WHERE endpoint_id = ? ORDER BY ts DESC, id DESC LIMIT ?`, table)
		args = []any{endpointID, limit}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	return rows, nil
}

// Prune deletes records received before the cutoff from both tables and
// returns the number of rows removed.
func (s *TelemetryStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for _, table := range []string{"metrics", "events"} {
		res, err := s.db.ExecContext(ctx,
			fmt.Sprintf(`DELETE FROM %s WHERE received_at < ?`, table), cutoff.UTC().UnixMilli())
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		if n, err := res.RowsAffected(); err == nil {
			total += n
		}
	}
	return total, nil
}

// pruneLoop runs the retention sweep until Close.
func (s *TelemetryStore) pruneLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.pruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.retention)
			removed, err := s.Prune(context.Background(), cutoff)
			if err != nil {
				s.logger.Error("telemetry retention sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.Debug("telemetry retention sweep", "removed", removed, "cutoff", cutoff.UTC())
			}
		}
	}
}

// Flush is a no-op: appends are committed synchronously.
func (s *TelemetryStore) Flush(ctx context.Context) error {
	return nil
}

// Close stops the retention sweeper and closes the database.
func (s *TelemetryStore) Close() error {
	select {
	case <-s.stop:
	default:
		close(s.stop)
	}
	s.wg.Wait()
	return s.db.Close()
}

// Compile-time interface verification.
var (
	_ telemetry.MetricsStore = (*TelemetryStore)(nil)
	_ telemetry.EventStore   = (*TelemetryStore)(nil)
)
