package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/google/uuid"
)

// PostgresAuditStore mirrors lifecycle audit events into Postgres for
// fleet-wide querying. It implements audit.Recorder; like every audit
// sink it is best-effort from the pipeline's point of view.
type PostgresAuditStore struct {
	db *sql.DB
}

// OpenPostgresAuditStore connects with the given DSN and runs migrations.
func OpenPostgresAuditStore(dsn string) (*PostgresAuditStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return NewPostgresAuditStore(db)
}

// NewPostgresAuditStore wraps an existing handle and runs migrations.
func NewPostgresAuditStore(db *sql.DB) (*PostgresAuditStore, error) {
	s := &PostgresAuditStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresAuditStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_events (
		id TEXT PRIMARY KEY,
		stage TEXT NOT NULL,
		tx_id TEXT NOT NULL,
		context_id TEXT NOT NULL,
		state TEXT NOT NULL,
		metadata JSONB,
		recorded_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_events_tx ON audit_events(tx_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Record implements audit.Recorder.
func (s *PostgresAuditStore) Record(ctx context.Context, stage, txID, contextID, state string, metadata map[string]any) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_events (id, stage, tx_id, context_id, state, metadata, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		uuid.New().String(), stage, txID, contextID, state, metaJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

// EventsForTransaction returns the mirrored events for one transaction.
func (s *PostgresAuditStore) EventsForTransaction(ctx context.Context, txID string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage, state, recorded_at FROM audit_events WHERE tx_id = $1 ORDER BY recorded_at`, txID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []map[string]any
	for rows.Next() {
		var stage, state string
		var at time.Time
		if err := rows.Scan(&stage, &state, &at); err != nil {
			return nil, err
		}
		events = append(events, map[string]any{"stage": stage, "state": state, "recorded_at": at})
	}
	return events, rows.Err()
}

// Close releases the underlying handle.
func (s *PostgresAuditStore) Close() error {
	return s.db.Close()
}
