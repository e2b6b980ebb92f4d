// Package store provides the non-authoritative persistence backends: the
// SQLite transaction snapshot, the Postgres audit mirror and the receipt
// archivers. Everything here is a best-effort side channel; the
// authorization core never consults a store to make a decision.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meridianlabs/txgate/pkg/gate"
	"github.com/meridianlabs/txgate/pkg/txstate"
)

// SQLiteSnapshotStore persists full transaction snapshots. Save replaces
// the previous snapshot wholesale; Load feeds Machine.Hydrate at startup.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// OpenSQLiteSnapshotStore opens (or creates) the snapshot database at path.
// Use ":memory:" for tests.
func OpenSQLiteSnapshotStore(path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	return NewSQLiteSnapshotStore(db)
}

// NewSQLiteSnapshotStore wraps an existing handle and runs migrations.
func NewSQLiteSnapshotStore(db *sql.DB) (*SQLiteSnapshotStore, error) {
	s := &SQLiteSnapshotStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteSnapshotStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS transactions (
		tx_id TEXT PRIMARY KEY,
		context_id TEXT NOT NULL,
		state TEXT NOT NULL,
		record JSON NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transactions_context ON transactions(context_id);
	CREATE TABLE IF NOT EXISTS attempts (
		attempt_id TEXT PRIMARY KEY,
		tx_id TEXT NOT NULL,
		at DATETIME NOT NULL,
		was_attempt INTEGER NOT NULL,
		allowed INTEGER NOT NULL,
		reason_code TEXT,
		reason TEXT NOT NULL,
		policy_version INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_attempts_tx ON attempts(tx_id);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save implements collab.Persistence. The snapshot is replaced atomically.
func (s *SQLiteSnapshotStore) Save(ctx context.Context, records []txstate.TransactionRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM transactions`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO transactions (tx_id, context_id, state, record, updated_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range records {
		raw, err := json.Marshal(records[i])
		if err != nil {
			return fmt.Errorf("encode record %s: %w", records[i].TxID, err)
		}
		_, err = stmt.ExecContext(ctx, records[i].TxID, records[i].ContextID,
			string(records[i].State), string(raw), records[i].UpdatedAt.UTC().Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("insert record %s: %w", records[i].TxID, err)
		}
	}
	return tx.Commit()
}

// Load implements collab.Persistence. A missing or empty snapshot returns
// nil, nil.
func (s *SQLiteSnapshotStore) Load(ctx context.Context) ([]txstate.TransactionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM transactions`)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []txstate.TransactionRecord
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec txstate.TransactionRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode snapshot record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// SaveAttempts persists gate attempt records. Inserts are keyed by attempt
// id, so re-saving an already persisted log is idempotent.
func (s *SQLiteSnapshotStore) SaveAttempts(ctx context.Context, attempts []gate.AttemptRecord) error {
	if len(attempts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attempt save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO attempts
		(attempt_id, tx_id, at, was_attempt, allowed, reason_code, reason, policy_version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare attempt insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range attempts {
		a := &attempts[i]
		_, err = stmt.ExecContext(ctx, a.AttemptID, a.TxID,
			a.Timestamp.UTC().Format(time.RFC3339Nano),
			a.WasAttempt, a.Allowed, string(a.ReasonCode), a.Reason, a.PolicyVersion)
		if err != nil {
			return fmt.Errorf("insert attempt %s: %w", a.AttemptID, err)
		}
	}
	return tx.Commit()
}

// AttemptsForTransaction returns the persisted attempt log for one
// transaction in insertion order.
func (s *SQLiteSnapshotStore) AttemptsForTransaction(ctx context.Context, txID string) ([]gate.AttemptRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT attempt_id, tx_id, at, was_attempt, allowed, reason_code, reason, policy_version
		FROM attempts WHERE tx_id = ? ORDER BY at, attempt_id`, txID)
	if err != nil {
		return nil, fmt.Errorf("load attempts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var attempts []gate.AttemptRecord
	for rows.Next() {
		var a gate.AttemptRecord
		var at, code string
		if err := rows.Scan(&a.AttemptID, &a.TxID, &at, &a.WasAttempt, &a.Allowed, &code, &a.Reason, &a.PolicyVersion); err != nil {
			return nil, err
		}
		ts, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("decode attempt timestamp: %w", err)
		}
		a.Timestamp = ts
		a.ReasonCode = gate.ReasonCode(code)
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return attempts, nil
}

// Close releases the underlying handle.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}
