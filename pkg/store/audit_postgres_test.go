package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockAuditStore(t *testing.T) (*PostgresAuditStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	s, err := NewPostgresAuditStore(db)
	require.NoError(t, err)
	return s, mock
}

func TestAuditRecordInserts(t *testing.T) {
	s, mock := newMockAuditStore(t)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), "submit", "tx-1", "ctx-1", "SUBMIT", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), "submit", "tx-1", "ctx-1", "SUBMIT", map[string]any{"slot": 42})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditRecordNilMetadata(t *testing.T) {
	s, mock := newMockAuditStore(t)

	mock.ExpectExec("INSERT INTO audit_events").
		WithArgs(sqlmock.AnyArg(), "create", "tx-1", "ctx-1", "NEW", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Record(context.Background(), "create", "tx-1", "ctx-1", "NEW", nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEventsForTransaction(t *testing.T) {
	s, mock := newMockAuditStore(t)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT stage, state, recorded_at FROM audit_events").
		WithArgs("tx-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage", "state", "recorded_at"}).
			AddRow("create", "NEW", at).
			AddRow("submit", "SUBMIT", at.Add(time.Minute)))

	events, err := s.EventsForTransaction(context.Background(), "tx-1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "create", events[0]["stage"])
	assert.Equal(t, "SUBMIT", events[1]["state"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
