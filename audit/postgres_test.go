package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/penserai/acteon/domain"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "sqlmock")
	return NewPostgresStore(sqlxDB, WithPostgresHashChain(true)), mock
}

func TestPostgresStore_WriteAdvancesSequenceInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO audit_sequences`).
		WithArgs("acme", "t1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT last_sequence, last_hash FROM audit_sequences`).
		WithArgs("acme", "t1").
		WillReturnRows(sqlmock.NewRows([]string{"last_sequence", "last_hash"}).AddRow(int64(4), "prevhash"))
	mock.ExpectExec(`INSERT INTO audit_records`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(`UPDATE audit_sequences SET last_sequence`).
		WithArgs(int64(5), sqlmock.AnyArg(), "acme", "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	rec := newTestRecord("acme", "t1", "a5", now)
	committed, err := store.Write(ctx, rec)
	require.NoError(t, err)
	require.Equal(t, int64(5), committed.SequenceNumber)
	require.Equal(t, "prevhash", committed.PreviousHash)
	require.NotEmpty(t, committed.RecordHash)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetReturnsNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	cols := []string{
		"id", "action_id", "chain_id", "namespace", "tenant", "provider", "action_type", "caller",
		"verdict", "matched_rule", "outcome_kind", "payload", "duration_ms", "dispatched_at",
		"completed_at", "expires_at", "record_hash", "previous_hash", "sequence_number", "compliance_hold",
	}
	mock.ExpectQuery(`SELECT .* FROM audit_records`).
		WithArgs("acme", "t1", "missing").
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := store.Get(ctx, "acme", "t1", "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CleanupExpiredReturnsRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`DELETE FROM audit_records`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))

	removed, err := store.CleanupExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, int64(3), removed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendDLQ(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO dead_letter_entries`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.AppendDLQ(ctx, domain.DeadLetterEntry{
		ID: "d1", Tenant: "t1", ActionID: "a1", Provider: "webhook", Reason: "retries exhausted",
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
