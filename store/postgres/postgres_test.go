package postgres

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/idempotency/idempotency"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestAtomicCheckAndLockInsertAcquires(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs("k1", statusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeAcquired, result.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicCheckAndLockSecondLocked(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs("k1", statusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, fingerprint, result, created_at, expires_at")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(statusProcessing, "", nil, time.Now().UTC(), time.Now().UTC().Add(time.Hour)))
	mock.ExpectCommit()

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeLocked, result.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicCheckAndLockExistingCommitted(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs("k1", statusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, fingerprint, result, created_at, expires_at")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(statusCommitted, "fp1", []byte("result"), time.Now().UTC(), time.Now().UTC().Add(24*time.Hour)))
	mock.ExpectCommit()

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeExists, result.Outcome)
	assert.Equal(t, "fp1", result.Fingerprint)
	assert.Equal(t, []byte("result"), result.Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAtomicCheckAndLockExpiredRowReclaimed(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_records")).
		WithArgs("k1", statusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT status, fingerprint, result, created_at, expires_at")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "fingerprint", "result", "created_at", "expires_at"}).
			AddRow(statusProcessing, "", nil, time.Now().UTC().Add(-time.Hour), time.Now().UTC().Add(-time.Minute)))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WithArgs("k1", statusProcessing, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := store.AtomicCheckAndLock(ctx, "k1", "fp2", time.Second)
	require.NoError(t, err)
	assert.Equal(t, idempotency.OutcomeAcquired, result.Outcome)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitResultSuccess(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WithArgs("k1", statusCommitted, "fp1", []byte("result"), sqlmock.AnyArg(), sqlmock.AnyArg(), statusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.CommitResult(ctx, "k1", "fp1", []byte("result"), time.Hour)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitResultNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WithArgs("k1", statusCommitted, "fp1", []byte("result"), sqlmock.AnyArg(), sqlmock.AnyArg(), statusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CommitResult(ctx, "k1", "fp1", []byte("result"), time.Hour)
	assert.True(t, errors.Is(err, errCommitLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitResultAfterExpiryFails(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_records")).
		WithArgs("k1", statusCommitted, "fp1", []byte("too-late"), sqlmock.AnyArg(), sqlmock.AnyArg(), statusProcessing, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CommitResult(ctx, "k1", "fp1", []byte("too-late"), time.Hour)
	assert.True(t, errors.Is(err, errCommitLost))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseLock(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM idempotency_records")).
		WithArgs("k1", statusProcessing).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.ReleaseLock(ctx, "k1")
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordAudit(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_audit_log")).
		WithArgs("k1", "hit", "fp1", "", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.RecordAudit(ctx, idempotency.Event{
		Key:         "k1",
		Action:      idempotency.ActionHit,
		Fingerprint: "fp1",
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAuditLog(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT action, fingerprint, stored_fingerprint, metadata, recorded_at")).
		WithArgs("k1").
		WillReturnRows(sqlmock.NewRows([]string{"action", "fingerprint", "stored_fingerprint", "metadata", "recorded_at"}).
			AddRow("hit", "fp1", "", []byte(`{"order_id":"o-1"}`), time.Now().UTC()))

	events, err := store.AuditLog(ctx, "k1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, idempotency.ActionHit, events[0].Action)
	assert.Equal(t, "o-1", events[0].Metadata["order_id"])
	assert.NoError(t, mock.ExpectationsWereMet())
}
