// Package postgres provides a PostgreSQL-backed implementation of the
// idempotency store contract, using row-level locking and conditional
// updates to keep the check-or-lock and commit operations atomic.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/R3E-Network/idempotency/idempotency"
)

const (
	statusProcessing = "processing"
	statusCommitted  = "committed"
)

var errCommitLost = errors.New("postgres: no processing record to commit, lock expired or already committed")

// Store implements idempotency.Store, idempotency.LockReleaser and
// idempotency.AuditRecorder against a PostgreSQL database reached through
// database/sql and lib/pq.
type Store struct {
	db *sql.DB
}

// New wraps an already-opened *sql.DB. Callers should run Migrate once
// before serving traffic.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// AtomicCheckAndLock implements idempotency.Store using a serializable
// transaction: it first attempts an unconditional insert, and only falls
// back to SELECT ... FOR UPDATE when a row already occupies the key.
func (s *Store) AtomicCheckAndLock(ctx context.Context, key, fingerprint string, lockTTL time.Duration) (idempotency.CheckResult, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return idempotency.CheckResult{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	expiresAt := now.Add(lockTTL)

	inserted, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, status, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (key) DO NOTHING
	`, key, statusProcessing, now, expiresAt)
	if err != nil {
		return idempotency.CheckResult{}, err
	}
	if rows, err := inserted.RowsAffected(); err != nil {
		return idempotency.CheckResult{}, err
	} else if rows == 1 {
		if err := tx.Commit(); err != nil {
			return idempotency.CheckResult{}, err
		}
		return idempotency.CheckResult{Outcome: idempotency.OutcomeAcquired}, nil
	}

	var status, storedFingerprint string
	var result []byte
	var createdAt, rowExpiresAt time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT status, fingerprint, result, created_at, expires_at
		FROM idempotency_records WHERE key = $1 FOR UPDATE
	`, key).Scan(&status, &storedFingerprint, &result, &createdAt, &rowExpiresAt)
	if err != nil {
		return idempotency.CheckResult{}, err
	}

	if now.After(rowExpiresAt) || (status != statusProcessing && status != statusCommitted) {
		// Expired lock, or an unrecognized status: treat as absent and
		// reclaim the row, per the store contract's defensive requirement.
		if _, err := tx.ExecContext(ctx, `
			UPDATE idempotency_records
			SET status = $2, fingerprint = '', result = NULL, created_at = $3, expires_at = $4
			WHERE key = $1
		`, key, statusProcessing, now, expiresAt); err != nil {
			return idempotency.CheckResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return idempotency.CheckResult{}, err
		}
		return idempotency.CheckResult{Outcome: idempotency.OutcomeAcquired}, nil
	}

	if err := tx.Commit(); err != nil {
		return idempotency.CheckResult{}, err
	}

	if status == statusProcessing {
		return idempotency.CheckResult{Outcome: idempotency.OutcomeLocked}, nil
	}
	return idempotency.CheckResult{
		Outcome:     idempotency.OutcomeExists,
		Fingerprint: storedFingerprint,
		Result:      result,
		CreatedAt:   createdAt,
	}, nil
}

// CommitResult implements idempotency.Store, only applying the update if
// the row is still in the processing state.
func (s *Store) CommitResult(ctx context.Context, key, fingerprint string, result []byte, retention time.Duration) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE idempotency_records
		SET status = $2, fingerprint = $3, result = $4, created_at = $5, expires_at = $6
		WHERE key = $1 AND status = $7 AND expires_at > $8
	`, key, statusCommitted, fingerprint, result, now, now.Add(retention), statusProcessing, now)
	if err != nil {
		return err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return errCommitLost
	}
	return nil
}

// ReleaseLock implements idempotency.LockReleaser, deleting the row only
// while it is still in the processing state.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE key = $1 AND status = $2
	`, key, statusProcessing)
	return err
}

// RecordAudit implements idempotency.AuditRecorder, appending a row to the
// append-only audit log table.
func (s *Store) RecordAudit(ctx context.Context, event idempotency.Event) error {
	metadataJSON, err := json.Marshal(event.Metadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO idempotency_audit_log (key, action, fingerprint, stored_fingerprint, metadata, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, event.Key, string(event.Action), event.Fingerprint, event.StoredFingerprint, metadataJSON, event.Timestamp)
	return err
}

// AuditLog returns the audit events recorded for key, oldest first.
func (s *Store) AuditLog(ctx context.Context, key string) ([]idempotency.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT action, fingerprint, stored_fingerprint, metadata, recorded_at
		FROM idempotency_audit_log WHERE key = $1 ORDER BY recorded_at ASC
	`, key)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []idempotency.Event
	for rows.Next() {
		var action, fingerprint, storedFingerprint string
		var metadataJSON []byte
		var recordedAt time.Time
		if err := rows.Scan(&action, &fingerprint, &storedFingerprint, &metadataJSON, &recordedAt); err != nil {
			return nil, err
		}
		event := idempotency.Event{
			Key:               key,
			Action:            idempotency.Action(action),
			Fingerprint:       fingerprint,
			StoredFingerprint: storedFingerprint,
			Timestamp:         recordedAt,
		}
		if len(metadataJSON) > 0 {
			_ = json.Unmarshal(metadataJSON, &event.Metadata)
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// Close implements idempotency.Closer, closing the underlying connection
// pool.
func (s *Store) Close() error {
	return s.db.Close()
}
