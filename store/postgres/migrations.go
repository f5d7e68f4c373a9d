package postgres

import (
	"context"
	"database/sql"
)

// Migrate creates the tables this adapter needs if they are not already
// present. It is safe to call on every process start.
func Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_records (
			key          TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			fingerprint  TEXT NOT NULL DEFAULT '',
			result       BYTEA,
			created_at   TIMESTAMPTZ NOT NULL,
			expires_at   TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idempotency_records_expires_at_idx
			ON idempotency_records (expires_at)
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_audit_log (
			id                  BIGSERIAL PRIMARY KEY,
			key                 TEXT NOT NULL,
			action              TEXT NOT NULL,
			fingerprint         TEXT NOT NULL DEFAULT '',
			stored_fingerprint  TEXT NOT NULL DEFAULT '',
			metadata            JSONB,
			recorded_at         TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idempotency_audit_log_key_idx
			ON idempotency_audit_log (key, recorded_at)
	`)
	return err
}
