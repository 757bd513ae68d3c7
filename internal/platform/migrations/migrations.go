// Package migrations applies the database schema in order. Statements are
// idempotent so Apply is safe to run at every startup.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

var statements = []string{
	`CREATE TABLE IF NOT EXISTS court_session_snapshots (
		session_id  TEXT PRIMARY KEY,
		couple_id   TEXT NOT NULL,
		status      TEXT NOT NULL DEFAULT 'active',
		phase       TEXT NOT NULL,
		verdict     TEXT NOT NULL DEFAULT '',
		state       JSONB NOT NULL,
		timeout_at  TIMESTAMPTZ,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS court_session_snapshots_couple_idx
		ON court_session_snapshots (couple_id)`,
	`CREATE INDEX IF NOT EXISTS court_session_snapshots_status_idx
		ON court_session_snapshots (status)`,
}

// Apply executes all migrations against the database.
func Apply(ctx context.Context, db *sql.DB) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
	}
	return nil
}
