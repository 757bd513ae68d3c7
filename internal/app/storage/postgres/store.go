// Package postgres implements the crash-recovery snapshot store backed by
// PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/internal/app/storage"
)

// Store persists session snapshots in the court_session_snapshots table.
type Store struct {
	db *sql.DB
}

var _ storage.SnapshotStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertSnapshot(ctx context.Context, sess *session.Session) error {
	state, err := json.Marshal(sess)
	if err != nil {
		return fault.Wrap(fault.CodeStoreUnavailable, "encode session snapshot", err)
	}

	verdict := ""
	if v := sess.LatestVerdict(); v != nil {
		verdict = v.Content
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO court_session_snapshots
			(session_id, couple_id, status, phase, verdict, state, timeout_at, created_at, updated_at)
		VALUES ($1, $2, 'active', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (session_id) DO UPDATE
		SET phase = EXCLUDED.phase,
			verdict = EXCLUDED.verdict,
			state = EXCLUDED.state,
			timeout_at = EXCLUDED.timeout_at,
			updated_at = EXCLUDED.updated_at
	`, sess.ID, sess.CoupleID, sess.Phase.String(), verdict, state,
		toNullTime(sess.TimeoutAt), sess.CreatedAt, time.Now().UTC())
	if err != nil {
		return fault.Wrap(fault.CodeStoreUnavailable, "upsert session snapshot", err)
	}
	return nil
}

func (s *Store) DeleteSnapshot(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM court_session_snapshots WHERE session_id = $1
	`, sessionID); err != nil {
		return fault.Wrap(fault.CodeStoreUnavailable, "delete session snapshot", err)
	}
	return nil
}

func (s *Store) ListOpenSnapshots(ctx context.Context) ([]*session.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state
		FROM court_session_snapshots
		WHERE status = 'active'
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fault.Wrap(fault.CodeStoreUnavailable, "list session snapshots", err)
	}
	defer rows.Close()

	var result []*session.Session
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fault.Wrap(fault.CodeStoreUnavailable, "scan session snapshot", err)
		}
		var sess session.Session
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fault.Wrap(fault.CodeStoreUnavailable, "decode session snapshot", err)
		}
		if sess.Phase == session.PhaseClosed {
			continue
		}
		result = append(result, &sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.Wrap(fault.CodeStoreUnavailable, "list session snapshots", err)
	}
	return result, nil
}

func toNullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
