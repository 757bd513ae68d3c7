package storage

import (
	"context"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
)

// SessionStore is the authoritative table of active sessions. At most one
// non-closed session exists per couple at any time.
type SessionStore interface {
	// CreateSession registers a new active session. It fails with
	// fault.CodeDuplicateSession when the couple already has one.
	CreateSession(ctx context.Context, s *session.Session) (*session.Session, error)
	// UpdateSession replaces the stored session wholesale.
	UpdateSession(ctx context.Context, s *session.Session) (*session.Session, error)
	GetByCoupleID(ctx context.Context, coupleID string) (*session.Session, error)
	GetByUserID(ctx context.Context, userID string) (*session.Session, error)
	RemoveSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context) ([]*session.Session, error)
}

// SnapshotStore is the crash-recovery backing store. A snapshot is upserted
// at every phase transition and deleted on session teardown.
type SnapshotStore interface {
	UpsertSnapshot(ctx context.Context, s *session.Session) error
	DeleteSnapshot(ctx context.Context, sessionID string) error
	// ListOpenSnapshots returns every persisted non-closed session for
	// rehydration at startup.
	ListOpenSnapshots(ctx context.Context) ([]*session.Session, error)
}
