// Package memory provides the in-memory active-session table. It is the
// authoritative store at runtime; the postgres snapshot store only backs it
// for crash recovery.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/internal/app/storage"
)

// Store is an in-memory implementation of storage.SessionStore. It is safe
// for concurrent use.
type Store struct {
	mu         sync.RWMutex
	byCouple   map[string]*session.Session
	coupleByID map[string]string
	byUser     map[string]string
}

var _ storage.SessionStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		byCouple:   make(map[string]*session.Session),
		coupleByID: make(map[string]string),
		byUser:     make(map[string]string),
	}
}

func (s *Store) CreateSession(_ context.Context, sess *session.Session) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CoupleID == "" {
		return nil, fault.New(fault.CodeMissingField, "couple id is required")
	}
	if existing, ok := s.byCouple[sess.CoupleID]; ok && existing.Phase != session.PhaseClosed {
		return nil, fault.Errorf(fault.CodeDuplicateSession, "couple %s already has an active session", sess.CoupleID)
	}
	for _, uid := range []string{sess.CreatorID, sess.PartnerID} {
		if couple, ok := s.byUser[uid]; ok && couple != sess.CoupleID {
			return nil, fault.Errorf(fault.CodeDuplicateSession, "user %s is already party to an active session", uid)
		}
	}

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	stored := sess.Clone()
	s.byCouple[stored.CoupleID] = stored
	s.coupleByID[stored.ID] = stored.CoupleID
	s.byUser[stored.CreatorID] = stored.CoupleID
	s.byUser[stored.PartnerID] = stored.CoupleID
	return stored.Clone(), nil
}

func (s *Store) UpdateSession(_ context.Context, sess *session.Session) (*session.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.byCouple[sess.CoupleID]
	if !ok || original.ID != sess.ID {
		return nil, fault.Errorf(fault.CodeNoActiveSession, "session %s not found", sess.ID)
	}

	sess.CreatedAt = original.CreatedAt
	sess.UpdatedAt = time.Now().UTC()

	stored := sess.Clone()
	s.byCouple[stored.CoupleID] = stored
	return stored.Clone(), nil
}

func (s *Store) GetByCoupleID(_ context.Context, coupleID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.byCouple[coupleID]
	if !ok {
		return nil, fault.Errorf(fault.CodeNoActiveSession, "no active session for couple %s", coupleID)
	}
	return sess.Clone(), nil
}

func (s *Store) GetByUserID(_ context.Context, userID string) (*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	coupleID, ok := s.byUser[userID]
	if !ok {
		return nil, fault.Errorf(fault.CodeNoActiveSession, "no active session for user %s", userID)
	}
	sess, ok := s.byCouple[coupleID]
	if !ok {
		return nil, fault.Errorf(fault.CodeNoActiveSession, "no active session for user %s", userID)
	}
	return sess.Clone(), nil
}

func (s *Store) RemoveSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	coupleID, ok := s.coupleByID[sessionID]
	if !ok {
		return fault.Errorf(fault.CodeNoActiveSession, "session %s not found", sessionID)
	}
	sess := s.byCouple[coupleID]

	delete(s.coupleByID, sessionID)
	delete(s.byCouple, coupleID)
	if sess != nil {
		delete(s.byUser, sess.CreatorID)
		delete(s.byUser, sess.PartnerID)
	}
	return nil
}

func (s *Store) ListSessions(_ context.Context) ([]*session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*session.Session, 0, len(s.byCouple))
	for _, sess := range s.byCouple {
		result = append(result, sess.Clone())
	}
	return result, nil
}
