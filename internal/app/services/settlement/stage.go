// Package settlement manages the optional early-exit negotiation: either
// party may offer to dismiss the case by mutual agreement before a verdict
// is finalized.
package settlement

import (
	"time"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// DefaultTTL is how long a settlement offer stays open before it is
// auto-declined.
const DefaultTTL = 5 * time.Minute

// Stage manages settlement offers on a session.
type Stage struct {
	ttl time.Duration
	log *logger.Logger
}

// New creates the settlement stage. A non-positive ttl falls back to
// DefaultTTL.
func New(ttl time.Duration, log *logger.Logger) *Stage {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = logger.NewDefault("settlement")
	}
	return &Stage{ttl: ttl, log: log}
}

func settleable(p session.Phase) bool {
	switch p {
	case session.PhasePending, session.PhaseEvidence, session.PhaseAnalyzing,
		session.PhasePriming, session.PhaseJointReady, session.PhaseResolution:
		return true
	default:
		return false
	}
}

// Request opens a settlement offer. The session stays in its current phase;
// only the offer and its expiry are recorded.
func (st *Stage) Request(s *session.Session, userID string, now time.Time) error {
	if !settleable(s.Phase) {
		return fault.Errorf(fault.CodeWrongPhase, "settlement cannot be requested in %s", s.Phase)
	}
	if s.Party(userID) == nil {
		return fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if s.Settlement != nil {
		return fault.New(fault.CodeAlreadyPending, "a settlement offer is already open")
	}

	s.Settlement = &session.Settlement{
		RequestedBy: userID,
		RequestedAt: now,
		ExpiresAt:   now.Add(st.ttl),
	}
	s.UpdatedAt = now

	st.log.WithField("session_id", s.ID).
		WithField("user_id", userID).
		Info("settlement requested")
	return nil
}

// Accept closes the session without a verdict. The requester cannot accept
// their own offer.
func (st *Stage) Accept(s *session.Session, userID string, now time.Time) error {
	if s.Party(userID) == nil {
		return fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if s.Settlement == nil {
		return fault.New(fault.CodeWrongPhase, "no settlement offer is open")
	}
	if s.Settlement.RequestedBy == userID {
		return fault.New(fault.CodeForbidden, "a settlement offer cannot be accepted by its requester")
	}

	s.Settlement = nil
	s.EnterPhase(session.PhaseClosed, now, 0)

	st.log.WithField("session_id", s.ID).
		WithField("user_id", userID).
		Info("settlement accepted, case dismissed by agreement")
	return nil
}

// Decline clears the offer; the session resumes its prior phase unchanged.
func (st *Stage) Decline(s *session.Session, userID string, now time.Time) error {
	if s.Party(userID) == nil {
		return fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if s.Settlement == nil {
		return fault.New(fault.CodeWrongPhase, "no settlement offer is open")
	}

	s.Settlement = nil
	s.UpdatedAt = now

	st.log.WithField("session_id", s.ID).
		WithField("user_id", userID).
		Info("settlement declined")
	return nil
}

// Expire silently clears an offer whose deadline passed. Returns false when
// there was nothing to expire, so stale timer callbacks stay no-ops.
func (st *Stage) Expire(s *session.Session, requestedAt time.Time, now time.Time) bool {
	if s.Settlement == nil || !s.Settlement.RequestedAt.Equal(requestedAt) {
		return false
	}
	s.Settlement = nil
	s.UpdatedAt = now

	st.log.WithField("session_id", s.ID).Info("settlement offer expired")
	return true
}
