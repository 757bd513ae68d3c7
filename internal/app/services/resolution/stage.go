// Package resolution records each party's resolution choice during the
// RESOLUTION phase, detects disagreement, and drives the bounded mismatch
// negotiation including hybrid synthesis.
package resolution

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/amicus-app/courtroom/internal/app/deliberation"
	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// Stage drives resolution picking. The mismatch sub-state keeps the
// negotiation finite: once a hybrid has been synthesized the legal pick set
// is frozen to the two originals plus the hybrid.
type Stage struct {
	engine  deliberation.Engine
	backoff time.Duration
	log     *logger.Logger
	newID   func() string
}

// New creates the resolution stage.
func New(engine deliberation.Engine, backoff time.Duration, log *logger.Logger) *Stage {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("resolution")
	}
	return &Stage{
		engine:  engine,
		backoff: backoff,
		log:     log,
		newID:   func() string { return "H-" + uuid.NewString()[:8] },
	}
}

// SubmitPick records the user's resolution choice. It returns the finalized
// resolution id once both parties converge, or "" while the session is still
// waiting or negotiating.
func (st *Stage) SubmitPick(s *session.Session, userID, resolutionID string, now time.Time) (string, error) {
	if s.Phase != session.PhaseResolution {
		return "", fault.Errorf(fault.CodeWrongPhase, "resolutions can only be picked in RESOLUTION, session is %s", s.Phase)
	}
	party := s.Party(userID)
	if party == nil {
		return "", fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	resolutionID = strings.TrimSpace(resolutionID)
	if resolutionID == "" {
		return "", fault.New(fault.CodeMissingField, "resolution id is required")
	}
	if s.Mismatch.Locked() && !s.Mismatch.Allows(resolutionID) {
		return "", fault.Errorf(fault.CodeMismatchLocked, "pick %s is outside the locked set", resolutionID)
	}

	party.ResolutionPick = resolutionID
	s.UpdatedAt = now

	other := s.OtherParty(userID)
	if other.ResolutionPick == "" {
		return "", nil
	}
	if other.ResolutionPick == resolutionID {
		st.finalize(s, resolutionID)
		return resolutionID, nil
	}

	// Disagreement. Open the mismatch once; re-picks inside an open
	// mismatch keep negotiating against the recorded originals.
	if s.Mismatch == nil {
		s.Mismatch = &session.Mismatch{
			CreatorPick: s.Creator.ResolutionPick,
			PartnerPick: s.Partner.ResolutionPick,
		}
		st.log.WithField("session_id", s.ID).
			WithField("creator_pick", s.Mismatch.CreatorPick).
			WithField("partner_pick", s.Mismatch.PartnerPick).
			Info("resolution mismatch opened")
	}
	return "", nil
}

// AcceptPartner adopts the other party's current pick, ending the mismatch.
func (st *Stage) AcceptPartner(s *session.Session, userID string, now time.Time) (string, error) {
	if s.Phase != session.PhaseResolution {
		return "", fault.Errorf(fault.CodeWrongPhase, "resolutions can only be accepted in RESOLUTION, session is %s", s.Phase)
	}
	if s.Party(userID) == nil {
		return "", fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if s.Mismatch == nil {
		return "", fault.New(fault.CodeNoOpenMismatch, "no resolution mismatch is open")
	}

	chosen := s.OtherParty(userID).ResolutionPick
	if chosen == "" {
		return "", fault.New(fault.CodeNoOpenMismatch, "partner has no standing pick to accept")
	}

	s.Party(userID).ResolutionPick = chosen
	s.UpdatedAt = now
	st.finalize(s, chosen)
	return chosen, nil
}

// RequestHybrid asks the engine to synthesize a third resolution from the two
// mismatched picks, then locks the pick set to {original A, original B,
// hybrid} and re-offers it to both parties.
func (st *Stage) RequestHybrid(ctx context.Context, s *session.Session, userID string, now time.Time) error {
	if s.Phase != session.PhaseResolution {
		return fault.Errorf(fault.CodeWrongPhase, "a hybrid can only be requested in RESOLUTION, session is %s", s.Phase)
	}
	if s.Party(userID) == nil {
		return fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if s.Mismatch == nil {
		return fault.New(fault.CodeNoOpenMismatch, "no resolution mismatch is open")
	}
	if s.Mismatch.Locked() {
		return fault.New(fault.CodeMismatchLocked, "a hybrid resolution has already been synthesized")
	}

	payload := deliberation.HybridPayload{
		SessionID:    s.ID,
		CaseLanguage: s.CaseLanguage,
		JudgeType:    s.JudgeType,
		PickA:        s.Mismatch.CreatorPick,
		PickB:        s.Mismatch.PartnerPick,
	}

	result, err := st.synthesize(ctx, payload)
	if err != nil {
		return err
	}

	hybridID := st.newID()
	s.Mismatch.LockedResolutionID = hybridID
	s.Mismatch.LockOwnerID = userID
	s.Mismatch.HybridContent = result.Content
	// Both parties pick again from the locked set.
	s.Creator.ResolutionPick = ""
	s.Partner.ResolutionPick = ""
	s.UpdatedAt = now

	st.log.WithField("session_id", s.ID).
		WithField("hybrid_id", hybridID).
		WithField("lock_owner", userID).
		Info("hybrid resolution synthesized, mismatch locked")
	return nil
}

// synthesize invokes the engine with one internal retry before surfacing the
// failure to the caller.
func (st *Stage) synthesize(ctx context.Context, payload deliberation.HybridPayload) (deliberation.Result, error) {
	result, err := st.engine.SynthesizeHybrid(ctx, payload)
	if err == nil && result.Status != deliberation.StatusError {
		return result, nil
	}

	st.log.WithField("session_id", payload.SessionID).WithError(err).
		Warn("hybrid synthesis failed, retrying once")

	select {
	case <-ctx.Done():
		return deliberation.Result{}, fault.Wrap(fault.CodeDeliberationFailed, "hybrid synthesis cancelled", ctx.Err())
	case <-time.After(st.backoff):
	}

	result, err = st.engine.SynthesizeHybrid(ctx, payload)
	if err != nil {
		return deliberation.Result{}, fault.Wrap(fault.CodeDeliberationFailed, "hybrid synthesis failed", err)
	}
	if result.Status == deliberation.StatusError {
		return deliberation.Result{}, fault.New(fault.CodeDeliberationFailed, "hybrid synthesis failed")
	}
	return result, nil
}

func (st *Stage) finalize(s *session.Session, resolutionID string) {
	s.FinalResolutionID = resolutionID
	s.Mismatch = nil
	st.log.WithField("session_id", s.ID).
		WithField("resolution_id", resolutionID).
		Info("resolution finalized")
}
