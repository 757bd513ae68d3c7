// Package phase implements the session state machine: legal transitions,
// per-phase deadlines, deliberation engine invocation, and verdict record
// construction.
package phase

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

// Timeouts configures the wall-clock budget of each phase. A zero duration
// means the phase carries no deadline.
type Timeouts struct {
	Invite     time.Duration
	Evidence   time.Duration
	Analyzing  time.Duration
	Priming    time.Duration
	JointReady time.Duration
	Resolution time.Duration
	Verdict    time.Duration
}

// DefaultTimeouts returns the production phase budgets.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Invite:     24 * time.Hour,
		Evidence:   24 * time.Hour,
		Analyzing:  24 * time.Hour,
		Priming:    12 * time.Hour,
		JointReady: 24 * time.Hour,
		Resolution: 24 * time.Hour,
		Verdict:    72 * time.Hour,
	}
}

// unsafeVerdictContent replaces engine output the engine itself flagged.
const unsafeVerdictContent = "The deliberation could not produce a shareable verdict for this dispute. " +
	"Please consider discussing this topic with a professional counselor."

// ExpiryAction is what a phase deadline resolves to.
type ExpiryAction int

const (
	// ExpiryNone means the deadline was stale or the phase has no expiry.
	ExpiryNone ExpiryAction = iota
	// ExpiryTeardown removes the session.
	ExpiryTeardown
	// ExpiryAdvance moved the session to the next phase in place.
	ExpiryAdvance
)

// Controller validates and applies phase transitions. It mutates sessions in
// place and leaves persistence and locking to the coordinator.
type Controller struct {
	timeouts Timeouts
	engine   deliberation.Engine
	backoff  time.Duration
	log      *logger.Logger
	newID    func() string
}

// New creates the controller.
func New(timeouts Timeouts, engine deliberation.Engine, backoff time.Duration, log *logger.Logger) *Controller {
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	if log == nil {
		log = logger.NewDefault("phase")
	}
	return &Controller{
		timeouts: timeouts,
		engine:   engine,
		backoff:  backoff,
		log:      log,
		newID:    uuid.NewString,
	}
}

// Timeouts exposes the configured budgets for timer re-arming.
func (c *Controller) Timeouts() Timeouts { return c.timeouts }

// NewSession serves a session against the partner. The couple identity is
// derived from the two user ids, order independent.
func (c *Controller) NewSession(creatorID, partnerID, caseLanguage, judgeType string, now time.Time) (*session.Session, error) {
	creatorID = strings.TrimSpace(creatorID)
	partnerID = strings.TrimSpace(partnerID)
	if creatorID == "" || partnerID == "" {
		return nil, fault.New(fault.CodeMissingField, "creator and partner ids are required")
	}
	if creatorID == partnerID {
		return nil, fault.New(fault.CodeSelfPartner, "a session needs two distinct parties")
	}
	if caseLanguage == "" {
		caseLanguage = "en"
	}
	if judgeType == "" {
		judgeType = "standard"
	}

	s := &session.Session{
		ID:           c.newID(),
		CoupleID:     session.CoupleID(creatorID, partnerID),
		CreatorID:    creatorID,
		PartnerID:    partnerID,
		Creator:      session.PartyRecord{UserID: creatorID},
		Partner:      session.PartyRecord{UserID: partnerID},
		CaseLanguage: caseLanguage,
		JudgeType:    judgeType,
		CreatedAt:    now,
	}
	s.EnterPhase(session.PhasePending, now, c.timeouts.Invite)
	return s, nil
}

// Accept moves a served session into EVIDENCE. Only the served partner may
// accept.
func (c *Controller) Accept(s *session.Session, userID string, now time.Time) error {
	if s.Phase != session.PhasePending {
		return fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not PENDING", s.ID, s.Phase)
	}
	if userID != s.PartnerID {
		return fault.New(fault.CodeWrongActor, "only the served partner can accept")
	}
	s.EnterPhase(session.PhaseEvidence, now, c.timeouts.Evidence)
	return nil
}

// Cancel validates a creator-initiated cancellation of a pending invite. The
// coordinator performs the actual teardown.
func (c *Controller) Cancel(s *session.Session, userID string) error {
	if s.Phase != session.PhasePending {
		return fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not PENDING", s.ID, s.Phase)
	}
	if userID != s.CreatorID {
		return fault.New(fault.CodeWrongActor, "only the creator can cancel the invite")
	}
	return nil
}

// BeginAnalysis moves a session whose evidence is complete into ANALYZING.
func (c *Controller) BeginAnalysis(s *session.Session, now time.Time) error {
	if s.Phase != session.PhaseEvidence {
		return fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not EVIDENCE", s.ID, s.Phase)
	}
	if !s.BothSubmittedEvidence() {
		return fault.New(fault.CodeWrongPhase, "both parties must submit evidence first")
	}
	s.EnterPhase(session.PhaseAnalyzing, now, c.timeouts.Analyzing)
	return nil
}

// BuildPayload assembles the dispute payload for the engine from a session
// snapshot. Safe to call outside the session lock on a clone.
func (c *Controller) BuildPayload(s *session.Session, addendum *deliberation.AddendumContext) deliberation.Payload {
	return deliberation.Payload{
		SessionID:    s.ID,
		CaseLanguage: s.CaseLanguage,
		JudgeType:    s.JudgeType,
		Creator: deliberation.PartyEvidence{
			UserID:   s.CreatorID,
			Evidence: s.Creator.Evidence,
			Feelings: s.Creator.Feelings,
			Needs:    s.Creator.Needs,
		},
		Partner: deliberation.PartyEvidence{
			UserID:   s.PartnerID,
			Evidence: s.Partner.Evidence,
			Feelings: s.Partner.Feelings,
			Needs:    s.Partner.Needs,
		},
		Addendum: addendum,
	}
}

// Deliberate invokes the engine with one internal retry before surfacing the
// failure. It does not touch session state.
func (c *Controller) Deliberate(ctx context.Context, payload deliberation.Payload) (deliberation.Result, error) {
	result, err := c.engine.Deliberate(ctx, payload)
	if err == nil && result.Status != deliberation.StatusError {
		return result, nil
	}

	c.log.WithField("session_id", payload.SessionID).WithError(err).
		Warn("deliberation failed, retrying once")

	select {
	case <-ctx.Done():
		return deliberation.Result{}, fault.Wrap(fault.CodeDeliberationFailed, "deliberation cancelled", ctx.Err())
	case <-time.After(c.backoff):
	}

	result, err = c.engine.Deliberate(ctx, payload)
	if err != nil {
		return deliberation.Result{}, fault.Wrap(fault.CodeDeliberationFailed, "deliberation failed", err)
	}
	if result.Status == deliberation.StatusError {
		return deliberation.Result{}, fault.New(fault.CodeDeliberationFailed, "deliberation failed")
	}
	return result, nil
}

// ApplyVerdict appends the next verdict version and moves the session into
// PRIMING for private reading.
func (c *Controller) ApplyVerdict(s *session.Session, result deliberation.Result, addendum *deliberation.AddendumContext, now time.Time) error {
	if s.Phase != session.PhaseAnalyzing {
		return fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not ANALYZING", s.ID, s.Phase)
	}

	v := session.Verdict{
		Version:   len(s.Verdicts) + 1,
		Content:   result.Content,
		CreatedAt: now,
	}
	if result.Status == deliberation.StatusUnsafeFlag {
		v.Flagged = true
		v.Content = unsafeVerdictContent
	}
	if addendum != nil {
		v.AddendumBy = addendum.By
		v.AddendumText = addendum.Text
	}
	s.Verdicts = append(s.Verdicts, v)
	s.DeliberationError = ""

	// A fresh verdict voids any in-flight resolution work.
	s.Creator.PrimingAckedAt = time.Time{}
	s.Partner.PrimingAckedAt = time.Time{}
	s.Creator.JointReadyAt = time.Time{}
	s.Partner.JointReadyAt = time.Time{}
	s.Creator.ResolutionPick = ""
	s.Partner.ResolutionPick = ""
	s.Mismatch = nil
	s.FinalResolutionID = ""

	s.EnterPhase(session.PhasePriming, now, c.timeouts.Priming)
	c.log.WithField("session_id", s.ID).
		WithField("verdict_version", v.Version).
		WithField("flagged", v.Flagged).
		Info("verdict appended")
	return nil
}

// MarkDeliberationFailed records a double engine failure. The session stays
// in ANALYZING so either party can retry via addendum.
func (c *Controller) MarkDeliberationFailed(s *session.Session, err error, now time.Time) {
	s.DeliberationError = err.Error()
	s.UpdatedAt = now
	c.log.WithField("session_id", s.ID).WithError(err).
		Error("deliberation failed after retry, session held for manual retry")
}

// PrimingAck records one party's private verdict read. When both have acked
// the session moves to JOINT_READY.
func (c *Controller) PrimingAck(s *session.Session, userID string, now time.Time) (bool, error) {
	if s.Phase != session.PhasePriming {
		return false, fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not PRIMING", s.ID, s.Phase)
	}
	party := s.Party(userID)
	if party == nil {
		return false, fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if party.PrimingAckedAt.IsZero() {
		party.PrimingAckedAt = now
		s.UpdatedAt = now
	}
	if s.Creator.PrimingAckedAt.IsZero() || s.Partner.PrimingAckedAt.IsZero() {
		return false, nil
	}
	s.EnterPhase(session.PhaseJointReady, now, c.timeouts.JointReady)
	return true, nil
}

// JointReady records one party sitting down for the joint reading. When both
// are present the session moves to RESOLUTION.
func (c *Controller) JointReady(s *session.Session, userID string, now time.Time) (bool, error) {
	if s.Phase != session.PhaseJointReady {
		return false, fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not JOINT_READY", s.ID, s.Phase)
	}
	party := s.Party(userID)
	if party == nil {
		return false, fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if party.JointReadyAt.IsZero() {
		party.JointReadyAt = now
		s.UpdatedAt = now
	}
	if s.Creator.JointReadyAt.IsZero() || s.Partner.JointReadyAt.IsZero() {
		return false, nil
	}
	s.EnterPhase(session.PhaseResolution, now, c.timeouts.Resolution)
	return true, nil
}

// FinalizeResolution moves a converged RESOLUTION session into VERDICT.
func (c *Controller) FinalizeResolution(s *session.Session, now time.Time) error {
	if s.Phase != session.PhaseResolution {
		return fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not RESOLUTION", s.ID, s.Phase)
	}
	if s.FinalResolutionID == "" {
		return fault.New(fault.CodeWrongPhase, "no finalized resolution to carry into VERDICT")
	}
	s.EnterPhase(session.PhaseVerdict, now, c.timeouts.Verdict)
	return nil
}

// AcceptVerdict records one party's acceptance of the final verdict. When
// both have accepted the session closes; the coordinator tears it down.
func (c *Controller) AcceptVerdict(s *session.Session, userID string, now time.Time) (bool, error) {
	if s.Phase != session.PhaseVerdict {
		return false, fault.Errorf(fault.CodeWrongPhase, "session %s is %s, not VERDICT", s.ID, s.Phase)
	}
	party := s.Party(userID)
	if party == nil {
		return false, fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if party.VerdictAcceptedAt.IsZero() {
		party.VerdictAcceptedAt = now
		s.UpdatedAt = now
	}
	if s.Creator.VerdictAcceptedAt.IsZero() || s.Partner.VerdictAcceptedAt.IsZero() {
		return false, nil
	}
	s.EnterPhase(session.PhaseClosed, now, 0)
	return true, nil
}

// Addendum validates a supplemental submission and moves the session back to
// ANALYZING for re-deliberation. Allowed from VERDICT, or from ANALYZING when
// a previous deliberation failed.
func (c *Controller) Addendum(s *session.Session, userID, text string, now time.Time) (*deliberation.AddendumContext, error) {
	if s.Party(userID) == nil {
		return nil, fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	retryAfterFailure := s.Phase == session.PhaseAnalyzing && s.DeliberationError != ""
	if s.Phase != session.PhaseVerdict && !retryAfterFailure {
		return nil, fault.Errorf(fault.CodeWrongPhase, "addenda are only accepted in VERDICT, session is %s", s.Phase)
	}
	text = strings.TrimSpace(text)
	if text == "" && !retryAfterFailure {
		return nil, fault.New(fault.CodeMissingField, "addendum text is required")
	}

	addendum := &deliberation.AddendumContext{By: userID, Text: text}
	if v := s.LatestVerdict(); v != nil {
		addendum.PriorVerdict = v.Content
	}

	s.Creator.VerdictAcceptedAt = time.Time{}
	s.Partner.VerdictAcceptedAt = time.Time{}
	s.EnterPhase(session.PhaseAnalyzing, now, c.timeouts.Analyzing)
	return addendum, nil
}

// Expire resolves an elapsed phase deadline. The enteredAt guard makes stale
// timer fires no-ops after the phase has already advanced.
func (c *Controller) Expire(s *session.Session, enteredAt, now time.Time) ExpiryAction {
	if !s.PhaseEnteredAt.Equal(enteredAt) {
		return ExpiryNone
	}
	switch s.Phase {
	case session.PhasePriming:
		// The private reading window lapses into the joint phase.
		s.EnterPhase(session.PhaseJointReady, now, c.timeouts.JointReady)
		return ExpiryAdvance
	case session.PhasePending, session.PhaseEvidence, session.PhaseAnalyzing,
		session.PhaseJointReady, session.PhaseResolution, session.PhaseVerdict:
		s.EnterPhase(session.PhaseClosed, now, 0)
		return ExpiryTeardown
	default:
		return ExpiryNone
	}
}

// TimeoutFor returns the configured budget of a phase, for re-arming timers
// after restart.
func (c *Controller) TimeoutFor(p session.Phase) time.Duration {
	switch p {
	case session.PhasePending:
		return c.timeouts.Invite
	case session.PhaseEvidence:
		return c.timeouts.Evidence
	case session.PhaseAnalyzing:
		return c.timeouts.Analyzing
	case session.PhasePriming:
		return c.timeouts.Priming
	case session.PhaseJointReady:
		return c.timeouts.JointReady
	case session.PhaseResolution:
		return c.timeouts.Resolution
	case session.PhaseVerdict:
		return c.timeouts.Verdict
	default:
		return 0
	}
}
