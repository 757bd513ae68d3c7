package coordinator

import (
	"time"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
)

// View is the per-user state projection every operation returns. Each party
// sees their own record in full and only the shared or acknowledged parts of
// the other's.
type View struct {
	Phase       string       `json:"phase"`
	MyViewPhase string       `json:"my_view_phase"`
	Session     *SessionView `json:"session"`
}

// SessionView is the redacted session payload inside a View.
type SessionView struct {
	ID             string    `json:"id"`
	CoupleID       string    `json:"couple_id"`
	CreatorID      string    `json:"creator_id"`
	PartnerID      string    `json:"partner_id"`
	Phase          string    `json:"phase"`
	PhaseEnteredAt time.Time `json:"phase_entered_at"`
	TimeoutAt      time.Time `json:"timeout_at,omitempty"`

	Me      PartyView `json:"me"`
	Partner PartyView `json:"partner"`

	Verdicts   []session.Verdict   `json:"verdicts,omitempty"`
	Mismatch   *MismatchView       `json:"mismatch,omitempty"`
	Settlement *session.Settlement `json:"settlement,omitempty"`

	FinalResolutionID string `json:"final_resolution_id,omitempty"`
	DeliberationError string `json:"deliberation_error,omitempty"`

	CaseLanguage string    `json:"case_language"`
	JudgeType    string    `json:"judge_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// PartyView carries one party's visible state. Evidence fields are populated
// only for the caller's own record, and for the partner's once both have
// submitted.
type PartyView struct {
	UserID            string `json:"user_id"`
	EvidenceSubmitted bool   `json:"evidence_submitted"`
	Evidence          string `json:"evidence,omitempty"`
	Feelings          string `json:"feelings,omitempty"`
	Needs             string `json:"needs,omitempty"`
	PrimingAcked      bool   `json:"priming_acked"`
	JointReady        bool   `json:"joint_ready"`
	ResolutionPick    string `json:"resolution_pick,omitempty"`
	VerdictAccepted   bool   `json:"verdict_accepted"`
}

// MismatchView exposes the open disagreement without the lock owner's
// internals.
type MismatchView struct {
	CreatorPick   string `json:"creator_pick"`
	PartnerPick   string `json:"partner_pick"`
	HybridID      string `json:"hybrid_id,omitempty"`
	HybridContent string `json:"hybrid_content,omitempty"`
	RequestedBy   string `json:"requested_by,omitempty"`
}

// viewFor builds the caller's projection of a session.
func (c *Coordinator) viewFor(s *session.Session, userID string) *View {
	me := s.Party(userID)
	other := s.OtherParty(userID)
	if me == nil || other == nil {
		return &View{Phase: s.Phase.String(), MyViewPhase: s.Phase.String()}
	}

	sv := &SessionView{
		ID:                s.ID,
		CoupleID:          s.CoupleID,
		CreatorID:         s.CreatorID,
		PartnerID:         s.PartnerID,
		Phase:             s.Phase.String(),
		PhaseEnteredAt:    s.PhaseEnteredAt,
		TimeoutAt:         s.TimeoutAt,
		Me:                partyView(me, true),
		Partner:           partyView(other, s.BothSubmittedEvidence()),
		FinalResolutionID: s.FinalResolutionID,
		DeliberationError: s.DeliberationError,
		CaseLanguage:      s.CaseLanguage,
		JudgeType:         s.JudgeType,
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
	if len(s.Verdicts) > 0 {
		sv.Verdicts = append([]session.Verdict(nil), s.Verdicts...)
	}
	if s.Mismatch != nil {
		sv.Mismatch = &MismatchView{
			CreatorPick:   s.Mismatch.CreatorPick,
			PartnerPick:   s.Mismatch.PartnerPick,
			HybridID:      s.Mismatch.LockedResolutionID,
			HybridContent: s.Mismatch.HybridContent,
			RequestedBy:   s.Mismatch.LockOwnerID,
		}
	}
	if s.Settlement != nil {
		st := *s.Settlement
		sv.Settlement = &st
	}

	return &View{
		Phase:       s.Phase.String(),
		MyViewPhase: myViewPhase(s, me),
		Session:     sv,
	}
}

func partyView(p *session.PartyRecord, revealEvidence bool) PartyView {
	pv := PartyView{
		UserID:            p.UserID,
		EvidenceSubmitted: p.HasSubmittedEvidence(),
		PrimingAcked:      !p.PrimingAckedAt.IsZero(),
		JointReady:        !p.JointReadyAt.IsZero(),
		ResolutionPick:    p.ResolutionPick,
		VerdictAccepted:   !p.VerdictAcceptedAt.IsZero(),
	}
	if revealEvidence {
		pv.Evidence = p.Evidence
		pv.Feelings = p.Feelings
		pv.Needs = p.Needs
	}
	return pv
}

// myViewPhase refines the shared phase with the caller's own progress so a
// client can render "waiting for partner" states without diffing records.
func myViewPhase(s *session.Session, me *session.PartyRecord) string {
	switch s.Phase {
	case session.PhaseEvidence:
		if me.HasSubmittedEvidence() {
			return "EVIDENCE_WAITING"
		}
	case session.PhaseAnalyzing:
		if s.DeliberationError != "" {
			return "ANALYZING_FAILED"
		}
	case session.PhasePriming:
		if !me.PrimingAckedAt.IsZero() {
			return "PRIMING_WAITING"
		}
	case session.PhaseJointReady:
		if !me.JointReadyAt.IsZero() {
			return "JOINT_READY_WAITING"
		}
	case session.PhaseResolution:
		if s.Mismatch != nil {
			return "RESOLUTION_MISMATCH"
		}
		if me.ResolutionPick != "" {
			return "RESOLUTION_WAITING"
		}
	case session.PhaseVerdict:
		if !me.VerdictAcceptedAt.IsZero() {
			return "VERDICT_WAITING"
		}
	}
	return s.Phase.String()
}
