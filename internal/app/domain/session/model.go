// Package session defines the court session model: the two-party mediation
// record that advances through a fixed sequence of phases from invitation to
// verdict.
package session

import (
	"sort"
	"strings"
	"time"
)

// Phase is a state in the session lifecycle.
type Phase int

const (
	// PhaseUnspecified is an invalid zero value.
	PhaseUnspecified Phase = iota
	// PhasePending means the creator served the session and the partner has
	// not yet accepted.
	PhasePending
	// PhaseEvidence collects each party's one-shot evidence submission.
	PhaseEvidence
	// PhaseAnalyzing means the deliberation engine is working on a verdict.
	PhaseAnalyzing
	// PhasePriming lets each party privately read the verdict.
	PhasePriming
	// PhaseJointReady waits for both parties to sit down together.
	PhaseJointReady
	// PhaseResolution collects each party's resolution pick.
	PhaseResolution
	// PhaseVerdict holds the finalized resolution awaiting acceptance.
	PhaseVerdict
	// PhaseClosed is terminal.
	PhaseClosed
)

var phaseNames = map[Phase]string{
	PhasePending:    "PENDING",
	PhaseEvidence:   "EVIDENCE",
	PhaseAnalyzing:  "ANALYZING",
	PhasePriming:    "PRIMING",
	PhaseJointReady: "JOINT_READY",
	PhaseResolution: "RESOLUTION",
	PhaseVerdict:    "VERDICT",
	PhaseClosed:     "CLOSED",
}

func (p Phase) String() string {
	if name, ok := phaseNames[p]; ok {
		return name
	}
	return "UNSPECIFIED"
}

// ParsePhase converts a stored phase name back to its enum value.
func ParsePhase(name string) Phase {
	for p, n := range phaseNames {
		if n == name {
			return p
		}
	}
	return PhaseUnspecified
}

// MarshalText implements encoding.TextMarshaler so phases persist by name.
func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	*p = ParsePhase(string(b))
	return nil
}

// PartyRecord holds one party's inputs and acknowledgements. Fields are only
// ever written on behalf of the owning user.
type PartyRecord struct {
	UserID              string    `json:"user_id"`
	Evidence            string    `json:"evidence,omitempty"`
	Feelings            string    `json:"feelings,omitempty"`
	Needs               string    `json:"needs,omitempty"`
	EvidenceSubmittedAt time.Time `json:"evidence_submitted_at,omitempty"`
	PrimingAckedAt      time.Time `json:"priming_acked_at,omitempty"`
	JointReadyAt        time.Time `json:"joint_ready_at,omitempty"`
	ResolutionPick      string    `json:"resolution_pick,omitempty"`
	VerdictAcceptedAt   time.Time `json:"verdict_accepted_at,omitempty"`
}

// HasSubmittedEvidence reports whether the party's one-shot submission landed.
func (p PartyRecord) HasSubmittedEvidence() bool { return !p.EvidenceSubmittedAt.IsZero() }

// Verdict is one immutable entry in the append-only verdict history.
type Verdict struct {
	Version      int       `json:"version"`
	Content      string    `json:"content"`
	Flagged      bool      `json:"flagged,omitempty"`
	AddendumBy   string    `json:"addendum_by,omitempty"`
	AddendumText string    `json:"addendum_text,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Mismatch tracks an open resolution disagreement. Once a hybrid resolution
// has been synthesized the lock constrains further picks to the original two
// plus the hybrid.
type Mismatch struct {
	CreatorPick        string `json:"creator_pick"`
	PartnerPick        string `json:"partner_pick"`
	LockedResolutionID string `json:"locked_resolution_id,omitempty"`
	LockOwnerID        string `json:"lock_owner_id,omitempty"`
	HybridContent      string `json:"hybrid_content,omitempty"`
}

// Locked reports whether a hybrid has been produced and the pick set frozen.
func (m *Mismatch) Locked() bool { return m != nil && m.LockedResolutionID != "" }

// Allows reports whether the id is a legal pick under the current lock.
func (m *Mismatch) Allows(resolutionID string) bool {
	if !m.Locked() {
		return true
	}
	return resolutionID == m.CreatorPick ||
		resolutionID == m.PartnerPick ||
		resolutionID == m.LockedResolutionID
}

// Settlement is an open early-exit offer.
type Settlement struct {
	RequestedBy string    `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session is one run of the mediation protocol for a couple.
type Session struct {
	ID        string `json:"id"`
	CoupleID  string `json:"couple_id"`
	CreatorID string `json:"creator_id"`
	PartnerID string `json:"partner_id"`

	Phase          Phase     `json:"phase"`
	PhaseEnteredAt time.Time `json:"phase_entered_at"`
	// TimeoutAt is the wall-clock deadline for the current phase; zero means
	// the phase carries no timeout.
	TimeoutAt time.Time `json:"timeout_at,omitempty"`

	Creator PartyRecord `json:"creator"`
	Partner PartyRecord `json:"partner"`

	Verdicts   []Verdict   `json:"verdicts,omitempty"`
	Mismatch   *Mismatch   `json:"mismatch,omitempty"`
	Settlement *Settlement `json:"settlement,omitempty"`

	// FinalResolutionID is set when the RESOLUTION phase converges.
	FinalResolutionID string `json:"final_resolution_id,omitempty"`

	// DeliberationError is set after the engine failed twice; the session
	// stays open so a party can retry via addendum.
	DeliberationError string `json:"deliberation_error,omitempty"`

	CaseLanguage string `json:"case_language"`
	JudgeType    string `json:"judge_type"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CoupleID derives the order-independent couple identity for two users.
func CoupleID(userA, userB string) string {
	pair := []string{strings.TrimSpace(userA), strings.TrimSpace(userB)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}

// IsParty reports whether the user is one of the two session parties.
func (s *Session) IsParty(userID string) bool {
	return userID == s.CreatorID || userID == s.PartnerID
}

// Party returns the record owned by the user, or nil for outsiders.
func (s *Session) Party(userID string) *PartyRecord {
	switch userID {
	case s.CreatorID:
		return &s.Creator
	case s.PartnerID:
		return &s.Partner
	default:
		return nil
	}
}

// OtherParty returns the counterpart record, or nil for outsiders.
func (s *Session) OtherParty(userID string) *PartyRecord {
	switch userID {
	case s.CreatorID:
		return &s.Partner
	case s.PartnerID:
		return &s.Creator
	default:
		return nil
	}
}

// OtherUserID returns the counterpart user id, or "" for outsiders.
func (s *Session) OtherUserID(userID string) string {
	switch userID {
	case s.CreatorID:
		return s.PartnerID
	case s.PartnerID:
		return s.CreatorID
	default:
		return ""
	}
}

// BothSubmittedEvidence reports whether both one-shot submissions landed.
func (s *Session) BothSubmittedEvidence() bool {
	return s.Creator.HasSubmittedEvidence() && s.Partner.HasSubmittedEvidence()
}

// LatestVerdict returns the newest verdict, or nil before the first one.
func (s *Session) LatestVerdict() *Verdict {
	if len(s.Verdicts) == 0 {
		return nil
	}
	return &s.Verdicts[len(s.Verdicts)-1]
}

// EnterPhase advances the phase and resets the phase clock and deadline.
func (s *Session) EnterPhase(p Phase, now time.Time, timeout time.Duration) {
	s.Phase = p
	s.PhaseEnteredAt = now
	if timeout > 0 {
		s.TimeoutAt = now.Add(timeout)
	} else {
		s.TimeoutAt = time.Time{}
	}
	s.UpdatedAt = now
}

// Clone returns a deep copy so callers can mutate without aliasing stored
// state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Verdicts != nil {
		cp.Verdicts = append([]Verdict(nil), s.Verdicts...)
	}
	if s.Mismatch != nil {
		m := *s.Mismatch
		cp.Mismatch = &m
	}
	if s.Settlement != nil {
		st := *s.Settlement
		cp.Settlement = &st
	}
	return &cp
}
