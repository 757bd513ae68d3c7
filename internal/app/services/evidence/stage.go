// Package evidence validates and records each party's one-shot evidence
// submission during the EVIDENCE phase.
package evidence

import (
	"strings"
	"time"

	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// Stage records evidence submissions. It knows nothing about verdicts; once
// both parties are in it only reports that fact to the caller.
type Stage struct {
	log *logger.Logger
}

// New creates the evidence stage.
func New(log *logger.Logger) *Stage {
	if log == nil {
		log = logger.NewDefault("evidence")
	}
	return &Stage{log: log}
}

// Submit records the user's evidence. Submissions are one-shot; a second
// attempt fails with ALREADY_SUBMITTED so material cannot be tampered with
// mid-deliberation. Returns true when both parties have now submitted.
func (st *Stage) Submit(s *session.Session, userID, evidence, feelings, needs string, now time.Time) (bool, error) {
	if s.Phase != session.PhaseEvidence {
		return false, fault.Errorf(fault.CodeWrongPhase, "evidence can only be submitted in EVIDENCE, session is %s", s.Phase)
	}

	party := s.Party(userID)
	if party == nil {
		return false, fault.Errorf(fault.CodeWrongActor, "user %s is not a party to session %s", userID, s.ID)
	}
	if party.HasSubmittedEvidence() {
		return false, fault.Errorf(fault.CodeAlreadySubmitted, "user %s already submitted evidence", userID)
	}

	evidence = strings.TrimSpace(evidence)
	if evidence == "" {
		return false, fault.New(fault.CodeMissingField, "evidence text is required")
	}

	party.Evidence = evidence
	party.Feelings = strings.TrimSpace(feelings)
	party.Needs = strings.TrimSpace(needs)
	party.EvidenceSubmittedAt = now
	s.UpdatedAt = now

	st.log.WithField("session_id", s.ID).
		WithField("user_id", userID).
		Info("evidence submitted")

	return s.BothSubmittedEvidence(), nil
}
