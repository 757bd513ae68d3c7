// Package deliberation defines the contract with the external AI
// deliberation engine. The engine is opaque: it maps a structured dispute
// payload to a structured verdict and nothing else.
package deliberation

import "context"

// Status is the engine's own verdict on its output.
type Status string

const (
	StatusOK         Status = "ok"
	StatusError      Status = "error"
	StatusUnsafeFlag Status = "unsafe_flag"
)

// PartyEvidence is one party's slice of the dispute payload.
type PartyEvidence struct {
	UserID   string `json:"user_id"`
	Evidence string `json:"evidence"`
	Feelings string `json:"feelings"`
	Needs    string `json:"needs"`
}

// AddendumContext carries a post-verdict supplemental submission.
type AddendumContext struct {
	By           string `json:"by"`
	Text         string `json:"text"`
	PriorVerdict string `json:"prior_verdict"`
}

// Payload is the structured dispute handed to the engine.
type Payload struct {
	SessionID    string           `json:"session_id"`
	CaseLanguage string           `json:"case_language"`
	JudgeType    string           `json:"judge_type"`
	Creator      PartyEvidence    `json:"creator"`
	Partner      PartyEvidence    `json:"partner"`
	Addendum     *AddendumContext `json:"addendum,omitempty"`
}

// HybridPayload asks the engine to synthesize a third resolution from two
// mismatched picks.
type HybridPayload struct {
	SessionID    string `json:"session_id"`
	CaseLanguage string `json:"case_language"`
	JudgeType    string `json:"judge_type"`
	PickA        string `json:"pick_a"`
	PickB        string `json:"pick_b"`
}

// Result is the engine's structured reply.
type Result struct {
	Status  Status `json:"status"`
	Content string `json:"content"`
}

// Engine converts dispute material into verdict content. Implementations
// must be safe for concurrent use.
type Engine interface {
	Deliberate(ctx context.Context, payload Payload) (Result, error)
	SynthesizeHybrid(ctx context.Context, payload HybridPayload) (Result, error)
}
