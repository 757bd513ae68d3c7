package deliberation

import (
	"context"
	"fmt"
)

// MockEngine produces canned verdicts for local development and tests.
type MockEngine struct {
	// DeliberateFn and HybridFn override the canned behaviour when set.
	DeliberateFn func(ctx context.Context, payload Payload) (Result, error)
	HybridFn     func(ctx context.Context, payload HybridPayload) (Result, error)
}

var _ Engine = (*MockEngine)(nil)

// NewMockEngine returns an engine that always succeeds.
func NewMockEngine() *MockEngine {
	return &MockEngine{}
}

func (m *MockEngine) Deliberate(ctx context.Context, payload Payload) (Result, error) {
	if m.DeliberateFn != nil {
		return m.DeliberateFn(ctx, payload)
	}
	content := fmt.Sprintf("Verdict for session %s: both parties have been heard.", payload.SessionID)
	if payload.Addendum != nil {
		content = fmt.Sprintf("Revised verdict for session %s after addendum by %s.",
			payload.SessionID, payload.Addendum.By)
	}
	return Result{Status: StatusOK, Content: content}, nil
}

func (m *MockEngine) SynthesizeHybrid(ctx context.Context, payload HybridPayload) (Result, error) {
	if m.HybridFn != nil {
		return m.HybridFn(ctx, payload)
	}
	return Result{
		Status:  StatusOK,
		Content: fmt.Sprintf("Hybrid of %s and %s.", payload.PickA, payload.PickB),
	}, nil
}
