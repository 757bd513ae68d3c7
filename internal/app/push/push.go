// Package push fans session state-change events out to live clients. Events
// are advisory; GET /state remains the authoritative source for clients
// without a live connection.
package push

import (
	"context"
	"time"
)

// Event types emitted by the coordinator.
const (
	EventPhaseChanged        = "phase_changed"
	EventVerdictReady        = "verdict_ready"
	EventSettlementRequested = "settlement_requested"
	EventSettlementResolved  = "settlement_resolved"
	EventSessionClosed       = "session_closed"
)

// Event is one state-change notification for a couple's room.
type Event struct {
	Type      string    `json:"type"`
	CoupleID  string    `json:"couple_id"`
	SessionID string    `json:"session_id"`
	Phase     string    `json:"phase"`
	At        time.Time `json:"at"`
}

// Broadcaster delivers events to whatever transport is listening.
// Implementations must tolerate slow or absent consumers without blocking
// the coordinator.
type Broadcaster interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

// Nop discards every event. Used when no push transport is configured.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Fanout publishes each event to every wrapped broadcaster, returning the
// first error after attempting all of them.
type Fanout []Broadcaster

func (f Fanout) Publish(ctx context.Context, event Event) error {
	var first error
	for _, b := range f {
		if err := b.Publish(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f Fanout) Close() error {
	var first error
	for _, b := range f {
		if err := b.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
