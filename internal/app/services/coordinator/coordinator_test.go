package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amicus-app/courtroom/internal/app/deliberation"
	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/internal/app/push"
	"github.com/amicus-app/courtroom/internal/app/services/evidence"
	"github.com/amicus-app/courtroom/internal/app/services/phase"
	"github.com/amicus-app/courtroom/internal/app/services/resolution"
	"github.com/amicus-app/courtroom/internal/app/services/settlement"
	"github.com/amicus-app/courtroom/internal/app/storage"
	"github.com/amicus-app/courtroom/internal/app/storage/memory"
	"github.com/amicus-app/courtroom/internal/app/timers"
)

// memorySnapshots is an in-memory stand-in for the postgres backing store.
type memorySnapshots struct {
	mu   sync.Mutex
	rows map[string]*session.Session
}

var _ storage.SnapshotStore = (*memorySnapshots)(nil)

func newMemorySnapshots() *memorySnapshots {
	return &memorySnapshots{rows: make(map[string]*session.Session)}
}

func (m *memorySnapshots) UpsertSnapshot(_ context.Context, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = s.Clone()
	return nil
}

func (m *memorySnapshots) DeleteSnapshot(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, sessionID)
	return nil
}

func (m *memorySnapshots) ListOpenSnapshots(_ context.Context) ([]*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*session.Session, 0, len(m.rows))
	for _, s := range m.rows {
		out = append(out, s.Clone())
	}
	return out, nil
}

func (m *memorySnapshots) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// backdate rewinds every stored phase deadline so rehydration sees it as
// already elapsed.
func (m *memorySnapshots) backdate(to time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		s.TimeoutAt = to
	}
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []push.Event
}

func (r *recordingBroadcaster) Publish(_ context.Context, e push.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recordingBroadcaster) Close() error { return nil }

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}

type fixture struct {
	c         *Coordinator
	store     storage.SessionStore
	snapshots *memorySnapshots
	events    *recordingBroadcaster
	engine    *deliberation.MockEngine
}

func newFixture(t *testing.T, timeouts phase.Timeouts) *fixture {
	t.Helper()
	if timeouts == (phase.Timeouts{}) {
		timeouts = phase.DefaultTimeouts()
	}
	engine := deliberation.NewMockEngine()
	events := &recordingBroadcaster{}
	snapshots := newMemorySnapshots()
	store := memory.New()
	sched := timers.NewScheduler()
	t.Cleanup(sched.Stop)

	c := New(Config{
		Sessions:    store,
		Snapshots:   snapshots,
		Evidence:    evidence.New(nil),
		Resolutions: resolution.New(engine, time.Millisecond, nil),
		Settlements: settlement.New(50*time.Millisecond, nil),
		Phases:      phase.New(timeouts, engine, time.Millisecond, nil),
		Scheduler:   sched,
		Broadcaster: events,
	})
	return &fixture{c: c, store: store, snapshots: snapshots, events: events, engine: engine}
}

func (f *fixture) waitPhase(t *testing.T, userID, want string) *View {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := f.c.StateFor(context.Background(), userID)
		if err == nil && view.Phase == want {
			return view
		}
		time.Sleep(5 * time.Millisecond)
	}
	view, err := f.c.StateFor(context.Background(), userID)
	t.Fatalf("never reached phase %s: view=%+v err=%v", want, view, err)
	return nil
}

func (f *fixture) toResolution(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	if _, err := f.c.Serve(ctx, "alice", "bob", "", "standard", "en"); err != nil {
		t.Fatalf("serve: %v", err)
	}
	if _, err := f.c.Accept(ctx, "bob"); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := f.c.SubmitEvidence(ctx, "alice", "dishes", "upset", "fairness"); err != nil {
		t.Fatalf("evidence alice: %v", err)
	}
	if _, err := f.c.SubmitEvidence(ctx, "bob", "laundry", "tired", "rest"); err != nil {
		t.Fatalf("evidence bob: %v", err)
	}
	f.waitPhase(t, "alice", "PRIMING")
	f.c.MarkPrimingComplete(ctx, "alice")
	f.c.MarkPrimingComplete(ctx, "bob")
	f.c.MarkJointReady(ctx, "alice")
	f.c.MarkJointReady(ctx, "bob")
	f.waitPhase(t, "alice", "RESOLUTION")
}

func TestServeRejectsDuplicatesUnderConcurrency(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	const attempts = 16
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else if !fault.Is(err, fault.CodeDuplicateSession) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 {
		t.Fatalf("exactly one serve should win, got %d", succeeded)
	}
}

func TestServeValidation(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	if _, err := f.c.Serve(ctx, "alice", "alice", "", "", ""); !fault.Is(err, fault.CodeSelfPartner) {
		t.Fatalf("self serve: %v", err)
	}
	if _, err := f.c.Serve(ctx, "alice", "bob", "wrong:couple", "", ""); !fault.Is(err, fault.CodeCoupleMismatch) {
		t.Fatalf("mismatched couple id: %v", err)
	}
}

func TestFullHappyPath(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()
	f.toResolution(t)

	// Scenario A: equal picks finalize without a mismatch.
	f.c.SubmitResolutionPick(ctx, "alice", "A1")
	view, err := f.c.SubmitResolutionPick(ctx, "bob", "A1")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if view.Phase != "VERDICT" || view.Session.FinalResolutionID != "A1" {
		t.Fatalf("matching picks should reach VERDICT with A1: %+v", view)
	}
	if view.Session.Mismatch != nil {
		t.Fatalf("no mismatch expected")
	}

	if _, err := f.c.AcceptVerdict(ctx, "alice"); err != nil {
		t.Fatalf("accept verdict alice: %v", err)
	}
	view, err = f.c.AcceptVerdict(ctx, "bob")
	if err != nil {
		t.Fatalf("accept verdict bob: %v", err)
	}
	if view.Phase != "CLOSED" {
		t.Fatalf("both acceptances should close, got %s", view.Phase)
	}

	if _, err := f.c.StateFor(ctx, "alice"); !fault.Is(err, fault.CodeNoActiveSession) {
		t.Fatalf("closed session should be gone, got %v", err)
	}
	if f.snapshots.count() != 0 {
		t.Fatalf("teardown should delete the snapshot")
	}
}

func TestMismatchHybridFlow(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()
	f.toResolution(t)

	f.c.SubmitResolutionPick(ctx, "alice", "A1")
	view, err := f.c.SubmitResolutionPick(ctx, "bob", "B2")
	if err != nil {
		t.Fatalf("pick: %v", err)
	}
	if view.Session.Mismatch == nil {
		t.Fatalf("differing picks should open a mismatch")
	}

	view, err = f.c.RequestHybridResolution(ctx, "alice")
	if err != nil {
		t.Fatalf("hybrid: %v", err)
	}
	hybridID := view.Session.Mismatch.HybridID
	if hybridID == "" {
		t.Fatalf("hybrid should lock the mismatch: %+v", view.Session.Mismatch)
	}

	if _, err := f.c.SubmitResolutionPick(ctx, "bob", "C3"); !fault.Is(err, fault.CodeMismatchLocked) {
		t.Fatalf("pick outside locked set should fail, got %v", err)
	}

	f.c.SubmitResolutionPick(ctx, "alice", hybridID)
	view, err = f.c.SubmitResolutionPick(ctx, "bob", hybridID)
	if err != nil {
		t.Fatalf("hybrid pick: %v", err)
	}
	if view.Phase != "VERDICT" || view.Session.FinalResolutionID != hybridID {
		t.Fatalf("hybrid convergence should finalize %s: %+v", hybridID, view)
	}
}

func TestProjectionHidesPartnerEvidence(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")
	f.c.SubmitEvidence(ctx, "alice", "dishes", "upset", "fairness")

	view, err := f.c.StateFor(ctx, "bob")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !view.Session.Partner.EvidenceSubmitted {
		t.Fatalf("submission flag should be visible")
	}
	if view.Session.Partner.Evidence != "" || view.Session.Partner.Feelings != "" {
		t.Fatalf("partner evidence must stay hidden before both submit")
	}

	own, err := f.c.StateFor(ctx, "alice")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if own.Session.Me.Evidence != "dishes" {
		t.Fatalf("own evidence should be visible")
	}
	if own.MyViewPhase != "EVIDENCE_WAITING" {
		t.Fatalf("my view phase = %s, want EVIDENCE_WAITING", own.MyViewPhase)
	}
}

func TestStateForIsIdempotent(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	first, err := f.c.StateFor(ctx, "alice")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	for i := 0; i < 10; i++ {
		again, err := f.c.StateFor(ctx, "alice")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if again.Phase != first.Phase || !again.Session.UpdatedAt.Equal(first.Session.UpdatedAt) {
			t.Fatalf("repeated reads must not mutate state")
		}
	}
}

func TestInviteTimeoutRemovesSession(t *testing.T) {
	f := newFixture(t, phase.Timeouts{
		Invite: 30 * time.Millisecond, Evidence: time.Hour, Analyzing: time.Hour,
		Priming: time.Hour, JointReady: time.Hour, Resolution: time.Hour, Verdict: time.Hour,
	})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.c.StateFor(ctx, "alice"); fault.Is(err, fault.CodeNoActiveSession) {
			if _, err := f.c.StateFor(ctx, "bob"); !fault.Is(err, fault.CodeNoActiveSession) {
				t.Fatalf("partner should also lose the session, got %v", err)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expired invite was never removed")
}

func TestCancelOnlyWhilePending(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	if _, err := f.c.Cancel(ctx, "bob"); !fault.Is(err, fault.CodeWrongActor) {
		t.Fatalf("partner cancel: %v", err)
	}
	if _, err := f.c.Cancel(ctx, "alice"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.c.StateFor(ctx, "bob"); !fault.Is(err, fault.CodeNoActiveSession) {
		t.Fatalf("cancelled session should be gone, got %v", err)
	}
}

func TestSettlementLifecycle(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")

	if _, err := f.c.RequestSettlement(ctx, "alice"); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := f.c.AcceptSettlement(ctx, "alice"); !fault.Is(err, fault.CodeForbidden) {
		t.Fatalf("self accept should fail FORBIDDEN, got %v", err)
	}
	view, err := f.c.AcceptSettlement(ctx, "bob")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if view.Phase != "CLOSED" {
		t.Fatalf("accepted settlement should close, got %s", view.Phase)
	}
	if _, err := f.c.StateFor(ctx, "alice"); !fault.Is(err, fault.CodeNoActiveSession) {
		t.Fatalf("settled session should be gone, got %v", err)
	}
}

func TestSettlementExpiresSilently(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")
	f.c.RequestSettlement(ctx, "alice")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := f.c.StateFor(ctx, "alice")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if view.Session.Settlement == nil {
			if view.Phase != "EVIDENCE" {
				t.Fatalf("expiry must not change the phase, got %s", view.Phase)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("settlement offer never expired")
}

func TestDeliberationFailureHoldsSession(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	f.engine.DeliberateFn = func(context.Context, deliberation.Payload) (deliberation.Result, error) {
		return deliberation.Result{}, errors.New("engine down")
	}
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")
	f.c.SubmitEvidence(ctx, "alice", "dishes", "", "")
	f.c.SubmitEvidence(ctx, "bob", "laundry", "", "")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		view, err := f.c.StateFor(ctx, "alice")
		if err != nil {
			t.Fatalf("state: %v", err)
		}
		if view.Session.DeliberationError != "" {
			if view.Phase != "ANALYZING" || view.MyViewPhase != "ANALYZING_FAILED" {
				t.Fatalf("failed deliberation should hold ANALYZING: %+v", view)
			}
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Manual retry via addendum once the engine recovers.
	f.engine.DeliberateFn = nil
	if _, err := f.c.SubmitAddendum(ctx, "alice", "try again"); err != nil {
		t.Fatalf("addendum retry: %v", err)
	}
	view := f.waitPhase(t, "alice", "PRIMING")
	if len(view.Session.Verdicts) != 1 {
		t.Fatalf("retry should produce the first verdict: %+v", view.Session.Verdicts)
	}
}

func TestAddendumAppendsVerdictVersion(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()
	f.toResolution(t)

	f.c.SubmitResolutionPick(ctx, "alice", "A1")
	f.c.SubmitResolutionPick(ctx, "bob", "A1")

	if _, err := f.c.SubmitAddendum(ctx, "bob", "one more thing"); err != nil {
		t.Fatalf("addendum: %v", err)
	}
	view := f.waitPhase(t, "bob", "PRIMING")
	if len(view.Session.Verdicts) != 2 {
		t.Fatalf("addendum should append verdict v2: %+v", view.Session.Verdicts)
	}
	if view.Session.Verdicts[1].Version != 2 || view.Session.Verdicts[1].AddendumBy != "bob" {
		t.Fatalf("second verdict metadata wrong: %+v", view.Session.Verdicts[1])
	}
	if view.Session.FinalResolutionID != "" {
		t.Fatalf("re-deliberation should void the finalized resolution")
	}
}

func TestRestoreAllReArmsTimers(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")

	// Simulate a crash: fresh coordinator over the same snapshot store,
	// with the persisted deadline already in the past.
	f.snapshots.backdate(time.Now().Add(-time.Minute))

	sched := timers.NewScheduler()
	t.Cleanup(sched.Stop)
	restored := New(Config{
		Sessions:    memory.New(),
		Snapshots:   f.snapshots,
		Evidence:    evidence.New(nil),
		Resolutions: resolution.New(f.engine, time.Millisecond, nil),
		Settlements: settlement.New(time.Minute, nil),
		Phases:      phase.New(phase.DefaultTimeouts(), f.engine, time.Millisecond, nil),
		Scheduler:   sched,
	})
	if err := restored.RestoreAll(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	// The elapsed EVIDENCE deadline fires immediately and tears down.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := restored.StateFor(ctx, "alice"); fault.Is(err, fault.CodeNoActiveSession) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("restored session with elapsed deadline was never expired")
}

func TestPushEventsEmitted(t *testing.T) {
	f := newFixture(t, phase.Timeouts{})
	ctx := context.Background()

	f.c.Serve(ctx, "alice", "bob", "", "standard", "en")
	f.c.Accept(ctx, "bob")
	f.c.SubmitEvidence(ctx, "alice", "dishes", "", "")
	f.c.SubmitEvidence(ctx, "bob", "laundry", "", "")
	f.waitPhase(t, "alice", "PRIMING")

	seen := map[string]bool{}
	for _, typ := range f.events.types() {
		seen[typ] = true
	}
	if !seen[push.EventPhaseChanged] || !seen[push.EventVerdictReady] {
		t.Fatalf("expected phase and verdict events, got %v", f.events.types())
	}
}
