// Package coordinator is the only surface the transport layer talks to. It
// composes the stages, serializes concurrent actions per couple, persists a
// snapshot at every transition, and emits state-change events.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/amicus-app/courtroom/internal/app/deliberation"
	"github.com/amicus-app/courtroom/internal/app/domain/session"
	"github.com/amicus-app/courtroom/internal/app/fault"
	"github.com/amicus-app/courtroom/internal/app/metrics"
	"github.com/amicus-app/courtroom/internal/app/push"
	"github.com/amicus-app/courtroom/internal/app/services/evidence"
	"github.com/amicus-app/courtroom/internal/app/services/phase"
	"github.com/amicus-app/courtroom/internal/app/services/resolution"
	"github.com/amicus-app/courtroom/internal/app/services/settlement"
	"github.com/amicus-app/courtroom/internal/app/storage"
	"github.com/amicus-app/courtroom/internal/app/timers"
	"github.com/amicus-app/courtroom/pkg/logger"
)

const settlementTimerSuffix = "/settlement"

// deliberateTimeout bounds a single engine invocation including its retry.
const deliberateTimeout = 5 * time.Minute

// Coordinator drives the whole session lifecycle. Mutating calls against the
// same couple are serialized; different couples run concurrently.
type Coordinator struct {
	sessions    storage.SessionStore
	snapshots   storage.SnapshotStore
	evidence    *evidence.Stage
	resolutions *resolution.Stage
	settlements *settlement.Stage
	phases      *phase.Controller
	sched       *timers.Scheduler
	broadcaster push.Broadcaster
	log         *logger.Logger
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Config wires the coordinator's collaborators. Snapshots and Broadcaster
// may be nil; the coordinator then runs memory-only and push-free.
type Config struct {
	Sessions    storage.SessionStore
	Snapshots   storage.SnapshotStore
	Evidence    *evidence.Stage
	Resolutions *resolution.Stage
	Settlements *settlement.Stage
	Phases      *phase.Controller
	Scheduler   *timers.Scheduler
	Broadcaster push.Broadcaster
	Logger      *logger.Logger
}

// New creates the coordinator.
func New(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewDefault("coordinator")
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = timers.NewScheduler()
	}
	if cfg.Broadcaster == nil {
		cfg.Broadcaster = push.Nop{}
	}
	return &Coordinator{
		sessions:    cfg.Sessions,
		snapshots:   cfg.Snapshots,
		evidence:    cfg.Evidence,
		resolutions: cfg.Resolutions,
		settlements: cfg.Settlements,
		phases:      cfg.Phases,
		sched:       cfg.Scheduler,
		broadcaster: cfg.Broadcaster,
		log:         cfg.Logger,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}
}

// coupleLock returns the mutex serializing actions for one couple. Locks are
// never reaped; the map is bounded by the couple population.
func (c *Coordinator) coupleLock(coupleID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[coupleID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[coupleID] = l
	}
	return l
}

// Stop cancels all pending timers. In-flight calls finish normally.
func (c *Coordinator) Stop() {
	c.sched.Stop()
}

// Serve creates a session against the partner. The couple identity is
// derived server-side; a client-supplied coupleID, when present, must match.
func (c *Coordinator) Serve(ctx context.Context, creatorID, partnerID, coupleID, judgeType, caseLanguage string) (*View, error) {
	now := c.now()
	s, err := c.phases.NewSession(creatorID, partnerID, caseLanguage, judgeType, now)
	if err != nil {
		return nil, err
	}
	if coupleID != "" && coupleID != s.CoupleID {
		return nil, fault.Errorf(fault.CodeCoupleMismatch, "couple id %s does not match the two parties", coupleID)
	}

	lock := c.coupleLock(s.CoupleID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := c.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}
	if err := c.persistSnapshot(ctx, s); err != nil {
		// Roll the table entry back so memory never outlives the store.
		if rmErr := c.sessions.RemoveSession(ctx, s.ID); rmErr != nil {
			c.log.WithField("session_id", s.ID).WithError(rmErr).
				Error("rollback after snapshot failure failed")
		}
		return nil, err
	}

	c.armPhaseTimer(s)
	c.publish(push.EventPhaseChanged, s)
	c.recordActiveSessions(ctx)
	metrics.RecordPhaseTransition(s.Phase.String())

	c.log.WithField("session_id", s.ID).
		WithField("couple_id", s.CoupleID).
		WithField("creator_id", creatorID).
		Info("session served")
	return c.viewFor(s, creatorID), nil
}

// Accept moves the caller's pending session into EVIDENCE.
func (c *Coordinator) Accept(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if err := c.phases.Accept(s, userID, now); err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: true}, nil
	})
}

// Cancel withdraws a pending invite. Only the creator may cancel.
func (c *Coordinator) Cancel(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if err := c.phases.Cancel(s, userID); err != nil {
			return outcome{}, err
		}
		s.EnterPhase(session.PhaseClosed, now, 0)
		return outcome{teardown: true}, nil
	})
}

// SubmitEvidence records the caller's one-shot submission. When both parties
// are in, the session moves to ANALYZING and deliberation starts in the
// background.
func (c *Coordinator) SubmitEvidence(ctx context.Context, userID, evidenceText, feelings, needs string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		bothIn, err := c.evidence.Submit(s, userID, evidenceText, feelings, needs, now)
		if err != nil {
			return outcome{}, err
		}
		if !bothIn {
			return outcome{}, nil
		}
		if err := c.phases.BeginAnalysis(s, now); err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: true, deliberate: true}, nil
	})
}

// SubmitAddendum files supplemental material and re-deliberates.
func (c *Coordinator) SubmitAddendum(ctx context.Context, userID, text string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		addendum, err := c.phases.Addendum(s, userID, text, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: true, deliberate: true, addendum: addendum}, nil
	})
}

// MarkPrimingComplete acknowledges the caller's private verdict read.
func (c *Coordinator) MarkPrimingComplete(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		both, err := c.phases.PrimingAck(s, userID, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: both}, nil
	})
}

// MarkJointReady records the caller sitting down for the joint reading.
func (c *Coordinator) MarkJointReady(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		both, err := c.phases.JointReady(s, userID, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: both}, nil
	})
}

// SubmitResolutionPick records the caller's resolution choice.
func (c *Coordinator) SubmitResolutionPick(ctx context.Context, userID, resolutionID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		finalized, err := c.resolutions.SubmitPick(s, userID, resolutionID, now)
		if err != nil {
			return outcome{}, err
		}
		if finalized == "" {
			return outcome{}, nil
		}
		if err := c.phases.FinalizeResolution(s, now); err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: true}, nil
	})
}

// AcceptPartnerResolution adopts the other party's pick, ending the mismatch.
func (c *Coordinator) AcceptPartnerResolution(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if _, err := c.resolutions.AcceptPartner(s, userID, now); err != nil {
			return outcome{}, err
		}
		if err := c.phases.FinalizeResolution(s, now); err != nil {
			return outcome{}, err
		}
		return outcome{phaseChanged: true}, nil
	})
}

// RequestHybridResolution synthesizes a third resolution from the mismatched
// picks and locks the pick set. The engine call runs within the couple's
// serialized slot.
func (c *Coordinator) RequestHybridResolution(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		start := c.now()
		err := c.resolutions.RequestHybrid(ctx, s, userID, now)
		if err != nil {
			if fault.Is(err, fault.CodeDeliberationFailed) {
				metrics.RecordDeliberation("hybrid", "error", c.now().Sub(start))
			}
			return outcome{}, err
		}
		metrics.RecordDeliberation("hybrid", "ok", c.now().Sub(start))
		return outcome{}, nil
	})
}

// AcceptVerdict records the caller's acceptance. When both have accepted the
// session closes for good.
func (c *Coordinator) AcceptVerdict(ctx context.Context, userID string) (*View, error) {
	return c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		both, err := c.phases.AcceptVerdict(s, userID, now)
		if err != nil {
			return outcome{}, err
		}
		return outcome{teardown: both}, nil
	})
}

// RequestSettlement opens an early-exit offer without leaving the current
// phase.
func (c *Coordinator) RequestSettlement(ctx context.Context, userID string) (*View, error) {
	view, err := c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if err := c.settlements.Request(s, userID, now); err != nil {
			return outcome{}, err
		}
		return outcome{settlementOpened: true}, nil
	})
	if err == nil {
		metrics.RecordSettlement("requested")
	}
	return view, err
}

// AcceptSettlement dismisses the case by mutual agreement.
func (c *Coordinator) AcceptSettlement(ctx context.Context, userID string) (*View, error) {
	view, err := c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if err := c.settlements.Accept(s, userID, now); err != nil {
			return outcome{}, err
		}
		return outcome{teardown: true}, nil
	})
	if err == nil {
		metrics.RecordSettlement("accepted")
	}
	return view, err
}

// DeclineSettlement clears the open offer; the session resumes unchanged.
func (c *Coordinator) DeclineSettlement(ctx context.Context, userID string) (*View, error) {
	view, err := c.mutate(ctx, userID, func(s *session.Session, now time.Time) (outcome, error) {
		if err := c.settlements.Decline(s, userID, now); err != nil {
			return outcome{}, err
		}
		return outcome{settlementClosed: true}, nil
	})
	if err == nil {
		metrics.RecordSettlement("declined")
	}
	return view, err
}

// StateFor returns the caller's projection of their active session. It never
// mutates state and takes no lock; the store hands out consistent clones.
func (c *Coordinator) StateFor(ctx context.Context, userID string) (*View, error) {
	s, err := c.sessions.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return c.viewFor(s, userID), nil
}

// outcome tells the mutation wrapper what housekeeping a stage mutation
// requires after commit.
type outcome struct {
	phaseChanged     bool
	teardown         bool
	deliberate       bool
	addendum         *deliberation.AddendumContext
	settlementOpened bool
	settlementClosed bool
}

// mutate is the serialized clone-mutate-commit path shared by every mutating
// operation. The snapshot is persisted before the in-memory commit so a
// backing-store failure leaves the session exactly as it was.
func (c *Coordinator) mutate(ctx context.Context, userID string, fn func(*session.Session, time.Time) (outcome, error)) (*View, error) {
	current, err := c.sessions.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	lock := c.coupleLock(current.CoupleID)
	lock.Lock()
	defer lock.Unlock()

	// Re-resolve under the lock; the session may have advanced or been
	// torn down while we waited.
	current, err = c.sessions.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	now := c.now()
	next := current.Clone()
	out, err := fn(next, now)
	if err != nil {
		return nil, err
	}

	if out.teardown {
		if err := c.teardown(ctx, next); err != nil {
			return nil, err
		}
		return c.viewFor(next, userID), nil
	}

	if err := c.persistSnapshot(ctx, next); err != nil {
		return nil, err
	}
	if _, err := c.sessions.UpdateSession(ctx, next); err != nil {
		return nil, err
	}

	if out.phaseChanged {
		c.armPhaseTimer(next)
		metrics.RecordPhaseTransition(next.Phase.String())
		if next.Phase == session.PhasePriming {
			c.publish(push.EventVerdictReady, next)
		} else {
			c.publish(push.EventPhaseChanged, next)
		}
	}
	if out.settlementOpened && next.Settlement != nil {
		c.armSettlementTimer(next)
		c.publish(push.EventSettlementRequested, next)
	}
	if out.settlementClosed {
		c.sched.Disarm(next.CoupleID + settlementTimerSuffix)
		c.publish(push.EventSettlementResolved, next)
	}
	if out.deliberate {
		go c.runDeliberation(next.CoupleID, next.PhaseEnteredAt, out.addendum)
	}

	return c.viewFor(next, userID), nil
}

// teardown removes the session everywhere: snapshot, table, timers.
func (c *Coordinator) teardown(ctx context.Context, s *session.Session) error {
	if c.snapshots != nil {
		if err := c.snapshots.DeleteSnapshot(ctx, s.ID); err != nil {
			return err
		}
	}
	if err := c.sessions.RemoveSession(ctx, s.ID); err != nil && !fault.Is(err, fault.CodeNoActiveSession) {
		return err
	}
	c.sched.Disarm(s.CoupleID)
	c.sched.Disarm(s.CoupleID + settlementTimerSuffix)

	c.publish(push.EventSessionClosed, s)
	c.recordActiveSessions(ctx)

	c.log.WithField("session_id", s.ID).
		WithField("couple_id", s.CoupleID).
		Info("session torn down")
	return nil
}

func (c *Coordinator) persistSnapshot(ctx context.Context, s *session.Session) error {
	if c.snapshots == nil {
		return nil
	}
	return c.snapshots.UpsertSnapshot(ctx, s)
}

// armPhaseTimer schedules the current phase's deadline. The entered-at value
// captured here makes a late fire against an advanced session a no-op.
func (c *Coordinator) armPhaseTimer(s *session.Session) {
	if s.TimeoutAt.IsZero() {
		c.sched.Disarm(s.CoupleID)
		return
	}
	coupleID := s.CoupleID
	enteredAt := s.PhaseEnteredAt
	c.sched.Arm(coupleID, s.TimeoutAt, func() {
		c.expirePhase(coupleID, enteredAt)
	})
}

func (c *Coordinator) armSettlementTimer(s *session.Session) {
	coupleID := s.CoupleID
	requestedAt := s.Settlement.RequestedAt
	c.sched.Arm(coupleID+settlementTimerSuffix, s.Settlement.ExpiresAt, func() {
		c.expireSettlement(coupleID, requestedAt)
	})
}

// expirePhase consumes an elapsed phase deadline.
func (c *Coordinator) expirePhase(coupleID string, enteredAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock := c.coupleLock(coupleID)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.sessions.GetByCoupleID(ctx, coupleID)
	if err != nil {
		return
	}

	now := c.now()
	next := current.Clone()
	expiredPhase := next.Phase

	switch c.phases.Expire(next, enteredAt, now) {
	case phase.ExpiryTeardown:
		metrics.RecordPhaseTimeout(expiredPhase.String())
		if err := c.teardown(ctx, next); err != nil {
			c.log.WithField("couple_id", coupleID).WithError(err).
				Error("teardown on phase timeout failed")
		}
	case phase.ExpiryAdvance:
		metrics.RecordPhaseTimeout(expiredPhase.String())
		if err := c.persistSnapshot(ctx, next); err != nil {
			c.log.WithField("couple_id", coupleID).WithError(err).
				Error("snapshot on phase timeout failed")
			return
		}
		if _, err := c.sessions.UpdateSession(ctx, next); err != nil {
			return
		}
		c.armPhaseTimer(next)
		metrics.RecordPhaseTransition(next.Phase.String())
		c.publish(push.EventPhaseChanged, next)
	}
}

// expireSettlement auto-declines a stale offer. The requested-at guard keeps
// the callback a no-op when the offer was already resolved or replaced.
func (c *Coordinator) expireSettlement(coupleID string, requestedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	lock := c.coupleLock(coupleID)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.sessions.GetByCoupleID(ctx, coupleID)
	if err != nil {
		return
	}

	now := c.now()
	next := current.Clone()
	if !c.settlements.Expire(next, requestedAt, now) {
		return
	}
	if err := c.persistSnapshot(ctx, next); err != nil {
		return
	}
	if _, err := c.sessions.UpdateSession(ctx, next); err != nil {
		return
	}
	metrics.RecordSettlement("expired")
	c.publish(push.EventSettlementResolved, next)
}

// runDeliberation invokes the engine outside the couple lock and commits the
// verdict under it. The entered-at guard drops the result if the session
// moved on (addendum, timeout, teardown) while the engine was working.
func (c *Coordinator) runDeliberation(coupleID string, enteredAt time.Time, addendum *deliberation.AddendumContext) {
	ctx, cancel := context.WithTimeout(context.Background(), deliberateTimeout)
	defer cancel()

	lock := c.coupleLock(coupleID)

	lock.Lock()
	current, err := c.sessions.GetByCoupleID(ctx, coupleID)
	if err != nil || current.Phase != session.PhaseAnalyzing || !current.PhaseEnteredAt.Equal(enteredAt) {
		lock.Unlock()
		return
	}
	payload := c.phases.BuildPayload(current, addendum)
	lock.Unlock()

	start := c.now()
	result, dErr := c.phases.Deliberate(ctx, payload)

	lock.Lock()
	defer lock.Unlock()

	current, err = c.sessions.GetByCoupleID(ctx, coupleID)
	if err != nil || current.Phase != session.PhaseAnalyzing || !current.PhaseEnteredAt.Equal(enteredAt) {
		return
	}

	now := c.now()
	next := current.Clone()

	if dErr != nil {
		metrics.RecordDeliberation("verdict", "error", c.now().Sub(start))
		c.phases.MarkDeliberationFailed(next, dErr, now)
		if err := c.persistSnapshot(ctx, next); err != nil {
			return
		}
		if _, err := c.sessions.UpdateSession(ctx, next); err != nil {
			return
		}
		c.publish(push.EventPhaseChanged, next)
		return
	}

	metrics.RecordDeliberation("verdict", string(result.Status), c.now().Sub(start))
	if err := c.phases.ApplyVerdict(next, result, addendum, now); err != nil {
		return
	}
	if err := c.persistSnapshot(ctx, next); err != nil {
		c.log.WithField("couple_id", coupleID).WithError(err).
			Error("snapshot after verdict failed")
		return
	}
	if _, err := c.sessions.UpdateSession(ctx, next); err != nil {
		return
	}
	c.armPhaseTimer(next)
	metrics.RecordPhaseTransition(next.Phase.String())
	c.publish(push.EventVerdictReady, next)
}

// RestoreAll rehydrates every open snapshot into the session table and
// re-arms timers. Deadlines already in the past fire immediately. Must run
// before transport traffic is accepted.
func (c *Coordinator) RestoreAll(ctx context.Context) error {
	if c.snapshots == nil {
		return nil
	}
	open, err := c.snapshots.ListOpenSnapshots(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, s := range open {
		if _, err := c.sessions.CreateSession(ctx, s); err != nil {
			c.log.WithField("session_id", s.ID).WithError(err).
				Warn("skipping unrestorable snapshot")
			continue
		}
		c.armPhaseTimer(s)
		if s.Settlement != nil {
			c.armSettlementTimer(s)
		}
		// Deliberation in flight at crash time is resumed from scratch.
		if s.Phase == session.PhaseAnalyzing && s.DeliberationError == "" {
			go c.runDeliberation(s.CoupleID, s.PhaseEnteredAt, nil)
		}
		restored++
	}

	c.recordActiveSessions(ctx)
	c.log.WithField("restored", restored).Info("session table rehydrated")
	return nil
}

func (c *Coordinator) recordActiveSessions(ctx context.Context) {
	if all, err := c.sessions.ListSessions(ctx); err == nil {
		metrics.SetActiveSessions(len(all))
	}
}

func (c *Coordinator) publish(eventType string, s *session.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := push.Event{
		Type:      eventType,
		CoupleID:  s.CoupleID,
		SessionID: s.ID,
		Phase:     s.Phase.String(),
		At:        c.now(),
	}
	if err := c.broadcaster.Publish(ctx, event); err != nil {
		c.log.WithField("couple_id", s.CoupleID).WithError(err).
			Warn("push publish failed")
	}
}
