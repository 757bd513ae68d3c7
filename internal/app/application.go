// Package app wires the courtroom modules together and manages their
// lifecycle.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/amicus-app/courtroom/internal/app/deliberation"
	"github.com/amicus-app/courtroom/internal/app/push"
	"github.com/amicus-app/courtroom/internal/app/services/coordinator"
	"github.com/amicus-app/courtroom/internal/app/services/evidence"
	"github.com/amicus-app/courtroom/internal/app/services/phase"
	"github.com/amicus-app/courtroom/internal/app/services/resolution"
	"github.com/amicus-app/courtroom/internal/app/services/settlement"
	"github.com/amicus-app/courtroom/internal/app/storage"
	"github.com/amicus-app/courtroom/internal/app/storage/memory"
	"github.com/amicus-app/courtroom/internal/app/system"
	"github.com/amicus-app/courtroom/internal/app/timers"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// Stores encapsulates persistence dependencies. A nil session store defaults
// to the in-memory implementation; a nil snapshot store disables crash
// recovery.
type Stores struct {
	Sessions  storage.SessionStore
	Snapshots storage.SnapshotStore
}

// Options configures the non-store collaborators.
type Options struct {
	// Engine is the deliberation engine. Nil falls back to the mock.
	Engine deliberation.Engine
	// Extra is an additional broadcaster (e.g. Redis pub/sub) fanned out
	// alongside the in-process WebSocket hub.
	Extra push.Broadcaster

	Timeouts      phase.Timeouts
	SettlementTTL time.Duration
	RetryBackoff  time.Duration
}

// Application ties the session modules together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Coordinator *coordinator.Coordinator
	Hub         *push.Hub
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, opts Options, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}

	if stores.Sessions == nil {
		stores.Sessions = memory.New()
	}
	if opts.Engine == nil {
		log.Warn("no deliberation engine configured; using mock engine")
		opts.Engine = deliberation.NewMockEngine()
	}
	if opts.Timeouts == (phase.Timeouts{}) {
		opts.Timeouts = phase.DefaultTimeouts()
	}

	hub := push.NewHub(log.WithField("component", "push"))
	var broadcaster push.Broadcaster = hub
	if opts.Extra != nil {
		broadcaster = push.Fanout{hub, opts.Extra}
	}

	c := coordinator.New(coordinator.Config{
		Sessions:    stores.Sessions,
		Snapshots:   stores.Snapshots,
		Evidence:    evidence.New(log.WithField("component", "evidence")),
		Resolutions: resolution.New(opts.Engine, opts.RetryBackoff, log.WithField("component", "resolution")),
		Settlements: settlement.New(opts.SettlementTTL, log.WithField("component", "settlement")),
		Phases:      phase.New(opts.Timeouts, opts.Engine, opts.RetryBackoff, log.WithField("component", "phase")),
		Scheduler:   timers.NewScheduler(),
		Broadcaster: broadcaster,
		Logger:      log.WithField("component", "coordinator"),
	})

	manager := system.NewManager()
	if err := manager.Register(&coordinatorService{c: c}); err != nil {
		return nil, fmt.Errorf("register coordinator: %w", err)
	}
	if err := manager.Register(&hubService{hub: hub}); err != nil {
		return nil, fmt.Errorf("register push hub: %w", err)
	}

	return &Application{
		manager:     manager,
		log:         log,
		Coordinator: c,
		Hub:         hub,
	}, nil
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start rehydrates persisted sessions and starts all registered services.
// Must complete before transport traffic is accepted.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services.
func (a *Application) Stop(ctx context.Context) error {
	return a.manager.Stop(ctx)
}

type coordinatorService struct {
	c *coordinator.Coordinator
}

func (s *coordinatorService) Name() string { return "coordinator" }

func (s *coordinatorService) Start(ctx context.Context) error {
	return s.c.RestoreAll(ctx)
}

func (s *coordinatorService) Stop(context.Context) error {
	s.c.Stop()
	return nil
}

type hubService struct {
	hub *push.Hub
}

func (s *hubService) Name() string                { return "push-hub" }
func (s *hubService) Start(context.Context) error { return nil }
func (s *hubService) Stop(context.Context) error  { return s.hub.Close() }
