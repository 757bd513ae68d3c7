// Package runtime assembles the configured application and runs its HTTP
// server with graceful shutdown.
package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	app "github.com/amicus-app/courtroom/internal/app"
	"github.com/amicus-app/courtroom/internal/app/deliberation"
	"github.com/amicus-app/courtroom/internal/app/httpapi"
	"github.com/amicus-app/courtroom/internal/app/metrics"
	"github.com/amicus-app/courtroom/internal/app/push"
	"github.com/amicus-app/courtroom/internal/app/services/phase"
	"github.com/amicus-app/courtroom/internal/app/storage"
	"github.com/amicus-app/courtroom/internal/app/storage/postgres"
	"github.com/amicus-app/courtroom/internal/config"
	"github.com/amicus-app/courtroom/internal/middleware"
	"github.com/amicus-app/courtroom/internal/platform/migrations"
	"github.com/amicus-app/courtroom/pkg/logger"
)

// Server owns the process-level resources: application, HTTP listener,
// database and Redis connections.
type Server struct {
	cfg   *config.Config
	log   *logger.Logger
	app   *app.Application
	http  *http.Server
	db    *sql.DB
	redis *redis.Client
}

// New assembles a server from the configuration.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	log := logger.New(cfg.Logging).WithField("service", "courtroom")

	s := &Server{cfg: cfg, log: log}

	var snapshots storage.SnapshotStore
	if cfg.Database.URL != "" {
		db, err := sql.Open("postgres", cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		if err := migrations.Apply(ctx, db); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		s.db = db
		snapshots = postgres.New(db)
		log.Info("snapshot store enabled")
	} else {
		log.Warn("DATABASE_URL not set; crash recovery disabled")
	}

	var engine deliberation.Engine
	if cfg.Engine.Mock || cfg.Engine.Endpoint == "" {
		log.Warn("deliberation engine not configured; using mock engine")
		engine = deliberation.NewMockEngine()
	} else {
		client := &http.Client{Timeout: cfg.Engine.Timeout.Std()}
		e, err := deliberation.NewHTTPEngine(client, cfg.Engine.Endpoint, cfg.Engine.APIKey, log.WithField("component", "engine"))
		if err != nil {
			return nil, fmt.Errorf("configure engine: %w", err)
		}
		engine = e
	}

	var extra push.Broadcaster
	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		extra = push.NewRedisPublisher(s.redis, cfg.Redis.ChannelPrefix, log.WithField("component", "push"))
		log.Info("redis event mirror enabled")
	}

	application, err := app.New(
		app.Stores{Snapshots: snapshots},
		app.Options{
			Engine: engine,
			Extra:  extra,
			Timeouts: phase.Timeouts{
				Invite:     cfg.Session.InviteTimeout.Std(),
				Evidence:   cfg.Session.EvidenceTimeout.Std(),
				Analyzing:  cfg.Session.AnalyzingTimeout.Std(),
				Priming:    cfg.Session.PrimingTimeout.Std(),
				JointReady: cfg.Session.JointReadyTimeout.Std(),
				Resolution: cfg.Session.ResolutionTimeout.Std(),
				Verdict:    cfg.Session.VerdictTimeout.Std(),
			},
			SettlementTTL: cfg.Session.SettlementTTL.Std(),
			RetryBackoff:  cfg.Session.RetryBackoff.Std(),
		},
		log,
	)
	if err != nil {
		return nil, err
	}
	s.app = application

	var handler http.Handler = httpapi.NewHandler(application, log.WithField("component", "httpapi"))
	handler = middleware.NewRateLimiter(cfg.Server.RatePerSecond, cfg.Server.RateBurst, log).Handler(handler)
	handler = middleware.NewAuthMiddleware([]byte(cfg.Auth.JWTSecret), log, []string{"/healthz", "/metrics"}).Handler(handler)
	handler = middleware.NewCORSMiddleware(cfg.Server.AllowedOrigins).Handler(handler)
	handler = metrics.InstrumentHandler(handler)

	s.http = &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
		IdleTimeout:  cfg.Server.IdleTimeout.Std(),
	}

	return s, nil
}

// Run starts the application, serves HTTP until ctx is cancelled, then shuts
// everything down in order.
func (s *Server) Run(ctx context.Context) error {
	// Sessions must be rehydrated and timers re-armed before the listener
	// opens.
	if err := s.app.Start(ctx); err != nil {
		return fmt.Errorf("start application: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.http.Addr).Info("http server listening")
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		s.shutdown(context.Background())
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout.Std())
	defer cancel()

	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("http shutdown")
	}
	s.shutdown(shutdownCtx)
	return nil
}

func (s *Server) shutdown(ctx context.Context) {
	if err := s.app.Stop(ctx); err != nil {
		s.log.WithError(err).Warn("application stop")
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.log.WithError(err).Warn("redis close")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.log.WithError(err).Warn("database close")
		}
	}
}
