package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/fleetrelay/fleetrelay/internal/command"
	"github.com/fleetrelay/fleetrelay/internal/ephemeral"
	"github.com/fleetrelay/fleetrelay/internal/presence"
	"github.com/fleetrelay/fleetrelay/internal/push"
	"github.com/fleetrelay/fleetrelay/internal/ratelimit"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

// Server is the FleetRelay dispatch server.
type Server struct {
	cfg        *Config
	log        zerolog.Logger
	store      statestore.Store
	auth       *AuthService
	hub        *Hub
	tracker    *presence.Tracker
	dispatcher *command.Dispatcher
	ephemeral  *ephemeral.Store
	cooldown   *ratelimit.Cooldown
	sender     push.Sender
	retention  *retention
	httpServer *http.Server
}

// New creates a fully wired server on top of an opened database.
func New(cfg *Config, logger zerolog.Logger, db *sql.DB) (*Server, error) {
	store := statestore.New(logger, db)

	auth, err := NewAuthService(cfg, db)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	sender := push.NewHTTPSender(push.SenderConfig{
		APIKey:  cfg.PushAPIKey,
		BaseURL: cfg.PushBaseURL,
		Timeout: cfg.PushTimeout,
	})

	hub := NewHub(logger, store)
	tracker := presence.New(logger, store, hub)
	hub.tracker = tracker

	s := &Server{
		cfg:        cfg,
		log:        logger.With().Str("component", "server").Logger(),
		store:      store,
		auth:       auth,
		hub:        hub,
		tracker:    tracker,
		dispatcher: command.New(logger, store, sender),
		ephemeral:  ephemeral.New(logger, store, cfg.RestartTTL),
		cooldown:   ratelimit.New(),
		sender:     sender,
		retention:  newRetention(logger, auth, store, cfg.AuditRetention),
	}

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      s.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)

	r.Get("/health", s.handleHealth)
	r.Post("/login", s.handleLogin)
	r.Get("/ws", s.handleWebSocket)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Use(s.requireCSRF)

		r.Get("/devices", s.handleDevices)

		r.Post("/command", s.handleSubmitCommand)
		r.Get("/commands", s.handleCommands)
		r.Get("/commands/latest/{id}", s.handleLatestCommand)
		r.Get("/commands/{id}", s.handleDeviceCommands)
		r.Get("/command-logs", s.handleCommandLogs)

		r.Get("/checkonline/{id}", s.handleCheckOnline)

		r.Post("/restart/{id}", s.handleCreateRestart)
		r.Get("/restart/{id}", s.handleReadRestart)

		r.Get("/lastcheck/{id}", s.handleLastCheck)
		r.Get("/brosreply/{id}", s.handleWatchReply)
	})

	return r
}

// Run starts background workers and serves HTTP until the context is
// cancelled.
func (s *Server) Run(ctx context.Context) error {
	// Connections did not survive the restart; every presence record
	// starts offline until devices re-register.
	if err := s.resetPresence(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to reset presence records")
	}

	go s.hub.Run()
	s.hub.StartWatches()
	s.dispatcher.Start()
	if err := s.retention.start(s.cfg.SweepSchedule); err != nil {
		return err
	}

	s.hub.RefreshDevices("initial")

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", s.cfg.ListenAddr).Msg("listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	s.log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Error().Err(err).Msg("http shutdown failed")
	}

	s.dispatcher.Stop()
	s.hub.StopWatches()
	s.retention.stop()
	return nil
}

// resetPresence marks every presence record offline at startup.
func (s *Server) resetPresence(ctx context.Context) error {
	raw, err := s.store.Get(ctx, "presence")
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	var records map[string]presence.Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for id, rec := range records {
		if rec.Connectivity == presence.Offline {
			continue
		}
		rec.Connectivity = presence.Offline
		rec.Timestamp = now
		if err := s.store.Set(ctx, "presence/"+id, rec); err != nil {
			s.log.Warn().Err(err).Str("device", id).Msg("failed to mark device offline")
		}
	}
	return nil
}
