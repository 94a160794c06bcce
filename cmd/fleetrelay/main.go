// Command fleetrelay runs the device presence and command dispatch server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/fleetrelay/fleetrelay/internal/server"
	"github.com/fleetrelay/fleetrelay/internal/statestore"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	log.Logger = logger

	if v := os.Getenv("FLEETRELAY_LOG_LEVEL"); v != "" {
		if level, err := zerolog.ParseLevel(v); err == nil {
			zerolog.SetGlobalLevel(level)
		}
	}

	cfg, err := server.LoadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data directory")
	}

	db, err := statestore.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("failed to open database")
	}
	defer func() { _ = db.Close() }()

	srv, err := server.New(cfg, logger, db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize server")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}
