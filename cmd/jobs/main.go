package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/config"
	"github.com/telemyapp/beacon-relay/internal/jobs"
	"github.com/telemyapp/beacon-relay/internal/store"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	if cfg.DatabaseURL == "" {
		logger.Fatal().Msg("BEACON_DATABASE_URL is required")
	}
	lvl, _ := cfg.Level()
	zerolog.SetGlobalLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect db")
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal().Err(err).Msg("ping db")
	}

	st := store.New(pool)
	jobs.NewRunner(st, clockwork.NewRealClock(), cfg.JournalRetention).Start(ctx)

	logger.Info().Dur("retention", cfg.JournalRetention).Msg("beacon-jobs worker started")
	<-ctx.Done()
	logger.Info().Msg("beacon-jobs worker stopping")
}
