package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/telemyapp/beacon-relay/internal/api"
	"github.com/telemyapp/beacon-relay/internal/config"
	"github.com/telemyapp/beacon-relay/internal/console"
	"github.com/telemyapp/beacon-relay/internal/relay"
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
	lvl, _ := cfg.Level()
	zerolog.SetGlobalLevel(lvl)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var st *store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("connect db")
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ping db")
		}
		st = store.New(pool)
		if err := st.EnsureSchema(ctx); err != nil {
			logger.Fatal().Err(err).Msg("ensure journal schema")
		}
	} else {
		logger.Info().Msg("BEACON_DATABASE_URL not set, presence journal disabled")
	}

	var journal *store.Journal
	if st != nil {
		journal = store.NewJournal(st, clockwork.NewRealClock(), cfg.JournalQueueSize)
	}
	obs := console.NewObserver(clockwork.NewRealClock(), buildSink(logger, journal))
	defer obs.Close()

	hub := relay.NewHub(console.NewTap(obs))
	ws := relay.NewHandler(hub, cfg.RelayOptions(), cfg.CheckOrigin)
	handler := api.NewRouter(cfg, ws, hub, obs, journalReader(st))

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Fatal().Err(err).Str("addr", cfg.ListenAddr).Msg("bind listener")
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", ln.Addr().String()).Msg("beacon-relay listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Shutdown does not track hijacked connections.
		hub.CloseAll(websocket.CloseGoingAway, "server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if journal != nil {
		g.Go(func() error {
			journal.Run(gctx)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("http server")
	}
	logger.Info().Msg("beacon-relay stopped")
}

func buildSink(l zerolog.Logger, journal *store.Journal) console.Sink {
	sinks := console.MultiSink{console.LogSink{Logger: l}}
	if journal != nil {
		sinks = append(sinks, journal)
	}
	return sinks
}

// journalReader keeps a missing store as a nil interface so the API can
// report the journal as unavailable.
func journalReader(st *store.Store) api.Journal {
	if st == nil {
		return nil
	}
	return st
}
