package jobs

import (
	"context"
	"os"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/metrics"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Store interface {
	DeletePresenceEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSessionGroupsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Runner struct {
	store     Store
	clock     clockwork.Clock
	retention time.Duration
}

func NewRunner(store Store, c clockwork.Clock, retention time.Duration) *Runner {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Runner{store: store, clock: c, retention: retention}
}

func (r *Runner) Start(ctx context.Context) {
	go r.runEvery(ctx, "journal_retention", 10*time.Minute, r.PruneJournal)
}

// PruneJournal removes presence events and session groups older than the
// retention window.
func (r *Runner) PruneJournal(ctx context.Context) error {
	cutoff := r.clock.Now().Add(-r.retention)
	events, err := r.store.DeletePresenceEventsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	groups, err := r.store.DeleteSessionGroupsBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	if events > 0 || groups > 0 {
		logger.Info().Int64("events", events).Int64("groups", groups).Time("cutoff", cutoff).Msg("journal pruned")
	}
	return nil
}

func (r *Runner) runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	r.runOnce(ctx, name, fn)
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.runOnce(ctx, name, fn)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, name string, fn func(context.Context) error) {
	start := r.clock.Now()
	err := fn(ctx)
	durMs := float64(r.clock.Since(start).Milliseconds())
	labels := map[string]string{
		"job": name,
	}
	if err != nil {
		logger.Error().Str("metric", "job_run").Str("name", name).Str("status", "error").
			Int64("duration_ms", int64(durMs)).Err(err).Msg("job run")
		labels["status"] = "error"
		metrics.Default().IncCounter("beacon_job_runs_total", labels)
		metrics.Default().ObserveHistogram("beacon_job_duration_ms", durMs, map[string]string{"job": name})
		return
	}
	logger.Info().Str("metric", "job_run").Str("name", name).Str("status", "ok").
		Int64("duration_ms", int64(durMs)).Msg("job run")
	labels["status"] = "ok"
	metrics.Default().IncCounter("beacon_job_runs_total", labels)
	metrics.Default().ObserveHistogram("beacon_job_duration_ms", durMs, map[string]string{"job": name})
}
