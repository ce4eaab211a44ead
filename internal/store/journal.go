package store

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/metrics"
	"github.com/telemyapp/beacon-relay/internal/model"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type JournalWriter interface {
	InsertPresenceEvent(ctx context.Context, in PresenceEventInput) (string, error)
	UpsertSessionGroup(ctx context.Context, g model.SessionGroup) error
}

type journalEntry struct {
	event *PresenceEventInput
	group *model.SessionGroup
}

// Journal records console events to the database off the event path.
// Entries that do not fit in the queue are dropped.
type Journal struct {
	writer JournalWriter
	clock  clockwork.Clock
	queue  chan journalEntry

	mu   sync.Mutex
	last *model.LocationSample
}

func NewJournal(w JournalWriter, c clockwork.Clock, queueSize int) *Journal {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Journal{writer: w, clock: c, queue: make(chan journalEntry, queueSize)}
}

func (j *Journal) ConnectionChanged(model.ConnState) {}

func (j *Journal) MessageReceived(model.Frame) {}

func (j *Journal) LocationUpdated(sample model.LocationSample) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.last = &sample
}

func (j *Journal) PresenceChanged(online bool, duration time.Duration) {
	in := PresenceEventInput{Online: online, At: j.clock.Now(), Duration: duration}
	j.mu.Lock()
	if !online {
		in.Location = j.last
	}
	// A fix seen before the session started never belongs to it.
	j.last = nil
	j.mu.Unlock()
	j.enqueue(journalEntry{event: &in})
}

// HistoryUpdated persists the newest group, which is the only one a
// single transition can touch.
func (j *Journal) HistoryUpdated(history []model.SessionGroup) {
	if len(history) == 0 {
		return
	}
	g := history[0]
	j.enqueue(journalEntry{group: &g})
}

func (j *Journal) enqueue(e journalEntry) {
	select {
	case j.queue <- e:
	default:
		metrics.Default().IncCounter("beacon_journal_writes_total", map[string]string{"status": "dropped"})
		logger.Warn().Msg("presence journal queue full, entry dropped")
	}
}

// Run drains the queue until ctx is cancelled.
func (j *Journal) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-j.queue:
			j.write(ctx, e)
		}
	}
}

func (j *Journal) write(ctx context.Context, e journalEntry) {
	var err error
	switch {
	case e.event != nil:
		_, err = j.writer.InsertPresenceEvent(ctx, *e.event)
	case e.group != nil:
		err = j.writer.UpsertSessionGroup(ctx, *e.group)
	}
	if err != nil {
		logger.Error().Err(err).Msg("presence journal write failed")
		metrics.Default().IncCounter("beacon_journal_writes_total", map[string]string{"status": "error"})
		return
	}
	metrics.Default().IncCounter("beacon_journal_writes_total", map[string]string{"status": "ok"})
}
