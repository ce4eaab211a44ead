// Package location recognises coordinate reports in the frame stream and
// keeps the last known fix plus a bounded history of session bounds.
package location

import (
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/presence"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// HistoryCap bounds the number of retained session groups.
const HistoryCap = 20

var coordinatePattern = regexp.MustCompile(`^-?\d+(\.\d+)?_-?\d+(\.\d+)?$`)

// Parse reads a "<lon>_<lat>" payload. Anything else is not a coordinate.
func Parse(text string) (lon, lat float64, ok bool) {
	if !coordinatePattern.MatchString(text) {
		return 0, 0, false
	}
	lonRaw, latRaw, _ := strings.Cut(text, "_")
	lon, err := strconv.ParseFloat(lonRaw, 64)
	if err != nil {
		return 0, 0, false
	}
	lat, err = strconv.ParseFloat(latRaw, 64)
	if err != nil {
		return 0, 0, false
	}
	return lon, lat, true
}

type Tracker struct {
	mu    sync.RWMutex
	clock clockwork.Clock
	last  *model.LocationSample
	// history is most recent first.
	history      []model.SessionGroup
	pendingFirst bool
	// groupOpen is true while history[0] belongs to the current session.
	groupOpen bool
}

func NewTracker(c clockwork.Clock) *Tracker {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Tracker{clock: c}
}

// Observe records a fix. firstFix reports whether it opened a new session
// group.
func (t *Tracker) Observe(lon, lat float64) (sample model.LocationSample, firstFix bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	sample = model.LocationSample{Longitude: lon, Latitude: lat, ObservedAt: t.clock.Now()}
	t.last = &sample
	if !t.pendingFirst {
		return sample, false
	}

	online := sample
	group := model.SessionGroup{ID: uuid.NewString(), OnlineSample: &online}
	t.history = append([]model.SessionGroup{group}, t.history...)
	if len(t.history) > HistoryCap {
		t.history = t.history[:HistoryCap]
	}
	t.pendingFirst = false
	t.groupOpen = true
	logger.Info().Str("group", group.ID).Float64("lon", lon).Float64("lat", lat).Msg("first fix recorded")
	return sample, true
}

// HandlePresence reacts to session boundaries from the presence monitor
// and reports whether the history changed.
func (t *Tracker) HandlePresence(ev presence.Event) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch ev.Kind {
	case presence.SessionStarted:
		t.pendingFirst = true
		t.groupOpen = false
		return false
	case presence.SessionEnded:
		changed := false
		if t.groupOpen && len(t.history) > 0 && t.last != nil {
			offline := *t.last
			t.history[0].OfflineSample = &offline
			changed = true
		}
		t.last = nil
		t.pendingFirst = false
		t.groupOpen = false
		return changed
	}
	return false
}

func (t *Tracker) CurrentLocation() *model.LocationSample {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.last == nil {
		return nil
	}
	cp := *t.last
	return &cp
}

func (t *Tracker) History() []model.SessionGroup {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]model.SessionGroup, len(t.history))
	for i, g := range t.history {
		out[i] = model.SessionGroup{ID: g.ID}
		if g.OnlineSample != nil {
			s := *g.OnlineSample
			out[i].OnlineSample = &s
		}
		if g.OfflineSample != nil {
			s := *g.OfflineSample
			out[i].OfflineSample = &s
		}
	}
	return out
}
