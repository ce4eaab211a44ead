package presence

import (
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

// Window is how long the device stays online after its last heartbeat.
const Window = 30 * time.Second

const (
	HelloPayload    = "hello"
	InitAckPayload  = "system init ok"
	ReasonExpired   = "expired"
	ReasonHeartbeat = "heartbeat"
)

// IsHeartbeat reports whether f is one of the reserved keep-alive
// payloads. Matching is exact and case sensitive.
func IsHeartbeat(f model.Frame) bool {
	if !f.IsText() {
		return false
	}
	s := f.Text()
	return s == HelloPayload || s == InitAckPayload
}

type EventKind int

const (
	SessionStarted EventKind = iota + 1
	SessionEnded
)

func (k EventKind) String() string {
	switch k {
	case SessionStarted:
		return "session_started"
	case SessionEnded:
		return "session_ended"
	}
	return "unknown"
}

type Event struct {
	Kind EventKind
	At   time.Time
	// Duration is set on SessionEnded only.
	Duration time.Duration
	Reason   string
}

// Monitor infers device presence from heartbeats. Subscribers are called
// while the monitor lock is held so they observe transitions in order;
// they must not call back into the Monitor.
type Monitor struct {
	mu          sync.Mutex
	clock       clockwork.Clock
	window      time.Duration
	online      bool
	onlineSince time.Time
	deadline    time.Time
	generation  uint64
	timer       clockwork.Timer
	subscribers []func(Event)
}

func NewMonitor(c clockwork.Clock, window time.Duration) *Monitor {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if window <= 0 {
		window = Window
	}
	return &Monitor{clock: c, window: window}
}

func (m *Monitor) Subscribe(fn func(Event)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Heartbeat moves an offline device online, or extends the expiry deadline
// of an online one. onlineSince is never moved by a repeat heartbeat.
func (m *Monitor) Heartbeat() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	m.armLocked(now)
	if m.online {
		return
	}
	m.online = true
	m.onlineSince = now
	logger.Info().Time("since", now).Msg("device online")
	metrics.Default().IncCounter("beacon_presence_transitions_total", map[string]string{"online": "true"})
	m.emitLocked(Event{Kind: SessionStarted, At: now, Reason: ReasonHeartbeat})
}

// ForceOffline ends the current session immediately, e.g. because the
// transport to the device closed. It is a no-op while offline.
func (m *Monitor) ForceOffline(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.goOfflineLocked(reason, m.clock.Now())
}

func (m *Monitor) State() model.PresenceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := model.PresenceState{Online: m.online}
	if m.online {
		since, deadline := m.onlineSince, m.deadline
		st.OnlineSince = &since
		st.ExpiryDeadline = &deadline
	}
	return st
}

// Close cancels any pending expiry without emitting an event.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

func (m *Monitor) armLocked(now time.Time) {
	m.cancelLocked()
	gen := m.generation
	m.deadline = now.Add(m.window)
	m.timer = m.clock.AfterFunc(m.window, func() { m.expire(gen) })
}

// cancelLocked stops the live timer and bumps the generation so a callback
// that already escaped Stop sees itself as stale.
func (m *Monitor) cancelLocked() {
	m.generation++
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Monitor) expire(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation {
		return
	}
	m.timer = nil
	// The session ended at the deadline, however late the callback runs.
	m.goOfflineLocked(ReasonExpired, m.deadline)
}

func (m *Monitor) goOfflineLocked(reason string, now time.Time) {
	m.cancelLocked()
	if !m.online {
		return
	}
	dur := now.Sub(m.onlineSince)
	m.online = false
	m.onlineSince = time.Time{}
	m.deadline = time.Time{}
	logger.Info().Str("reason", reason).Int64("duration_ms", dur.Milliseconds()).Msg("device offline")
	metrics.Default().IncCounter("beacon_presence_transitions_total", map[string]string{"online": "false"})
	metrics.Default().ObserveHistogram("beacon_session_duration_ms", float64(dur.Milliseconds()), nil)
	m.emitLocked(Event{Kind: SessionEnded, At: now, Duration: dur, Reason: reason})
}

func (m *Monitor) emitLocked(ev Event) {
	for _, fn := range m.subscribers {
		fn(ev)
	}
}
