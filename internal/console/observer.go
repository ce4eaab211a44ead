// Package console is the console-side core: it classifies the frames a
// console observes and turns them into presence, location and history
// state for the console surface.
package console

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/telemyapp/beacon-relay/internal/location"
	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/presence"
)

const ReasonDisconnect = "disconnect"

// Sink receives everything the console surface renders.
type Sink interface {
	ConnectionChanged(state model.ConnState)
	PresenceChanged(online bool, duration time.Duration)
	LocationUpdated(sample model.LocationSample)
	HistoryUpdated(history []model.SessionGroup)
	MessageReceived(f model.Frame)
}

// Observer owns the presence and location state of one monitored device.
type Observer struct {
	monitor *presence.Monitor
	tracker *location.Tracker
	sink    Sink

	// emitMu serialises tracker updates with their sink notifications, so
	// the sink never sees a fix after the offline transition that cleared
	// it. Lock order: monitor, then emitMu.
	emitMu sync.Mutex

	mu    sync.RWMutex
	conn  model.ConnState
	seen  uint64
	shown uint64
}

func NewObserver(c clockwork.Clock, sink Sink) *Observer {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if sink == nil {
		sink = MultiSink{}
	}
	o := &Observer{
		monitor: presence.NewMonitor(c, presence.Window),
		tracker: location.NewTracker(c),
		sink:    sink,
		conn:    model.ConnDisconnected,
	}
	o.monitor.Subscribe(o.onPresence)
	return o
}

// onPresence runs under the monitor lock, so presence and history
// notifications leave in transition order.
func (o *Observer) onPresence(ev presence.Event) {
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	changed := o.tracker.HandlePresence(ev)
	switch ev.Kind {
	case presence.SessionStarted:
		o.sink.PresenceChanged(true, 0)
	case presence.SessionEnded:
		o.sink.PresenceChanged(false, ev.Duration)
	}
	if changed {
		o.sink.HistoryUpdated(o.tracker.History())
	}
}

func (o *Observer) HandleFrame(f model.Frame) {
	o.mu.Lock()
	o.seen++
	o.mu.Unlock()

	if presence.IsHeartbeat(f) {
		o.monitor.Heartbeat()
		return
	}
	if f.IsText() {
		if lon, lat, ok := location.Parse(f.Text()); ok {
			o.emitMu.Lock()
			defer o.emitMu.Unlock()
			sample, firstFix := o.tracker.Observe(lon, lat)
			o.sink.LocationUpdated(sample)
			if firstFix {
				o.sink.HistoryUpdated(o.tracker.History())
			}
			return
		}
	}
	o.mu.Lock()
	o.shown++
	o.mu.Unlock()
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.sink.MessageReceived(f)
}

// HandleDisconnect ends any live session immediately.
func (o *Observer) HandleDisconnect() {
	o.monitor.ForceOffline(ReasonDisconnect)
}

func (o *Observer) SetConnState(state model.ConnState) {
	o.mu.Lock()
	o.conn = state
	o.mu.Unlock()
	o.emitMu.Lock()
	defer o.emitMu.Unlock()
	o.sink.ConnectionChanged(state)
}

func (o *Observer) OnOpen() {
	o.SetConnState(model.ConnConnected)
	o.HandleDisconnect()
}

func (o *Observer) OnFrame(f model.Frame) {
	o.HandleFrame(f)
}

func (o *Observer) OnClose(error) {
	o.SetConnState(model.ConnDisconnected)
	o.HandleDisconnect()
}

func (o *Observer) Presence() model.PresenceState {
	return o.monitor.State()
}

func (o *Observer) CurrentLocation() *model.LocationSample {
	return o.tracker.CurrentLocation()
}

func (o *Observer) History() []model.SessionGroup {
	return o.tracker.History()
}

func (o *Observer) Close() {
	o.monitor.Close()
}

type Snapshot struct {
	Connection     model.ConnState `json:"connection"`
	Online         bool            `json:"online"`
	OnlineSince    *time.Time      `json:"online_since,omitempty"`
	ExpiryDeadline *time.Time      `json:"expiry_deadline,omitempty"`
	Location       *LocationView   `json:"location,omitempty"`
	History        []SessionView   `json:"history"`
	FramesSeen     uint64          `json:"frames_seen"`
	MessagesShown  uint64          `json:"messages_shown"`
}

type LocationView struct {
	Longitude  float64   `json:"lon"`
	Latitude   float64   `json:"lat"`
	ObservedAt time.Time `json:"observed_at"`
	MapURL     string    `json:"map_url"`
}

type SessionView struct {
	ID      string        `json:"id"`
	Online  *LocationView `json:"online,omitempty"`
	Offline *LocationView `json:"offline,omitempty"`
}

func (o *Observer) Snapshot() Snapshot {
	st := o.monitor.State()
	o.mu.RLock()
	snap := Snapshot{
		Connection:    o.conn,
		FramesSeen:    o.seen,
		MessagesShown: o.shown,
	}
	o.mu.RUnlock()
	snap.Online = st.Online
	snap.OnlineSince = st.OnlineSince
	snap.ExpiryDeadline = st.ExpiryDeadline
	if cur := o.tracker.CurrentLocation(); cur != nil {
		snap.Location = toLocationView(*cur, "current location")
	}
	snap.History = HistoryViews(o.tracker.History())
	return snap
}

func HistoryViews(history []model.SessionGroup) []SessionView {
	out := make([]SessionView, 0, len(history))
	for _, g := range history {
		v := SessionView{ID: g.ID}
		if g.OnlineSample != nil {
			v.Online = toLocationView(*g.OnlineSample, "online")
		}
		if g.OfflineSample != nil {
			v.Offline = toLocationView(*g.OfflineSample, "offline")
		}
		out = append(out, v)
	}
	return out
}

func toLocationView(s model.LocationSample, title string) *LocationView {
	return &LocationView{
		Longitude:  s.Longitude,
		Latitude:   s.Latitude,
		ObservedAt: s.ObservedAt,
		MapURL:     MarkerURL(s, title),
	}
}
