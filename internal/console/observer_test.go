package console

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/telemyapp/beacon-relay/internal/model"
)

var epoch = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu        sync.Mutex
	events    []string
	durations []time.Duration
	history   []model.SessionGroup
	messages  []model.Frame
	locations []model.LocationSample
}

func (r *recordingSink) add(ev string) {
	r.events = append(r.events, ev)
}

func (r *recordingSink) ConnectionChanged(state model.ConnState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("conn:" + string(state))
}

func (r *recordingSink) PresenceChanged(online bool, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if online {
		r.add("online")
	} else {
		r.add("offline")
		r.durations = append(r.durations, d)
	}
}

func (r *recordingSink) LocationUpdated(s model.LocationSample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("location")
	r.locations = append(r.locations, s)
}

func (r *recordingSink) HistoryUpdated(h []model.SessionGroup) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("history")
	r.history = h
}

func (r *recordingSink) MessageReceived(f model.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.add("message")
	r.messages = append(r.messages, f)
}

func (r *recordingSink) sequence() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.events, ",")
}

func (r *recordingSink) lastEvent() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return ""
	}
	return r.events[len(r.events)-1]
}

// waitOffline waits for the expiry callback an Advance fired. Presence
// notifications go out under the monitor lock, so the sink is up to date
// once the observer reports offline.
func waitOffline(t *testing.T, o *Observer) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for o.Presence().Online {
		if time.Now().After(deadline) {
			t.Fatalf("device never went offline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestObserverSessionBookkeeping(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	sink := &recordingSink{}
	o := NewObserver(fc, sink)
	defer o.Close()

	o.HandleFrame(model.TextFrame("system init ok"))
	o.HandleFrame(model.TextFrame("10_20"))
	fc.Advance(5 * time.Second)
	o.HandleFrame(model.TextFrame("11_21"))
	fc.Advance(30 * time.Second)
	waitOffline(t, o)

	want := "online,location,history,location,offline,history"
	if got := sink.sequence(); got != want {
		t.Fatalf("event sequence = %s, want %s", got, want)
	}
	if len(sink.durations) != 1 || sink.durations[0] != 30*time.Second {
		t.Fatalf("unexpected session duration: %v", sink.durations)
	}
	if len(sink.history) != 1 {
		t.Fatalf("expected one session group, got %d", len(sink.history))
	}
	g := sink.history[0]
	if g.OnlineSample.Longitude != 10 || g.OnlineSample.Latitude != 20 {
		t.Fatalf("unexpected online sample: %+v", g.OnlineSample)
	}
	if g.OfflineSample == nil || g.OfflineSample.Longitude != 11 || g.OfflineSample.Latitude != 21 {
		t.Fatalf("unexpected offline sample: %+v", g.OfflineSample)
	}
	if o.CurrentLocation() != nil {
		t.Fatalf("location should be cleared once offline")
	}
}

func TestExpiryRacingFixKeepsSinkInStep(t *testing.T) {
	for i := 0; i < 200; i++ {
		fc := clockwork.NewFakeClockAt(epoch)
		sink := &recordingSink{}
		o := NewObserver(fc, sink)

		o.HandleFrame(model.TextFrame("hello"))
		o.HandleFrame(model.TextFrame("1_1"))

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			fc.Advance(30 * time.Second)
		}()
		go func() {
			defer wg.Done()
			o.HandleFrame(model.TextFrame("2_2"))
		}()
		wg.Wait()
		waitOffline(t, o)

		// Whatever the interleaving, the last fix the sink saw must agree
		// with the tracker: cleared by offline, or reported after it.
		cur := o.CurrentLocation()
		switch last := sink.lastEvent(); last {
		case "location":
			if cur == nil || cur.Longitude != 2 {
				t.Fatalf("iteration %d: sink shows a fix the tracker dropped (%s)", i, sink.sequence())
			}
		case "history":
			if cur != nil {
				t.Fatalf("iteration %d: tracker kept %+v after the sink saw offline (%s)", i, *cur, sink.sequence())
			}
		default:
			t.Fatalf("iteration %d: unexpected sequence %s", i, sink.sequence())
		}
		o.Close()
	}
}

func TestObserverClassifiesFrames(t *testing.T) {
	sink := &recordingSink{}
	o := NewObserver(clockwork.NewFakeClockAt(epoch), sink)
	defer o.Close()

	o.HandleFrame(model.TextFrame("hello"))
	o.HandleFrame(model.TextFrame("hello"))
	o.HandleFrame(model.TextFrame("battery 80%"))
	o.HandleFrame(model.TextFrame("121.47_"))
	o.HandleFrame(model.BinaryFrame([]byte{1, 2, 3, 4}))
	o.HandleFrame(model.BinaryFrame([]byte("10_20")))

	if got := sink.sequence(); got != "online,message,message,message,message" {
		t.Fatalf("unexpected sequence %s", got)
	}
	if sink.messages[2].Kind != model.FrameBinary || len(sink.messages[2].Data) != 4 {
		t.Fatalf("unexpected binary message: %+v", sink.messages[2])
	}
	snap := o.Snapshot()
	if snap.FramesSeen != 6 || snap.MessagesShown != 4 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
}

func TestObserverOfflineFixDoesNotStartSession(t *testing.T) {
	sink := &recordingSink{}
	o := NewObserver(clockwork.NewFakeClockAt(epoch), sink)
	defer o.Close()

	o.HandleFrame(model.TextFrame("1_2"))
	if got := sink.sequence(); got != "location" {
		t.Fatalf("unexpected sequence %s", got)
	}
	if o.Presence().Online {
		t.Fatalf("a fix must never bring the device online")
	}
	if len(o.History()) != 0 {
		t.Fatalf("expected empty history")
	}
}

func TestObserverCloseForcesOffline(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	sink := &recordingSink{}
	o := NewObserver(fc, sink)
	defer o.Close()

	o.OnOpen()
	o.HandleFrame(model.TextFrame("hello"))
	o.HandleFrame(model.TextFrame("3_4"))
	fc.Advance(2 * time.Second)
	o.OnClose(nil)

	want := "conn:connected,online,location,history,conn:disconnected,offline,history"
	if got := sink.sequence(); got != want {
		t.Fatalf("event sequence = %s, want %s", got, want)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := fc.BlockUntilContext(ctx, 0); err != nil {
		t.Fatalf("expiry timer survived the disconnect: %v", err)
	}
	fc.Advance(time.Minute)
	if got := sink.sequence(); got != want {
		t.Fatalf("stale timer emitted events: %s", got)
	}
}

func TestObserverHistoryCapAcrossCycles(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	o := NewObserver(fc, nil)
	defer o.Close()

	for i := 0; i < 25; i++ {
		o.HandleFrame(model.TextFrame("hello"))
		o.HandleFrame(model.TextFrame(fmt.Sprintf("%d_0", i)))
		fc.Advance(31 * time.Second)
		waitOffline(t, o)
	}
	hist := o.History()
	if len(hist) != 20 {
		t.Fatalf("expected 20 groups, got %d", len(hist))
	}
	if got := hist[0].OnlineSample.Longitude; got != 24 {
		t.Fatalf("most recent group first, got lon %v", got)
	}
}

func TestTapTracksDevicePeer(t *testing.T) {
	sink := &recordingSink{}
	o := NewObserver(clockwork.NewFakeClockAt(epoch), sink)
	defer o.Close()
	tap := NewTap(o)

	tap.FrameRelayed("console-1", model.TextFrame("status?"))
	tap.FrameRelayed("device-1", model.TextFrame("hello"))
	if tap.DevicePeer() != "device-1" {
		t.Fatalf("unexpected device peer %q", tap.DevicePeer())
	}

	tap.PeerLeft("console-1")
	if !o.Presence().Online {
		t.Fatalf("console leaving must not end the device session")
	}
	tap.PeerLeft("device-1")
	if o.Presence().Online {
		t.Fatalf("device leaving must end the session")
	}
	if got := sink.sequence(); got != "message,online,offline" {
		t.Fatalf("unexpected sequence %s", got)
	}
}

func TestSnapshotViews(t *testing.T) {
	fc := clockwork.NewFakeClockAt(epoch)
	o := NewObserver(fc, nil)
	defer o.Close()

	o.SetConnState(model.ConnConnected)
	o.HandleFrame(model.TextFrame("hello"))
	o.HandleFrame(model.TextFrame("121.47_31.23"))

	snap := o.Snapshot()
	if !snap.Online || snap.OnlineSince == nil || snap.Connection != model.ConnConnected {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.Location == nil || !strings.Contains(snap.Location.MapURL, "position=121.47%2C31.23") {
		t.Fatalf("unexpected location view: %+v", snap.Location)
	}
	if len(snap.History) != 1 || snap.History[0].Online == nil || snap.History[0].Offline != nil {
		t.Fatalf("unexpected history view: %+v", snap.History)
	}
}
