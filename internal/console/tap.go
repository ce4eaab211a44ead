package console

import (
	"sync"

	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/presence"
)

// Tap feeds an Observer from inside the relay process. The relay does not
// know which peer is the device, so the peer that most recently sent a
// heartbeat is taken to be it; when that peer leaves, the session ends.
type Tap struct {
	observer *Observer

	mu     sync.Mutex
	device string
}

func NewTap(o *Observer) *Tap {
	return &Tap{observer: o}
}

func (t *Tap) FrameRelayed(peerID string, f model.Frame) {
	if presence.IsHeartbeat(f) && peerID != "" {
		t.mu.Lock()
		t.device = peerID
		t.mu.Unlock()
	}
	t.observer.HandleFrame(f)
}

func (t *Tap) PeerLeft(peerID string) {
	t.mu.Lock()
	isDevice := peerID != "" && peerID == t.device
	if isDevice {
		t.device = ""
	}
	t.mu.Unlock()
	if isDevice {
		t.observer.HandleDisconnect()
	}
}

func (t *Tap) DevicePeer() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.device
}
