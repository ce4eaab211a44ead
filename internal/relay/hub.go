package relay

import (
	"errors"
	"sync"

	"github.com/telemyapp/beacon-relay/internal/metrics"
	"github.com/telemyapp/beacon-relay/internal/model"
)

// Tap observes the relayed stream without taking part in it.
type Tap interface {
	FrameRelayed(peerID string, f model.Frame)
	PeerLeft(peerID string)
}

// Hub is the registry of open peers and the broadcast fan-out.
type Hub struct {
	mu    sync.RWMutex
	peers []*Peer
	tap   Tap
}

func NewHub(tap Tap) *Hub {
	return &Hub{tap: tap}
}

func (h *Hub) Register(p *Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peers = append(h.peers, p)
}

// Unregister reports whether p was registered.
func (h *Hub) Unregister(p *Peer) bool {
	h.mu.Lock()
	found := false
	for i, q := range h.peers {
		if q == p {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			found = true
			break
		}
	}
	h.mu.Unlock()
	if found && h.tap != nil {
		h.tap.PeerLeft(p.id)
	}
	return found
}

func (h *Hub) Peers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// Broadcast queues f on every registered peer except from, in
// registration order, and returns how many peers accepted it. Closed
// peers are skipped silently. A peer with a full queue misses this frame
// but stays connected; one that stops draining altogether is dropped by
// its own write deadline.
func (h *Hub) Broadcast(from *Peer, f model.Frame) int {
	h.mu.RLock()
	targets := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		if p != from {
			targets = append(targets, p)
		}
	}
	h.mu.RUnlock()

	metrics.Default().IncCounter("beacon_relay_frames_total", map[string]string{"kind": string(f.Kind)})

	delivered := 0
	for _, p := range targets {
		err := p.Enqueue(f)
		switch {
		case err == nil:
			delivered++
			metrics.Default().IncCounter("beacon_relay_fanout_total", map[string]string{"result": "delivered"})
			if p.overflowing.Swap(false) {
				logger.Info().Str("peer", p.id).Str("remote", p.remote).Msg("send queue drained")
			}
		case errors.Is(err, ErrPeerClosed):
			metrics.Default().IncCounter("beacon_relay_fanout_total", map[string]string{"result": "dropped_closed"})
		case errors.Is(err, ErrQueueFull):
			metrics.Default().IncCounter("beacon_relay_fanout_total", map[string]string{"result": "dropped_full"})
			// One warning per overflow streak.
			if !p.overflowing.Swap(true) {
				logger.Warn().Str("peer", p.id).Str("remote", p.remote).Msg("send queue full, dropping frames")
			}
		}
	}
	metrics.Default().ObserveHistogram("beacon_relay_fanout_peers", float64(delivered), nil)

	if h.tap != nil {
		fromID := ""
		if from != nil {
			fromID = from.id
		}
		h.tap.FrameRelayed(fromID, f)
	}
	return delivered
}

// CloseAll sends a close frame to every peer and tears them down.
func (h *Hub) CloseAll(code int, text string) {
	h.mu.RLock()
	peers := append([]*Peer(nil), h.peers...)
	h.mu.RUnlock()
	for _, p := range peers {
		p.closeWith(code, text)
	}
}
