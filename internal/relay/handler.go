package relay

import (
	"errors"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/telemyapp/beacon-relay/internal/metrics"
)

// Handler upgrades requests to WebSocket and runs the peer until it
// disconnects. A failed handshake never reaches the hub.
type Handler struct {
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

func NewHandler(hub *Hub, opts Options, checkOrigin bool) *Handler {
	h := &Handler{hub: hub, opts: opts.withDefaults()}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
	}
	if !checkOrigin {
		h.upgrader.CheckOrigin = func(*http.Request) bool { return true }
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered with an HTTP error.
		logger.Warn().Str("remote", r.RemoteAddr).Err(err).Msg("handshake rejected")
		metrics.Default().IncCounter("beacon_relay_connections_total", map[string]string{"event": "rejected"})
		return
	}

	p := newPeer(conn, r.RemoteAddr, h.opts)
	h.hub.Register(p)
	logger.Info().Str("peer", p.id).Str("remote", p.remote).Int("peers", h.hub.Peers()).Msg("peer connected")
	metrics.Default().IncCounter("beacon_relay_connections_total", map[string]string{"event": "open"})

	go p.writeLoop()
	err = p.readLoop(h.hub)

	h.hub.Unregister(p)
	p.Close()

	event := "close"
	if isTransportError(err) {
		event = "error"
		logger.Warn().Str("peer", p.id).Str("remote", p.remote).Err(err).Msg("peer error")
	}
	logger.Info().Str("peer", p.id).Str("remote", p.remote).Int("peers", h.hub.Peers()).Msg("peer disconnected")
	metrics.Default().IncCounter("beacon_relay_connections_total", map[string]string{"event": event})
}

// isTransportError separates orderly closes from abrupt ones. Both end
// the connection the same way; only the log line differs.
func isTransportError(err error) bool {
	if err == nil {
		return false
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
	}
	return true
}
