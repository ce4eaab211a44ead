package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telemyapp/beacon-relay/internal/config"
	"github.com/telemyapp/beacon-relay/internal/console"
	"github.com/telemyapp/beacon-relay/internal/metrics"
	"github.com/telemyapp/beacon-relay/internal/model"
)

type Journal interface {
	ListPresenceEvents(rctx context.Context, limit int) ([]model.PresenceEvent, error)
	GetPresenceEvent(rctx context.Context, id string) (*model.PresenceEvent, error)
}

type Observer interface {
	Snapshot() console.Snapshot
	History() []model.SessionGroup
}

type PeerCounter interface {
	Peers() int
}

type Server struct {
	cfg      config.Config
	peers    PeerCounter
	observer Observer
	journal  Journal
}

// NewRouter mounts the relay endpoint and the read-only observer API. A nil
// journal makes the journal routes answer 503.
func NewRouter(cfg config.Config, ws http.Handler, peers PeerCounter, obs Observer, journal Journal) http.Handler {
	s := &Server{cfg: cfg, peers: peers, observer: obs, journal: journal}
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// The upgraded connection outlives any request timeout.
	r.Get("/ws", ws.ServeHTTP)

	r.Group(func(g chi.Router) {
		g.Use(middleware.Timeout(30 * time.Second))

		g.Get("/healthz", s.handleHealth)
		g.Get("/metrics", metrics.Default().Handler().ServeHTTP)

		g.Route("/api/v1", func(v1 chi.Router) {
			v1.Get("/presence", s.handlePresence)
			v1.Get("/history", s.handleHistory)
			v1.Get("/presence/events", s.handlePresenceEvents)
			v1.Get("/presence/events/{eventID}", s.handlePresenceEvent)
		})

		if cfg.StaticDir != "" {
			g.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))
		}
	})

	return r
}

type apiError struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id,omitempty"`
	} `json:"error"`
}

func writeAPIError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var payload apiError
	payload.Error.Code = code
	payload.Error.Message = message
	payload.Error.RequestID = middleware.GetReqID(r.Context())
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
