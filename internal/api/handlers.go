package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/telemyapp/beacon-relay/internal/console"
	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/store"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 500
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"journal": s.journal != nil,
	}
	if s.peers != nil {
		resp["peers"] = s.peers.Peers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	if s.observer == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "observer_unavailable", "observer is not running")
		return
	}
	writeJSON(w, http.StatusOK, s.observer.Snapshot())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.observer == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "observer_unavailable", "observer is not running")
		return
	}
	history := s.observer.History()
	writeJSON(w, http.StatusOK, map[string]any{
		"sessions": console.HistoryViews(history),
		"map_url":  console.HistoryMarkersURL(history),
	})
}

func (s *Server) handlePresenceEvents(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "journal_unavailable", store.ErrJournalUnavailable.Error())
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxEventLimit {
			writeAPIError(w, r, http.StatusBadRequest, "invalid_request", "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	events, err := s.journal.ListPresenceEvents(r.Context(), limit)
	if err != nil {
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to read presence journal")
		return
	}
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, toEventResponse(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) handlePresenceEvent(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		writeAPIError(w, r, http.StatusServiceUnavailable, "journal_unavailable", store.ErrJournalUnavailable.Error())
		return
	}
	ev, err := s.journal.GetPresenceEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeAPIError(w, r, http.StatusNotFound, "not_found", "presence event not found")
			return
		}
		writeAPIError(w, r, http.StatusInternalServerError, "internal_error", "failed to read presence journal")
		return
	}
	writeJSON(w, http.StatusOK, toEventResponse(*ev))
}

func toEventResponse(e model.PresenceEvent) map[string]any {
	resp := map[string]any{
		"id":          e.ID,
		"online":      e.Online,
		"at":          e.At.UTC().Format(time.RFC3339),
		"duration_ms": e.DurationMS,
	}
	if !e.Online {
		resp["duration"] = console.FormatDuration(time.Duration(e.DurationMS) * time.Millisecond)
	}
	if e.Longitude != nil && e.Latitude != nil {
		sample := model.LocationSample{Longitude: *e.Longitude, Latitude: *e.Latitude, ObservedAt: e.At}
		resp["location"] = map[string]any{
			"lon":     *e.Longitude,
			"lat":     *e.Latitude,
			"map_url": console.MarkerURL(sample, "offline"),
		}
	}
	return resp
}
