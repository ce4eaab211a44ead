package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/telemyapp/beacon-relay/internal/config"
	"github.com/telemyapp/beacon-relay/internal/console"
	"github.com/telemyapp/beacon-relay/internal/model"
	"github.com/telemyapp/beacon-relay/internal/relay"
	"github.com/telemyapp/beacon-relay/internal/store"
)

type mockJournal struct {
	listPresenceEventsFn func(context.Context, int) ([]model.PresenceEvent, error)
	getPresenceEventFn   func(context.Context, string) (*model.PresenceEvent, error)
}

func (m *mockJournal) ListPresenceEvents(ctx context.Context, limit int) ([]model.PresenceEvent, error) {
	if m.listPresenceEventsFn != nil {
		return m.listPresenceEventsFn(ctx, limit)
	}
	return nil, nil
}

func (m *mockJournal) GetPresenceEvent(ctx context.Context, id string) (*model.PresenceEvent, error) {
	if m.getPresenceEventFn != nil {
		return m.getPresenceEventFn(ctx, id)
	}
	return nil, store.ErrNotFound
}

type staticPeers int

func (p staticPeers) Peers() int { return int(p) }

func testConfig() config.Config {
	return config.Config{ListenAddr: ":0"}
}

func noWS() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rr.Body.String(), err)
	}
	return out
}

func serve(h http.Handler, method, target string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, target, nil))
	return rr
}

func TestHealthReportsPeersAndJournal(t *testing.T) {
	router := NewRouter(testConfig(), noWS(), staticPeers(3), nil, nil)
	rr := serve(router, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["peers"].(float64) != 3 || body["journal"].(bool) {
		t.Fatalf("unexpected health body: %v", body)
	}
}

func TestPresenceReturnsObserverSnapshot(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	obs := console.NewObserver(fc, nil)
	defer obs.Close()
	obs.HandleFrame(model.TextFrame("hello"))
	obs.HandleFrame(model.TextFrame("121.47_31.23"))

	router := NewRouter(testConfig(), noWS(), staticPeers(0), obs, nil)
	rr := serve(router, http.MethodGet, "/api/v1/presence")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	body := decodeBody(t, rr)
	if body["online"] != true {
		t.Fatalf("expected online, got %v", body)
	}
	loc, ok := body["location"].(map[string]any)
	if !ok || loc["lon"].(float64) != 121.47 {
		t.Fatalf("unexpected location %v", body["location"])
	}

	rr = serve(router, http.MethodGet, "/api/v1/history")
	body = decodeBody(t, rr)
	sessions := body["sessions"].([]any)
	if len(sessions) != 1 || !strings.HasPrefix(body["map_url"].(string), "https://uri.amap.com/marker?markers=") {
		t.Fatalf("unexpected history body: %v", body)
	}
}

func TestPresenceEventsWithoutJournal(t *testing.T) {
	router := NewRouter(testConfig(), noWS(), staticPeers(0), nil, nil)
	rr := serve(router, http.MethodGet, "/api/v1/presence/events")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	body := decodeBody(t, rr)
	if body["error"].(map[string]any)["code"] != "journal_unavailable" {
		t.Fatalf("unexpected error body: %v", body)
	}
}

func TestPresenceEventsListsJournal(t *testing.T) {
	lon, lat := 1.5, 2.5
	at := time.Date(2026, 3, 1, 8, 1, 0, 0, time.UTC)
	gotLimit := 0
	mj := &mockJournal{
		listPresenceEventsFn: func(_ context.Context, limit int) ([]model.PresenceEvent, error) {
			gotLimit = limit
			return []model.PresenceEvent{
				{ID: "pev_2", Online: false, At: at, DurationMS: 65000, Longitude: &lon, Latitude: &lat},
				{ID: "pev_1", Online: true, At: at.Add(-65 * time.Second)},
			}, nil
		},
	}

	router := NewRouter(testConfig(), noWS(), staticPeers(0), nil, mj)
	rr := serve(router, http.MethodGet, "/api/v1/presence/events?limit=10")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d body=%s", rr.Code, rr.Body.String())
	}
	if gotLimit != 10 {
		t.Fatalf("expected limit 10, got %d", gotLimit)
	}
	events := decodeBody(t, rr)["events"].([]any)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	off := events[0].(map[string]any)
	if off["duration"] != "1m5s" || off["location"] == nil {
		t.Fatalf("unexpected offline event: %v", off)
	}
	if _, ok := events[1].(map[string]any)["location"]; ok {
		t.Fatalf("online event should have no location")
	}
}

func TestPresenceEventsRejectsBadLimit(t *testing.T) {
	router := NewRouter(testConfig(), noWS(), staticPeers(0), nil, &mockJournal{})
	for _, q := range []string{"0", "-2", "abc", "501"} {
		rr := serve(router, http.MethodGet, "/api/v1/presence/events?limit="+q)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("limit=%s: expected 400, got %d", q, rr.Code)
		}
	}
}

func TestPresenceEventErrors(t *testing.T) {
	mj := &mockJournal{
		getPresenceEventFn: func(_ context.Context, id string) (*model.PresenceEvent, error) {
			if id == "pev_broken" {
				return nil, errors.New("db down")
			}
			return nil, store.ErrNotFound
		},
	}
	router := NewRouter(testConfig(), noWS(), staticPeers(0), nil, mj)

	if rr := serve(router, http.MethodGet, "/api/v1/presence/events/pev_missing"); rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if rr := serve(router, http.MethodGet, "/api/v1/presence/events/pev_broken"); rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
}

func TestStaticDirIsServed(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "index.html"), []byte("<h1>console</h1>"), 0o644); err != nil {
		t.Fatalf("write index: %v", err)
	}
	cfg := testConfig()
	cfg.StaticDir = dir

	router := NewRouter(cfg, noWS(), staticPeers(0), nil, nil)
	rr := serve(router, http.MethodGet, "/")
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), "console") {
		t.Fatalf("unexpected static response %d %q", rr.Code, rr.Body.String())
	}
}

func TestWebSocketRelayThroughRouter(t *testing.T) {
	hub := relay.NewHub(nil)
	ws := relay.NewHandler(hub, relay.Options{}, false)
	srv := httptest.NewServer(NewRouter(testConfig(), ws, hub, nil, nil))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	a, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial a: %v", err)
	}
	defer a.Close()
	b, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial b: %v", err)
	}
	defer b.Close()

	deadline := time.Now().Add(2 * time.Second)
	for hub.Peers() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("peers never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := a.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	mt, data, err := b.ReadMessage()
	if err != nil || mt != websocket.TextMessage || string(data) != "hello" {
		t.Fatalf("unexpected read %d %q %v", mt, data, err)
	}
}
