package console

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/telemyapp/beacon-relay/internal/model"
)

// MultiSink fans every event out to each member in order.
type MultiSink []Sink

func (m MultiSink) ConnectionChanged(state model.ConnState) {
	for _, s := range m {
		s.ConnectionChanged(state)
	}
}

func (m MultiSink) PresenceChanged(online bool, duration time.Duration) {
	for _, s := range m {
		s.PresenceChanged(online, duration)
	}
}

func (m MultiSink) LocationUpdated(sample model.LocationSample) {
	for _, s := range m {
		s.LocationUpdated(sample)
	}
}

func (m MultiSink) HistoryUpdated(history []model.SessionGroup) {
	for _, s := range m {
		s.HistoryUpdated(history)
	}
}

func (m MultiSink) MessageReceived(f model.Frame) {
	for _, s := range m {
		s.MessageReceived(f)
	}
}

// LogSink renders console events as log lines.
type LogSink struct {
	Logger zerolog.Logger
}

func (s LogSink) ConnectionChanged(state model.ConnState) {
	s.Logger.Info().Str("state", string(state)).Msg("relay connection")
}

func (s LogSink) PresenceChanged(online bool, duration time.Duration) {
	if online {
		s.Logger.Info().Bool("online", true).Msg("device online")
		return
	}
	s.Logger.Info().Bool("online", false).Int64("duration_ms", duration.Milliseconds()).
		Str("duration", FormatDuration(duration)).Msg("device offline")
}

func (s LogSink) LocationUpdated(sample model.LocationSample) {
	s.Logger.Info().Float64("lon", sample.Longitude).Float64("lat", sample.Latitude).Msg("location")
}

func (s LogSink) HistoryUpdated(history []model.SessionGroup) {
	s.Logger.Debug().Int("sessions", len(history)).Str("map", HistoryMarkersURL(history)).Msg("history updated")
}

func (s LogSink) MessageReceived(f model.Frame) {
	if f.IsText() {
		s.Logger.Info().Str("text", f.Text()).Msg("message")
		return
	}
	s.Logger.Info().Int("bytes", len(f.Data)).Msg("binary message")
}

// FormatDuration renders sub-second spans in milliseconds and everything
// else as hours, minutes and seconds with zero parts omitted.
func FormatDuration(d time.Duration) string {
	ms := d.Milliseconds()
	if ms < 1000 {
		return strconv.FormatInt(ms, 10) + "ms"
	}
	h := ms / 3600000
	m := ms / 60000 % 60
	s := ms / 1000 % 60
	var b strings.Builder
	if h > 0 {
		fmt.Fprintf(&b, "%dh", h)
	}
	if m > 0 {
		fmt.Fprintf(&b, "%dm", m)
	}
	if s > 0 {
		fmt.Fprintf(&b, "%ds", s)
	}
	return b.String()
}

const (
	markerBase = "https://uri.amap.com/marker"
	timeLayout = "2006-01-02 15:04:05"
)

// MarkerURL links a single sample on the map.
func MarkerURL(s model.LocationSample, title string) string {
	name := title
	if !s.ObservedAt.IsZero() {
		name += " (" + s.ObservedAt.Format(timeLayout) + ")"
	}
	q := url.Values{}
	q.Set("position", formatPosition(s))
	q.Set("name", name)
	return markerBase + "?" + q.Encode()
}

// HistoryMarkersURL links every session bound in one map: green for the
// online fix, red for the offline one. Sequence numbers count down from
// the most recent session.
func HistoryMarkersURL(history []model.SessionGroup) string {
	if len(history) == 0 {
		return ""
	}
	markers := make([]string, 0, 2*len(history))
	for i, g := range history {
		seq := len(history) - i
		if g.OnlineSample != nil {
			markers = append(markers, marker(*g.OnlineSample, "green", fmt.Sprintf("[%d] online", seq)))
		}
		if g.OfflineSample != nil {
			markers = append(markers, marker(*g.OfflineSample, "red", fmt.Sprintf("[%d] offline", seq)))
		}
	}
	return markerBase + "?markers=" + strings.Join(markers, "|")
}

func marker(s model.LocationSample, color, label string) string {
	return formatPosition(s) + "," + color + ":" + url.PathEscape(label+" "+s.ObservedAt.Format(timeLayout))
}

func formatPosition(s model.LocationSample) string {
	return strconv.FormatFloat(s.Longitude, 'f', -1, 64) + "," + strconv.FormatFloat(s.Latitude, 'f', -1, 64)
}
