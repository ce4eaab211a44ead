package model

import "time"

type FrameKind string

const (
	FrameText   FrameKind = "text"
	FrameBinary FrameKind = "binary"
)

// Frame is one relayed unit. Data must not be modified once the frame has
// been handed to the relay; every receiver shares the same backing array.
type Frame struct {
	Kind FrameKind
	Data []byte
}

func TextFrame(s string) Frame {
	return Frame{Kind: FrameText, Data: []byte(s)}
}

func BinaryFrame(b []byte) Frame {
	return Frame{Kind: FrameBinary, Data: b}
}

func (f Frame) Text() string {
	return string(f.Data)
}

func (f Frame) IsText() bool {
	return f.Kind == FrameText
}

type ConnState string

const (
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
)

type PresenceState struct {
	Online         bool
	OnlineSince    *time.Time
	ExpiryDeadline *time.Time
}

type LocationSample struct {
	Longitude  float64
	Latitude   float64
	ObservedAt time.Time
}

type SessionGroup struct {
	ID            string
	OnlineSample  *LocationSample
	OfflineSample *LocationSample
}

type PresenceEvent struct {
	ID         string
	Online     bool
	At         time.Time
	DurationMS int64
	Longitude  *float64
	Latitude   *float64
}
