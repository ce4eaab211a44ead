package relay

import (
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/telemyapp/beacon-relay/internal/model"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

var (
	ErrPeerClosed  = errors.New("peer closed")
	ErrQueueFull   = errors.New("peer send queue full")
	ErrRateLimited = errors.New("peer exceeded frame rate")
)

type Options struct {
	SendQueueSize int
	MaxFrameBytes int64
	WriteTimeout  time.Duration
	PongWait      time.Duration
	// FrameRate is frames per second accepted from one peer; 0 disables
	// the limit.
	FrameRate  float64
	FrameBurst int
}

func (o Options) withDefaults() Options {
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = 64
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.FrameBurst <= 0 {
		o.FrameBurst = 32
	}
	return o
}

func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Peer is one server-side connection. A single writer goroutine drains
// the send queue so each receiver sees frames in the order they were
// queued.
type Peer struct {
	id      string
	remote  string
	conn    *websocket.Conn
	opts    Options
	send    chan model.Frame
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter

	overflowing atomic.Bool
}

func newPeer(conn *websocket.Conn, remote string, opts Options) *Peer {
	p := &Peer{
		id:     uuid.NewString(),
		remote: remote,
		conn:   conn,
		opts:   opts,
		send:   make(chan model.Frame, opts.SendQueueSize),
		done:   make(chan struct{}),
	}
	if opts.FrameRate > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.FrameRate), opts.FrameBurst)
	}
	return p
}

// Enqueue never blocks. A closed peer yields ErrPeerClosed; a saturated
// queue yields ErrQueueFull.
func (p *Peer) Enqueue(f model.Frame) error {
	select {
	case <-p.done:
		return ErrPeerClosed
	default:
	}
	select {
	case p.send <- f:
		return nil
	case <-p.done:
		return ErrPeerClosed
	default:
		return ErrQueueFull
	}
}

// Close tears the connection down. Frames still queued are discarded.
func (p *Peer) Close() {
	p.once.Do(func() {
		close(p.done)
		_ = p.conn.Close()
	})
}

func (p *Peer) closeWith(code int, text string) {
	deadline := time.Now().Add(p.opts.WriteTimeout)
	_ = p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	p.Close()
}

func (p *Peer) readLoop(h *Hub) error {
	p.conn.SetReadLimit(p.opts.MaxFrameBytes)
	_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
	})
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = p.conn.SetReadDeadline(time.Now().Add(p.opts.PongWait))
		if p.limiter != nil && !p.limiter.Allow() {
			p.closeWith(websocket.ClosePolicyViolation, "frame rate exceeded")
			return ErrRateLimited
		}
		f := model.Frame{Kind: model.FrameText, Data: data}
		if mt == websocket.BinaryMessage {
			f.Kind = model.FrameBinary
		}
		h.Broadcast(p, f)
	}
}

func (p *Peer) writeLoop() {
	ticker := time.NewTicker(p.opts.pingPeriod())
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case f := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(messageType(f), f.Data); err != nil {
				logger.Debug().Str("peer", p.id).Err(err).Msg("write failed")
				p.Close()
				return
			}
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				p.Close()
				return
			}
		}
	}
}

func messageType(f model.Frame) int {
	if f.Kind == model.FrameBinary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}
