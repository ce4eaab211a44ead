package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/telemyapp/beacon-relay/internal/model"
)

var ErrSendClosed = errors.New("connection closed")

// ConnectionError reports a failed dial or handshake.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// EventHandler receives the lifecycle of one client connection. OnClose
// gets nil for an orderly close.
type EventHandler interface {
	OnOpen()
	OnFrame(f model.Frame)
	OnClose(err error)
}

// Client is the console side of a relay connection.
type Client struct {
	conn         *websocket.Conn
	writeMu      sync.Mutex
	closed       atomic.Bool
	writeTimeout time.Duration
}

func Dial(ctx context.Context, endpoint string) (*Client, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, &ConnectionError{Endpoint: endpoint, Err: err}
	}
	return &Client{conn: conn, writeTimeout: 10 * time.Second}, nil
}

// Send writes one frame. Once the connection is closed it returns
// ErrSendClosed.
func (c *Client) Send(f model.Frame) error {
	if c.closed.Load() {
		return ErrSendClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := c.conn.WriteMessage(messageType(f), f.Data); err != nil {
		if c.closed.Load() {
			return ErrSendClosed
		}
		return fmt.Errorf("send frame: %w", err)
	}
	return nil
}

// Run delivers frames to h until the connection ends or ctx is cancelled.
// It returns nil for an orderly close or cancellation.
func (c *Client) Run(ctx context.Context, h EventHandler) error {
	h.OnOpen()

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			closedLocally := c.closed.Swap(true)
			_ = c.conn.Close()
			if closedLocally || ctx.Err() != nil || isOrderlyClose(err) {
				h.OnClose(nil)
				return nil
			}
			h.OnClose(err)
			return err
		}
		f := model.Frame{Kind: model.FrameText, Data: data}
		if mt == websocket.BinaryMessage {
			f.Kind = model.FrameBinary
		}
		h.OnFrame(f)
	}
}

// Close sends a normal close frame and releases the connection.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	deadline := time.Now().Add(time.Second)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return c.conn.Close()
}

func isOrderlyClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
