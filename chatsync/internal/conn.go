package internal

import (
	"context"
	"errors"
	"time"

	"github.com/coder/websocket"
)

// ErrBinaryFrame is returned by Read when the peer sends a non-text frame.
var ErrBinaryFrame = errors.New("unexpected binary frame")

// Conn wraps websocket.Conn with timeouts.
type Conn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func NewConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{ws: ws, readTimeout: readTimeout, writeTimeout: writeTimeout}
}

// Dial opens a WebSocket to rawURL. handshakeTimeout 0 disables the dial deadline.
func Dial(ctx context.Context, rawURL string, handshakeTimeout, readTimeout, writeTimeout time.Duration) (*Conn, error) {
	if handshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}
	ws, _, err := websocket.Dial(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, readTimeout, writeTimeout), nil
}

// Read returns the next text frame. Binary frames are reported as ErrBinaryFrame
// so the caller can drop them without tearing the connection down.
func (c *Conn) Read(ctx context.Context) ([]byte, error) {
	if c.readTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.readTimeout)
		defer cancel()
	}
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, err
	}
	if typ != websocket.MessageText {
		return data, ErrBinaryFrame
	}
	return data, nil
}

func (c *Conn) Write(ctx context.Context, data []byte) error {
	if c.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.writeTimeout)
		defer cancel()
	}
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// Close performs a normal closure.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "client close")
}

// IsNormalClosure reports whether err is the peer closing with 1000 or 1001.
func IsNormalClosure(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	default:
		return false
	}
}
