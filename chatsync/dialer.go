package chatsync

import (
	"context"
	"time"

	"github.com/vovakirdan/chatsync-go/chatsync/internal"
)

// Transport is one live duplex connection.
type Transport interface {
	// Read blocks until the next frame, ctx cancellation, or close.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// WebSocketDialer is the default Dialer.
type WebSocketDialer struct {
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	conn, err := internal.Dial(ctx, url, d.HandshakeTimeout, d.ReadTimeout, d.WriteTimeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

var errBinaryFrame = internal.ErrBinaryFrame

// isNormalClosure reports a peer close with status 1000 or 1001.
func isNormalClosure(err error) bool {
	return internal.IsNormalClosure(err)
}
