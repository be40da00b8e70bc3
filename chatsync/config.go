package chatsync

import (
	"net/url"
	"time"

	"k8s.io/utils/clock"
)

// Reconnect policy defaults.
const (
	DefaultReconnectInterval    = 5 * time.Second
	DefaultMaxReconnectAttempts = 5
)

// Config controls how the SDK connects.
type Config struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration

	AutoReconnect        bool
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int

	// SendBuffer bounds frames waiting for the writer goroutine of one transport.
	SendBuffer int

	// Dialer opens transports. Nil means WebSocket.
	Dialer Dialer
	// Clock drives the reconnect timer and message timestamps. Nil means the wall clock.
	Clock clock.WithDelayedExecution
	// Metrics is optional.
	Metrics *Metrics
}

// DefaultConfig returns sensible defaults.
// Set a timeout to 0 to disable it.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:     10 * time.Second,
		WriteTimeout:         10 * time.Second,
		AutoReconnect:        true,
		ReconnectInterval:    DefaultReconnectInterval,
		MaxReconnectAttempts: DefaultMaxReconnectAttempts,
		SendBuffer:           16,
	}
}

// Validate checks the fields the manager cannot run without.
func (c Config) Validate() error {
	if c.URL == "" {
		return NewError(ErrorInvalidConfig, "empty URL")
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return WrapError(ErrorInvalidConfig, "invalid URL", err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return NewError(ErrorInvalidConfig, "unsupported URL scheme "+u.Scheme)
	}
	if c.AutoReconnect && c.ReconnectInterval <= 0 {
		return NewError(ErrorInvalidConfig, "reconnect interval must be positive")
	}
	if c.MaxReconnectAttempts < 0 {
		return NewError(ErrorInvalidConfig, "max reconnect attempts must not be negative")
	}
	return nil
}

func (c Config) withDefaults() Config {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 16
	}
	if c.Clock == nil {
		c.Clock = clock.RealClock{}
	}
	if c.Dialer == nil {
		c.Dialer = WebSocketDialer{
			HandshakeTimeout: c.HandshakeTimeout,
			ReadTimeout:      c.ReadTimeout,
			WriteTimeout:     c.WriteTimeout,
		}
	}
	return c
}
