package chatsync

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"default with url", func(c *Config) {}, true},
		{"wss", func(c *Config) { c.URL = "wss://chat.example.com/ws" }, true},
		{"empty url", func(c *Config) { c.URL = "" }, false},
		{"bad scheme", func(c *Config) { c.URL = "ftp://chat.example.com" }, false},
		{"zero interval", func(c *Config) { c.ReconnectInterval = 0 }, false},
		{"zero interval without reconnect", func(c *Config) { c.ReconnectInterval = 0; c.AutoReconnect = false }, true},
		{"negative attempts", func(c *Config) { c.MaxReconnectAttempts = -1 }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.URL = "ws://localhost:8080/ws"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, NewError(ErrorInvalidConfig, ""))
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, DefaultReconnectInterval, cfg.ReconnectInterval)
	assert.Equal(t, 5, cfg.MaxReconnectAttempts)
	assert.True(t, cfg.AutoReconnect)

	filled := Config{URL: "ws://x"}.withDefaults()
	assert.NotNil(t, filled.Clock)
	assert.IsType(t, WebSocketDialer{}, filled.Dialer)
	assert.Equal(t, 16, filled.SendBuffer)
}

func TestErrorHelpers(t *testing.T) {
	cause := errors.New("eof")
	err := WrapError(ErrorDisconnected, "connection closed", cause)

	assert.True(t, IsConnectionError(err))
	assert.False(t, IsDirectoryError(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection closed")
	assert.False(t, IsConnectionError(nil))
	assert.False(t, IsConnectionError(cause))

	wrapped := WrapError(ErrorDirectory, "failed to load rooms", err)
	assert.True(t, IsDirectoryError(wrapped))
}

func TestStateTransitions(t *testing.T) {
	assert.True(t, StateDisconnected.CanTransition(StateConnecting))
	assert.False(t, StateDisconnected.CanTransition(StateConnected))
	assert.True(t, StateConnected.CanTransition(StateErrored))
	assert.False(t, StateErrored.CanTransition(StateConnected))
	assert.Equal(t, "error", StateErrored.String())
}
