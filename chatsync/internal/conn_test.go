package internal

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoServer echoes text frames and answers "binary" with a binary frame.
// A "bye" frame closes with StatusGoingAway.
func echoServer(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer ws.CloseNow()
		for {
			_, data, err := ws.Read(r.Context())
			if err != nil {
				return
			}
			switch string(data) {
			case "bye":
				_ = ws.Close(websocket.StatusGoingAway, "shutting down")
				return
			case "binary":
				err = ws.Write(r.Context(), websocket.MessageBinary, data)
			default:
				err = ws.Write(r.Context(), websocket.MessageText, data)
			}
			if err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestConnRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, echoServer(t), time.Second, 0, time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Write(ctx, []byte(`{"type":"join_room"}`)))
	data, err := c.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"join_room"}`, string(data))

	require.NoError(t, c.Write(ctx, []byte("binary")))
	_, err = c.Read(ctx)
	assert.ErrorIs(t, err, ErrBinaryFrame)

	// the connection survives a binary frame
	require.NoError(t, c.Write(ctx, []byte("again")))
	data, err = c.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, "again", string(data))
}

func TestConnPeerGoingAwayIsNormal(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := Dial(ctx, echoServer(t), time.Second, 0, time.Second)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Write(ctx, []byte("bye")))
	_, err = c.Read(ctx)
	require.Error(t, err)
	assert.True(t, IsNormalClosure(err))
}

func TestDialRefused(t *testing.T) {
	_, err := Dial(context.Background(), "ws://127.0.0.1:1/ws", 500*time.Millisecond, 0, 0)
	require.Error(t, err)
	assert.False(t, IsNormalClosure(err))
}
