package chatsync

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest/observer"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/vovakirdan/chatsync-go/chatsync/rest"
)

type sessionHarness struct {
	*Session
	dialer  *fakeDialer
	clock   *testingclock.FakeClock
	logs    *observer.ObservedLogs
	notices chan Notice
	history chan HistoryEvent
}

func newTestSession(t *testing.T, directory RoomDirectory) *sessionHarness {
	t.Helper()
	d := newFakeDialer()
	clk := testingclock.NewFakeClock(t0)
	logger, logs := observedLogger()

	s := NewSession(testConfig(d, clk), directory)
	s.SetLogger(logger)
	h := &sessionHarness{
		Session: s,
		dialer:  d,
		clock:   clk,
		logs:    logs,
		notices: make(chan Notice, 16),
		history: make(chan HistoryEvent, 16),
	}
	s.OnNotice(func(n Notice) { h.notices <- n })
	s.OnHistory(func(ev HistoryEvent) { h.history <- ev })
	t.Cleanup(func() { _ = s.Close() })
	return h
}

// login logs in as name and returns the opened transport.
func (h *sessionHarness) login(t *testing.T, name string) (User, *fakeTransport) {
	t.Helper()
	user, err := h.Login(context.Background(), name)
	require.NoError(t, err)
	conn := h.dialer.nextConn(t)
	waitState(t, h.conn, StateConnected)
	return user, conn
}

func (h *sessionHarness) nextNotice(t *testing.T) Notice {
	t.Helper()
	select {
	case n := <-h.notices:
		return n
	case <-time.After(waitFor):
		t.Fatal("no notice delivered")
		return Notice{}
	}
}

func (h *sessionHarness) nextHistory(t *testing.T) HistoryEvent {
	t.Helper()
	select {
	case ev := <-h.history:
		return ev
	case <-time.After(waitFor):
		t.Fatal("no history event delivered")
		return HistoryEvent{}
	}
}

func (h *sessionHarness) waitLog(t *testing.T, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return h.logs.FilterMessage(msg).Len() > 0 }, waitFor, time.Millisecond,
		"log %q never written", msg)
}

func decodeWrite[T any](t *testing.T, conn *fakeTransport, tag string) T {
	t.Helper()
	env := conn.nextWrite(t)
	require.Equal(t, tag, env.Type)
	var v T
	require.NoError(t, env.UnmarshalPayload(&v))
	return v
}

func TestSessionSendAndEchoConverge(t *testing.T) {
	h := newTestSession(t, nil)
	user, conn := h.login(t, "alice")
	assert.Equal(t, "alice", user.Name)
	assert.NotEmpty(t, user.ID)

	require.True(t, h.JoinRoom("R1"))
	join := decodeWrite[JoinRoomPayload](t, conn, TypeJoinRoom)
	assert.Equal(t, JoinRoomPayload{RoomID: "R1", UserID: user.ID, UserName: "alice"}, join)

	msg, ok := h.SendMessage("hello")
	require.True(t, ok)
	sent := decodeWrite[SendMessagePayload](t, conn, TypeSendMessage)
	assert.Equal(t, SendMessagePayload{ID: msg.ID, Content: "hello"}, sent)
	assert.Equal(t, OutcomeAppended, h.nextHistory(t).Outcome)
	require.Len(t, h.Messages("R1"), 1)

	serverTime := t0.Add(300 * time.Millisecond)
	conn.push(t, TypeMessage, ChatMessage{
		ID: msg.ID, RoomID: "R1", AuthorID: user.ID, AuthorName: "alice", Body: "hello", SentAt: serverTime,
	})

	ev := h.nextHistory(t)
	assert.Equal(t, OutcomeConfirmed, ev.Outcome)
	msgs := h.Messages("R1")
	require.Len(t, msgs, 1)
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.True(t, msgs[0].SentAt.Equal(serverTime))
}

func TestSessionEchoWithNewIDReplacesOptimistic(t *testing.T) {
	h := newTestSession(t, nil)
	user, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	msg, ok := h.SendMessage("  hi  ")
	require.True(t, ok)
	assert.Equal(t, "hi", msg.Body)
	conn.nextWrite(t)
	h.nextHistory(t)

	conn.push(t, TypeMessage, ChatMessage{
		ID: "srv-1", RoomID: "R1", AuthorID: user.ID, AuthorName: "alice", Body: "hi", SentAt: t0.Add(2 * time.Second),
	})

	assert.Equal(t, OutcomeReplaced, h.nextHistory(t).Outcome)
	assert.Equal(t, []string{"srv-1"}, ids(h.Messages("R1")))
}

func TestSessionJoinSwitchLeavesPrevious(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")

	require.True(t, h.JoinRoom("R1"))
	decodeWrite[JoinRoomPayload](t, conn, TypeJoinRoom)

	require.True(t, h.JoinRoom("R2"))
	leave := decodeWrite[LeaveRoomPayload](t, conn, TypeLeaveRoom)
	assert.Equal(t, "R1", leave.RoomID)
	join := decodeWrite[JoinRoomPayload](t, conn, TypeJoinRoom)
	assert.Equal(t, "R2", join.RoomID)
	assert.Equal(t, "R2", h.View().ActiveRoom)
}

func TestSessionUnknownRoomIgnored(t *testing.T) {
	dir := &fakeDirectory{rooms: []rest.Room{{ID: "R1", Name: "general"}}}
	h := newTestSession(t, dir)
	_, conn := h.login(t, "alice")

	assert.False(t, h.JoinRoom("nope"))
	conn.assertNoWrite(t)
	assert.Empty(t, h.View().ActiveRoom)

	assert.True(t, h.JoinRoom("R1"))
	decodeWrite[JoinRoomPayload](t, conn, TypeJoinRoom)
}

func TestSessionRejectsSendWithoutContext(t *testing.T) {
	h := newTestSession(t, nil)

	_, ok := h.SendMessage("hello")
	assert.False(t, ok, "logged out")
	assert.False(t, h.JoinRoom("R1"), "logged out")

	_, conn := h.login(t, "alice")
	_, ok = h.SendMessage("hello")
	assert.False(t, ok, "no active room")

	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)
	_, ok = h.SendMessage("   ")
	assert.False(t, ok, "blank body")
	conn.assertNoWrite(t)
	assert.Empty(t, h.Messages("R1"))
}

func TestSessionSendWhileDisconnectedKeepsOptimistic(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	h.conn.Disconnect()
	_, ok := h.SendMessage("offline")
	assert.True(t, ok)
	assert.Len(t, h.Messages("R1"), 1)
	h.waitLog(t, "not connected, dropping envelope")
}

func TestSessionLoginTwiceReturnsCurrentUser(t *testing.T) {
	h := newTestSession(t, nil)
	first, _ := h.login(t, "alice")

	second, err := h.Login(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.dialer.dialCount())
}

func TestSessionLogoutClearsEverything(t *testing.T) {
	dir := &fakeDirectory{rooms: []rest.Room{{ID: "R1"}}}
	h := newTestSession(t, dir)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)
	_, ok := h.SendMessage("hi")
	require.True(t, ok)

	h.Logout()

	v := h.View()
	assert.Nil(t, v.User)
	assert.Empty(t, v.ActiveRoom)
	assert.Empty(t, v.Rooms)
	assert.Equal(t, StateDisconnected, v.Status)
	assert.False(t, v.HasConnectedOnce)
	assert.Empty(t, h.Messages("R1"))
	require.Eventually(t, conn.isClosed, waitFor, time.Millisecond)

	// logged out: no reconnect is scheduled
	assert.False(t, h.clock.HasWaiters())
}

func TestSessionPresenceNoticesStayDistinct(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	conn.push(t, TypeUserJoined, PresencePayload{UserName: "bob", RoomID: "R1"})
	conn.push(t, TypeUserJoined, PresencePayload{UserName: "bob", RoomID: "R1"})
	conn.push(t, TypeUserLeft, PresencePayload{UserName: "bob", RoomID: "R1"})

	first, second, left := h.nextHistory(t), h.nextHistory(t), h.nextHistory(t)
	assert.NotEqual(t, first.Message.ID, second.Message.ID)
	assert.Equal(t, "bob joined", second.Message.Body)
	assert.Equal(t, "bob left", left.Message.Body)
	assert.Len(t, h.Messages("R1"), 3)
}

func TestSessionRoomNoticesNeverTouchHistory(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	conn.push(t, TypeRoomJoined, struct{}{})
	n := h.nextNotice(t)
	assert.Equal(t, NoticeRoomJoined, n.Kind)
	assert.Equal(t, "R1", n.RoomID)

	conn.push(t, TypeRoomLeft, struct{}{})
	assert.Equal(t, NoticeRoomLeft, h.nextNotice(t).Kind)
	assert.Empty(t, h.Messages("R1"))
}

func TestSessionRoomCreatedRefreshesRooms(t *testing.T) {
	dir := &fakeDirectory{rooms: []rest.Room{{ID: "R1"}}}
	h := newTestSession(t, dir)
	_, conn := h.login(t, "alice")
	require.Equal(t, 1, dir.calls())

	conn.push(t, TypeRoomCreated, RoomCreatedPayload{ID: "R9", Name: "new"})

	n := h.nextNotice(t)
	assert.Equal(t, NoticeRoomCreated, n.Kind)
	assert.Equal(t, "R9", n.RoomID)
	require.Eventually(t, func() bool { return dir.calls() == 2 }, waitFor, time.Millisecond)
}

func TestSessionServerErrorIsNotice(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")

	conn.push(t, TypeError, ErrorPayload{Message: "room is full"})

	n := h.nextNotice(t)
	assert.Equal(t, NoticeServerError, n.Kind)
	require.Error(t, n.Err)
	assert.ErrorIs(t, n.Err, NewError(ErrorServer, ""))
	assert.Contains(t, n.Err.Error(), "room is full")
}

func TestSessionDropsBadEnvelopes(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	conn.push(t, "typing", map[string]string{"user_name": "bob"})
	h.waitLog(t, "dropping unrecognized envelope")

	conn.push(t, TypeMessage, map[string]string{"room_id": "R1", "content": "no id"})
	h.waitLog(t, "dropping malformed frame")

	conn.inbound <- []byte("not json")
	require.Eventually(t, func() bool { return h.logs.FilterMessage("dropping malformed frame").Len() == 2 },
		waitFor, time.Millisecond)

	assert.Empty(t, h.Messages("R1"))
	assert.Equal(t, StateConnected, h.Status())
}

func TestSessionReconnectRejoinsActiveRoom(t *testing.T) {
	h := newTestSession(t, nil)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)

	conn.readErr <- errors.New("connection reset by peer")
	require.Eventually(t, h.clock.HasWaiters, waitFor, time.Millisecond)
	h.clock.Step(DefaultReconnectInterval)

	next := h.dialer.nextConn(t)
	join := decodeWrite[JoinRoomPayload](t, next, TypeJoinRoom)
	assert.Equal(t, "R1", join.RoomID)

	n := h.nextNotice(t)
	assert.Equal(t, NoticeReconnected, n.Kind)
	assert.Equal(t, "R1", n.RoomID)
	assert.True(t, h.View().HasConnectedOnce)
}

func TestSessionViewSnapshot(t *testing.T) {
	dir := &fakeDirectory{rooms: []rest.Room{{ID: "R1", Name: "general"}}}
	h := newTestSession(t, dir)
	_, conn := h.login(t, "alice")
	require.True(t, h.JoinRoom("R1"))
	conn.nextWrite(t)
	_, ok := h.SendMessage("hi")
	require.True(t, ok)

	v := h.View()
	require.NotNil(t, v.User)
	assert.Equal(t, "alice", v.User.Name)
	assert.Equal(t, "R1", v.ActiveRoom)
	assert.Len(t, v.Messages, 1)
	assert.Equal(t, []rest.Room{{ID: "R1", Name: "general"}}, v.Rooms)
	assert.Equal(t, StateConnected, v.Status)
	assert.True(t, v.HasConnectedOnce)
}

func TestSessionDirectoryErrors(t *testing.T) {
	dir := &fakeDirectory{listErr: errors.New("503")}
	h := newTestSession(t, dir)

	user, err := h.Login(context.Background(), "alice")
	require.Error(t, err)
	assert.True(t, IsDirectoryError(err))
	assert.Equal(t, "alice", user.Name, "login survives a failed room load")
	h.dialer.nextConn(t)

	dir.mu.Lock()
	dir.listErr = nil
	dir.createErr = errors.New("conflict")
	dir.mu.Unlock()

	_, err = h.CreateRoom(context.Background(), "dup", "")
	assert.True(t, IsDirectoryError(err))

	dir.mu.Lock()
	dir.createErr = nil
	dir.mu.Unlock()

	room, err := h.CreateRoom(context.Background(), "fresh", "a room")
	require.NoError(t, err)
	assert.Equal(t, "room-fresh", room.ID)
	assert.Equal(t, []rest.Room{*room}, h.View().Rooms)
}

func TestSessionWithoutDirectory(t *testing.T) {
	h := newTestSession(t, nil)
	assert.NoError(t, h.LoadRooms(context.Background()))
	_, err := h.CreateRoom(context.Background(), "x", "")
	assert.True(t, IsDirectoryError(err))
}

func TestSessionClosedRejectsLogin(t *testing.T) {
	h := newTestSession(t, nil)
	require.NoError(t, h.Close())

	_, err := h.Login(context.Background(), "alice")
	assert.Error(t, err)
}
