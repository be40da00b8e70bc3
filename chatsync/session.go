package chatsync

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/vovakirdan/chatsync-go/chatsync/rest"
)

// RoomDirectory is the request/response room API. *rest.Client implements it.
type RoomDirectory interface {
	ListRooms(ctx context.Context) ([]rest.Room, error)
	CreateRoom(ctx context.Context, req rest.CreateRoomRequest) (*rest.Room, error)
}

// NoticeKind classifies notifications meant for a toast layer.
type NoticeKind int

const (
	NoticeRoomJoined NoticeKind = iota
	NoticeRoomLeft
	NoticeRoomCreated
	NoticeServerError
	NoticeReconnected
)

func (k NoticeKind) String() string {
	switch k {
	case NoticeRoomJoined:
		return "room_joined"
	case NoticeRoomLeft:
		return "room_left"
	case NoticeRoomCreated:
		return "room_created"
	case NoticeServerError:
		return "error"
	case NoticeReconnected:
		return "reconnected"
	default:
		return "unknown"
	}
}

// Notice is forwarded to OnNotice; it never changes history.
type Notice struct {
	Kind   NoticeKind
	RoomID string
	Err    error
}

// HistoryEvent reports one change to a room history.
type HistoryEvent struct {
	RoomID  string
	Message ChatMessage
	Outcome Outcome
}

// View is a consistent snapshot of everything a UI renders.
type View struct {
	User             *User
	ActiveRoom       string
	Messages         []ChatMessage
	Rooms            []rest.Room
	Status           ConnectionState
	HasConnectedOnce bool
}

// Session ties user identity and room selection to a Manager and a Store.
// Its methods are safe to call from any goroutine, including from callbacks.
type Session struct {
	conn      *Manager
	store     *Store
	directory RoomDirectory
	clock     clock.PassiveClock
	dispatch  Dispatcher

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Owned by the manager's loop goroutine.
	logger     Logger
	closed     bool
	user       *User
	activeRoom string
	rooms      []rest.Room
	roomsGen   uint64
	onNotice   func(Notice)
	onHistory  func(HistoryEvent)
}

// NewSession builds a logged-out session. directory may be nil, in which case
// room ids are not checked and room listing is unavailable.
func NewSession(cfg Config, directory RoomDirectory) *Session {
	conn := NewManager(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		conn:      conn,
		store:     NewStore(conn.clock),
		directory: directory,
		clock:     conn.clock,
		ctx:       ctx,
		cancel:    cancel,
		logger:    noopLogger{},
	}
	s.dispatch.SetOnMessage(s.applyServerMessage)
	s.dispatch.SetOnUserJoined(func(ev PresencePayload) { s.applyPresence(PresenceJoined, ev) })
	s.dispatch.SetOnUserLeft(func(ev PresencePayload) { s.applyPresence(PresenceLeft, ev) })
	s.dispatch.SetOnRoomJoined(func() { s.emitNotice(Notice{Kind: NoticeRoomJoined, RoomID: s.activeRoom}) })
	s.dispatch.SetOnRoomLeft(func() { s.emitNotice(Notice{Kind: NoticeRoomLeft}) })
	s.dispatch.SetOnRoomCreated(s.roomCreated)
	s.dispatch.SetOnServerError(func(err error) {
		s.logger.Warn("server error", map[string]any{"error": err})
		s.emitNotice(Notice{Kind: NoticeServerError, RoomID: s.activeRoom, Err: err})
	})
	conn.loop.call(func() { conn.setHooks(s.handleEnvelope, s.handleOpen) })
	return s
}

// SetLogger overrides logger (optional).
func (s *Session) SetLogger(l Logger) {
	if l == nil {
		return
	}
	s.conn.SetLogger(l)
	s.conn.loop.call(func() { s.logger = l })
}

// OnNotice registers callback for toast-layer notifications.
func (s *Session) OnNotice(fn func(Notice)) { s.conn.loop.call(func() { s.onNotice = fn }) }

// OnHistory registers callback for history changes.
func (s *Session) OnHistory(fn func(HistoryEvent)) { s.conn.loop.call(func() { s.onHistory = fn }) }

// OnStateChanged registers callback for connection state changes.
func (s *Session) OnStateChanged(fn func(StateEvent)) { s.conn.OnStateChanged(fn) }

// Status returns the connection state.
func (s *Session) Status() ConnectionState { return s.conn.State() }

// Messages returns the history of roomID. The slice must not be modified.
func (s *Session) Messages(roomID string) []ChatMessage { return s.store.Messages(roomID) }

// View returns a snapshot of the session.
func (s *Session) View() View {
	v := View{Status: s.conn.State(), HasConnectedOnce: s.conn.HasConnectedOnce()}
	s.conn.loop.call(func() {
		if s.user != nil {
			u := *s.user
			v.User = &u
		}
		v.ActiveRoom = s.activeRoom
		if s.activeRoom != "" {
			v.Messages = s.store.Messages(s.activeRoom)
		}
		v.Rooms = s.rooms
		v.Status = s.conn.State()
	})
	return v
}

// Login creates the session for name and enables the connection. The name is
// trusted: length and emptiness are checked by the caller. When a directory is
// configured the room list is loaded; its error is returned but the user stays
// logged in. Calling Login while logged in returns the current user.
func (s *Session) Login(ctx context.Context, name string) (User, error) {
	var user User
	var fresh bool
	if !s.conn.loop.call(func() {
		if s.closed {
			return
		}
		if s.user != nil {
			user = *s.user
			return
		}
		user = User{ID: uuid.NewString(), Name: name}
		u := user
		s.user = &u
		fresh = true
		s.logger.Info("logged in", map[string]any{"user_id": user.ID, "user_name": user.Name})
		s.conn.enable()
	}) || user.ID == "" {
		return User{}, NewError(ErrorDisconnected, "session closed")
	}
	if !fresh {
		return user, nil
	}
	return user, s.LoadRooms(ctx)
}

// Logout tears down the connection and forgets the user, the room list and
// every history.
func (s *Session) Logout() {
	s.conn.loop.call(s.logout)
}

// JoinRoom makes roomID active, leaving the previous room first. It reports
// false and does nothing when logged out or when the room is not in the
// loaded directory listing.
func (s *Session) JoinRoom(roomID string) bool {
	var ok bool
	s.conn.loop.call(func() {
		if s.user == nil || roomID == "" {
			return
		}
		if s.directory != nil && !s.knownRoom(roomID) {
			s.logger.Debug("join ignored, unknown room", map[string]any{"room_id": roomID})
			return
		}
		if s.activeRoom != "" && s.activeRoom != roomID {
			s.sendIntent(TypeLeaveRoom, LeaveRoomPayload{RoomID: s.activeRoom})
		}
		s.activeRoom = roomID
		s.store.EnsureRoom(roomID)
		s.sendJoin()
		ok = true
	})
	return ok
}

// SendMessage adds body to the active room optimistically and transmits it.
// It reports false when there is no user, no active room, or body is blank.
func (s *Session) SendMessage(body string) (ChatMessage, bool) {
	body = strings.TrimSpace(body)
	var msg ChatMessage
	var ok bool
	s.conn.loop.call(func() {
		if s.user == nil || s.activeRoom == "" || body == "" {
			return
		}
		msg = ChatMessage{
			ID:         uuid.NewString(),
			RoomID:     s.activeRoom,
			AuthorID:   s.user.ID,
			AuthorName: s.user.Name,
			Body:       body,
			SentAt:     s.clock.Now(),
		}
		if s.store.ApplyOptimistic(msg) {
			s.emitHistory(msg, OutcomeAppended)
		}
		s.sendIntent(TypeSendMessage, SendMessagePayload{ID: msg.ID, Content: body})
		ok = true
	})
	return msg, ok
}

// LoadRooms refreshes the room list from the directory.
func (s *Session) LoadRooms(ctx context.Context) error {
	if s.directory == nil {
		return nil
	}
	var gen uint64
	s.conn.loop.call(func() { gen = s.roomsGen })

	rooms, err := s.directory.ListRooms(ctx)
	s.conn.loop.call(func() {
		if err != nil {
			s.logger.Warn("failed to load rooms", map[string]any{"error": err})
			return
		}
		// a logout in between discards the result
		if gen != s.roomsGen || s.user == nil {
			return
		}
		s.rooms = rooms
		s.logger.Debug("rooms loaded", map[string]any{"count": len(rooms)})
	})
	if err != nil {
		return WrapError(ErrorDirectory, "failed to load rooms", err)
	}
	return nil
}

// CreateRoom creates a room in the directory and refreshes the room list.
// A failed refresh is logged; the created room is still returned.
func (s *Session) CreateRoom(ctx context.Context, name, description string) (*rest.Room, error) {
	if s.directory == nil {
		return nil, NewError(ErrorDirectory, "no room directory configured")
	}
	room, err := s.directory.CreateRoom(ctx, rest.CreateRoomRequest{Name: name, Description: description})
	if err != nil {
		return nil, WrapError(ErrorDirectory, "failed to create room", err)
	}
	_ = s.LoadRooms(ctx)
	return room, nil
}

// Close logs out and releases the connection. It must not be called from a callback.
func (s *Session) Close() error {
	s.conn.loop.call(func() {
		s.logout()
		s.closed = true
	})
	s.cancel()
	s.wg.Wait()
	return s.conn.Close()
}

func (s *Session) logout() {
	s.conn.disable()
	if s.user != nil {
		s.logger.Info("logged out", map[string]any{"user_id": s.user.ID})
	}
	s.user = nil
	s.activeRoom = ""
	s.rooms = nil
	s.roomsGen++
	s.store.Reset()
}

func (s *Session) knownRoom(roomID string) bool {
	for _, r := range s.rooms {
		if r.ID == roomID {
			return true
		}
	}
	return false
}

func (s *Session) sendJoin() {
	s.sendIntent(TypeJoinRoom, JoinRoomPayload{
		RoomID:   s.activeRoom,
		UserID:   s.user.ID,
		UserName: s.user.Name,
	})
}

func (s *Session) sendIntent(tag string, payload any) bool {
	env, err := NewEnvelope(tag, payload)
	if err != nil {
		s.logger.Error("failed to build envelope", map[string]any{"type": tag, "error": err})
		return false
	}
	return s.conn.send(env)
}

// handleOpen re-announces the active room, since a new transport starts
// with no room membership on the server.
func (s *Session) handleOpen(reconnected bool) {
	if s.user != nil && s.activeRoom != "" {
		s.sendJoin()
	}
	if reconnected {
		s.emitNotice(Notice{Kind: NoticeReconnected, RoomID: s.activeRoom})
	}
}

func (s *Session) handleEnvelope(env Envelope) {
	err := s.dispatch.Dispatch(env)
	if err == nil {
		return
	}
	var se *SyncError
	if errors.As(err, &se) && se.Code == ErrorMalformedFrame {
		s.conn.metrics.observeFrame("malformed")
		s.logger.Warn("dropping malformed frame", map[string]any{"type": env.Type, "error": err})
		return
	}
	s.logger.Warn("dropping unrecognized envelope", map[string]any{"type": env.Type})
}

func (s *Session) applyServerMessage(msg ChatMessage) {
	var localID string
	if s.user != nil {
		localID = s.user.ID
	}
	outcome := s.store.ApplyServerMessage(msg, localID)
	if !outcome.Changed() {
		s.logger.Debug("message already present", map[string]any{"id": msg.ID, "room_id": msg.RoomID})
		s.conn.metrics.observeHistory(outcome)
		return
	}
	s.emitHistory(msg, outcome)
}

func (s *Session) applyPresence(kind PresenceKind, ev PresencePayload) {
	msg := s.store.ApplySystemNotice(kind, ev.RoomID, ev.UserName)
	s.emitHistory(msg, OutcomeAppended)
}

func (s *Session) roomCreated(ev RoomCreatedPayload) {
	s.emitNotice(Notice{Kind: NoticeRoomCreated, RoomID: ev.ID})
	if s.directory == nil || s.closed || s.user == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.LoadRooms(s.ctx)
	}()
}

func (s *Session) emitHistory(msg ChatMessage, outcome Outcome) {
	s.conn.metrics.observeHistory(outcome)
	if fn := s.onHistory; fn != nil {
		ev := HistoryEvent{RoomID: msg.RoomID, Message: msg, Outcome: outcome}
		s.conn.notify.push(func() { fn(ev) })
	}
}

func (s *Session) emitNotice(n Notice) {
	if fn := s.onNotice; fn != nil {
		s.conn.notify.push(func() { fn(n) })
	}
}
