package chatsync

import (
	"encoding/json"
	"time"
)

// Envelope tags.
const (
	TypeMessage     = "message"
	TypeSendMessage = "send_message"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeRoomJoined  = "room_joined"
	TypeRoomLeft    = "room_left"
	TypeUserJoined  = "user_joined"
	TypeUserLeft    = "user_left"
	TypeRoomCreated = "room_created"
	TypeError       = "error"
)

// Envelope is one unit of the wire protocol in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope encodes payload under the given tag.
func NewEnvelope(tag string, payload any) (Envelope, error) {
	env := Envelope{Type: tag}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, WrapError(ErrorSerialization, "failed to marshal "+tag+" payload", err)
	}
	env.Payload = raw
	return env, nil
}

// UnmarshalPayload decodes the envelope payload into v.
func (e Envelope) UnmarshalPayload(v any) error {
	if len(e.Payload) == 0 {
		return NewError(ErrorMalformedFrame, e.Type+" envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return WrapError(ErrorMalformedFrame, "failed to unmarshal "+e.Type+" payload", err)
	}
	return nil
}

// User identifies the local participant.
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// ChatMessage is one entry of a room history.
type ChatMessage struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	AuthorID   string    `json:"user_id"`
	AuthorName string    `json:"user_name"`
	Body       string    `json:"content"`
	SentAt     time.Time `json:"timestamp"`
}

// IsSystem reports whether the message is a synthesized presence notice.
func (m ChatMessage) IsSystem() bool { return m.AuthorID == SystemAuthorID }

// JoinRoomPayload announces the local user in a room.
type JoinRoomPayload struct {
	RoomID   string `json:"room_id"`
	UserID   string `json:"user_id"`
	UserName string `json:"user_name"`
}

// LeaveRoomPayload leaves a room.
type LeaveRoomPayload struct {
	RoomID string `json:"room_id"`
}

// SendMessagePayload carries a locally generated message id so the echo can be matched exactly.
type SendMessagePayload struct {
	ID      string `json:"id"`
	Content string `json:"content"`
}

// PresencePayload is carried by user_joined and user_left.
type PresencePayload struct {
	UserName string `json:"user_name"`
	RoomID   string `json:"room_id"`
}

// ErrorPayload is carried by server error envelopes.
type ErrorPayload struct {
	Message string `json:"message"`
}

// RoomCreatedPayload is the part of room_created the engine reads.
type RoomCreatedPayload struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}
