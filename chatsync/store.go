package chatsync

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"
	"k8s.io/utils/set"
)

// System notices use a reserved author that no server user id can take.
const (
	SystemAuthorID   = "system"
	SystemAuthorName = "System"
)

// ReconcileWindow bounds how far apart an optimistic message and its server
// echo may be stamped and still be folded together.
const ReconcileWindow = 5 * time.Second

// Outcome says what applying a message did to the history.
type Outcome int

const (
	OutcomeDuplicate Outcome = iota // already present, nothing changed
	OutcomeAppended
	OutcomeReplaced  // an optimistic entry matched by author, body and time
	OutcomeConfirmed // an optimistic entry matched by id
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeAppended:
		return "appended"
	case OutcomeReplaced:
		return "replaced"
	case OutcomeConfirmed:
		return "confirmed"
	default:
		return "unknown"
	}
}

// Changed reports whether the history was modified.
func (o Outcome) Changed() bool { return o != OutcomeDuplicate }

// PresenceKind is a presence change rendered as a system message.
type PresenceKind int

const (
	PresenceJoined PresenceKind = iota
	PresenceLeft
)

type histories map[string][]ChatMessage

// Store is the canonical per-room message history.
//
// Reads may happen from any goroutine: every mutation publishes a fresh map
// and room slice, and published slices are never written again. Mutations
// must be serialized by the caller; the Session runs them on its event loop.
type Store struct {
	clock   clock.PassiveClock
	rooms   atomic.Pointer[histories]
	pending set.Set[string]
}

// NewStore returns an empty store. A nil clk uses the wall clock.
func NewStore(clk clock.PassiveClock) *Store {
	if clk == nil {
		clk = clock.RealClock{}
	}
	s := &Store{clock: clk, pending: set.New[string]()}
	s.rooms.Store(&histories{})
	return s
}

// Messages returns the room history in display order. The slice must not be modified.
func (s *Store) Messages(roomID string) []ChatMessage {
	return (*s.rooms.Load())[roomID]
}

// Rooms returns the ids of every room with a history entry.
func (s *Store) Rooms() []string {
	h := *s.rooms.Load()
	return set.KeySet(map[string][]ChatMessage(h)).SortedList()
}

// HasRoom reports whether roomID has a (possibly empty) history.
func (s *Store) HasRoom(roomID string) bool {
	_, ok := (*s.rooms.Load())[roomID]
	return ok
}

// EnsureRoom creates an empty history for roomID if none exists.
func (s *Store) EnsureRoom(roomID string) {
	if s.HasRoom(roomID) {
		return
	}
	s.publish(roomID, []ChatMessage{})
}

// ApplyOptimistic appends a locally originated message unless its id is
// already present. The message stays pending until its echo arrives.
func (s *Store) ApplyOptimistic(msg ChatMessage) bool {
	msgs := s.Messages(msg.RoomID)
	if indexOf(msgs, msg.ID) >= 0 {
		return false
	}
	s.publish(msg.RoomID, appendCopy(msgs, msg))
	s.pending.Insert(msg.ID)
	return true
}

// ApplyServerMessage merges an authoritative message into its room.
//
// An entry with the same id is confirmed in place if it is still pending and
// left alone otherwise. A message from localUserID replaces the first entry by
// the same author with the same body stamped within ReconcileWindow. Anything
// else is appended.
func (s *Store) ApplyServerMessage(msg ChatMessage, localUserID string) Outcome {
	msgs := s.Messages(msg.RoomID)

	if i := indexOf(msgs, msg.ID); i >= 0 {
		if !s.pending.Has(msg.ID) {
			return OutcomeDuplicate
		}
		s.pending.Delete(msg.ID)
		s.publish(msg.RoomID, replaceCopy(msgs, i, msg))
		return OutcomeConfirmed
	}

	if localUserID != "" && msg.AuthorID == localUserID {
		for i, m := range msgs {
			if m.AuthorID != msg.AuthorID || m.Body != msg.Body {
				continue
			}
			if absDuration(msg.SentAt.Sub(m.SentAt)) >= ReconcileWindow {
				continue
			}
			s.pending.Delete(m.ID)
			s.publish(msg.RoomID, replaceCopy(msgs, i, msg))
			return OutcomeReplaced
		}
	}

	s.publish(msg.RoomID, appendCopy(msgs, msg))
	return OutcomeAppended
}

// ApplySystemNotice appends a synthesized presence message and returns it.
// Each call yields a distinct id, so repeated notices never collapse.
func (s *Store) ApplySystemNotice(kind PresenceKind, roomID, actorName string) ChatMessage {
	body := actorName + " joined"
	if kind == PresenceLeft {
		body = actorName + " left"
	}
	msg := ChatMessage{
		ID:         uuid.NewString(),
		RoomID:     roomID,
		AuthorID:   SystemAuthorID,
		AuthorName: SystemAuthorName,
		Body:       body,
		SentAt:     s.clock.Now(),
	}
	s.publish(roomID, appendCopy(s.Messages(roomID), msg))
	return msg
}

// Reset drops every history.
func (s *Store) Reset() {
	s.rooms.Store(&histories{})
	s.pending = set.New[string]()
}

func (s *Store) publish(roomID string, msgs []ChatMessage) {
	old := *s.rooms.Load()
	next := make(histories, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[roomID] = msgs
	s.rooms.Store(&next)
}

func indexOf(msgs []ChatMessage, id string) int {
	for i := range msgs {
		if msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func appendCopy(msgs []ChatMessage, msg ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs), len(msgs)+1)
	copy(out, msgs)
	return append(out, msg)
}

func replaceCopy(msgs []ChatMessage, i int, msg ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(msgs))
	copy(out, msgs)
	out[i] = msg
	return out
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
