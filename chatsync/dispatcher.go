package chatsync

// Dispatcher decodes inbound envelopes and routes them to registered callbacks.
type Dispatcher struct {
	onMessage     func(ChatMessage)
	onUserJoined  func(PresencePayload)
	onUserLeft    func(PresencePayload)
	onRoomJoined  func()
	onRoomLeft    func()
	onRoomCreated func(RoomCreatedPayload)
	onServerError func(error)
}

func (d *Dispatcher) SetOnMessage(fn func(ChatMessage))            { d.onMessage = fn }
func (d *Dispatcher) SetOnUserJoined(fn func(PresencePayload))     { d.onUserJoined = fn }
func (d *Dispatcher) SetOnUserLeft(fn func(PresencePayload))       { d.onUserLeft = fn }
func (d *Dispatcher) SetOnRoomJoined(fn func())                    { d.onRoomJoined = fn }
func (d *Dispatcher) SetOnRoomLeft(fn func())                      { d.onRoomLeft = fn }
func (d *Dispatcher) SetOnRoomCreated(fn func(RoomCreatedPayload)) { d.onRoomCreated = fn }
func (d *Dispatcher) SetOnServerError(fn func(error))              { d.onServerError = fn }

// Dispatch routes env. It returns a *SyncError with ErrorMalformedFrame when
// the payload cannot be decoded or lacks required fields, and one with
// ErrorUnknown for unrecognized tags. Outbound-only tags are unrecognized.
func (d *Dispatcher) Dispatch(env Envelope) error {
	switch env.Type {
	case TypeMessage:
		var msg ChatMessage
		if err := env.UnmarshalPayload(&msg); err != nil {
			return err
		}
		if msg.ID == "" || msg.RoomID == "" || msg.AuthorID == "" {
			return NewError(ErrorMalformedFrame, "message payload missing id, room_id or user_id")
		}
		if d.onMessage != nil {
			d.onMessage(msg)
		}
	case TypeUserJoined, TypeUserLeft:
		var ev PresencePayload
		if err := env.UnmarshalPayload(&ev); err != nil {
			return err
		}
		if ev.UserName == "" || ev.RoomID == "" {
			return NewError(ErrorMalformedFrame, env.Type+" payload missing user_name or room_id")
		}
		fn := d.onUserJoined
		if env.Type == TypeUserLeft {
			fn = d.onUserLeft
		}
		if fn != nil {
			fn(ev)
		}
	case TypeRoomJoined:
		if d.onRoomJoined != nil {
			d.onRoomJoined()
		}
	case TypeRoomLeft:
		if d.onRoomLeft != nil {
			d.onRoomLeft()
		}
	case TypeRoomCreated:
		var ev RoomCreatedPayload
		if err := env.UnmarshalPayload(&ev); err != nil {
			return err
		}
		if ev.ID == "" {
			return NewError(ErrorMalformedFrame, "room_created payload missing id")
		}
		if d.onRoomCreated != nil {
			d.onRoomCreated(ev)
		}
	case TypeError:
		var ev ErrorPayload
		if err := env.UnmarshalPayload(&ev); err != nil {
			return err
		}
		if ev.Message == "" {
			return NewError(ErrorMalformedFrame, "error payload missing message")
		}
		if d.onServerError != nil {
			d.onServerError(NewError(ErrorServer, ev.Message))
		}
	default:
		return NewError(ErrorUnknown, "unknown envelope type "+env.Type)
	}
	return nil
}
