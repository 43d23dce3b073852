package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Типы событий шины; имена совпадают с wire-протоколом клиента
const (
	EventMessage          = "message"
	EventMessageAck       = "message_ack"
	EventMessageEdited    = "message_edited"
	EventMessageDeleted   = "message_deleted"
	EventMessageRead      = "message_read"
	EventMessageDelivered = "message_delivered"
	EventMessageReaction  = "message_reaction"
	EventPresenceUpdate   = "presence_update"
	EventUserTyping       = "user_typing"
	EventUserStopTyping   = "user_stopped_typing"
	EventError            = "error"
)

// Event - единица публикации на шине и одновременно исходящее wire-событие.
// Payload сериализуется заранее, чтобы шина не знала о конкретных типах.
type Event struct {
	Type      string          `json:"type"`
	RoomID    uuid.UUID       `json:"room_id,omitempty"`
	Payload   json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type AckPayload struct {
	TempID    string    `json:"temp_id"`
	ID        uuid.UUID `json:"id"`
	Seq       int64     `json:"seq"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	ReaderID  uuid.UUID `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

type DeliveredPayload struct {
	MessageID   uuid.UUID `json:"message_id"`
	DeliveredTo uuid.UUID `json:"delivered_to"`
	DeliveredAt time.Time `json:"delivered_at"`
}

type PresencePayload struct {
	UserID uuid.UUID `json:"user_id"`
	Status string    `json:"status"`
}

type TypingPayload struct {
	UserID uuid.UUID `json:"user_id"`
	RoomID uuid.UUID `json:"room_id"`
}

type ReactionPayload struct {
	MessageID uuid.UUID `json:"message_id"`
	Reaction  string    `json:"reaction"`
	UserID    uuid.UUID `json:"user_id"`
}

type DeletedPayload struct {
	MessageID uuid.UUID  `json:"message_id"`
	RoomID    uuid.UUID  `json:"room_id"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

func newEvent(eventType string, roomID uuid.UUID, payload any) Event {
	// Payload состоит из plain-структур, сериализация не может упасть
	data, _ := json.Marshal(payload)
	return Event{
		Type:      eventType,
		RoomID:    roomID,
		Payload:   data,
		CreatedAt: time.Now(),
	}
}

func NewMessageEvent(msg *Message) Event {
	return newEvent(EventMessage, msg.RoomID, msg)
}

func NewMessageEditedEvent(msg *Message) Event {
	return newEvent(EventMessageEdited, msg.RoomID, msg)
}

func NewMessageDeletedEvent(msg *Message) Event {
	return newEvent(EventMessageDeleted, msg.RoomID, DeletedPayload{
		MessageID: msg.ID,
		RoomID:    msg.RoomID,
		DeletedAt: msg.DeletedAt,
	})
}

func NewAckEvent(tempID string, msg *Message) Event {
	return newEvent(EventMessageAck, msg.RoomID, AckPayload{
		TempID:    tempID,
		ID:        msg.ID,
		Seq:       msg.Seq,
		CreatedAt: msg.CreatedAt,
	})
}

func NewReadEvent(roomID uuid.UUID, p ReadPayload) Event {
	return newEvent(EventMessageRead, roomID, p)
}

func NewDeliveredEvent(roomID uuid.UUID, p DeliveredPayload) Event {
	return newEvent(EventMessageDelivered, roomID, p)
}

func NewPresenceEvent(roomID uuid.UUID, userID uuid.UUID, status string) Event {
	return newEvent(EventPresenceUpdate, roomID, PresencePayload{UserID: userID, Status: status})
}

func NewTypingEvent(roomID, userID uuid.UUID, typing bool) Event {
	eventType := EventUserTyping
	if !typing {
		eventType = EventUserStopTyping
	}
	return newEvent(eventType, roomID, TypingPayload{UserID: userID, RoomID: roomID})
}

func NewReactionEvent(roomID uuid.UUID, p ReactionPayload) Event {
	return newEvent(EventMessageReaction, roomID, p)
}

func NewErrorEvent(message string) Event {
	return newEvent(EventError, uuid.Nil, ErrorPayload{Message: message})
}
