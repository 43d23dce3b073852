package domain

import (
	"time"

	"github.com/google/uuid"
)

type AuditLog struct {
	ID          int64                  `json:"id"`
	EventTime   time.Time              `json:"event_time"`
	ActorUserID uuid.UUID              `json:"actor_user_id"`
	RoomID      *uuid.UUID             `json:"room_id,omitempty"`
	EventType   string                 `json:"event_type"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

const (
	AuditMessageEdited  = "message_edited"
	AuditMessageDeleted = "message_deleted"
)
