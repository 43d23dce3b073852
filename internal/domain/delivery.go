package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryRecord - состояние доставки пары (сообщение, получатель).
// Оба штампа выставляются только вперед: read_at подразумевает delivered_at,
// повторная отметка - no-op.
type DeliveryRecord struct {
	MessageID   uuid.UUID  `json:"message_id"`
	RecipientID uuid.UUID  `json:"recipient_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}
