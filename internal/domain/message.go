package domain

import (
	"time"

	"github.com/google/uuid"
)

type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// Message - сообщение комнаты. Seq - ключ порядка внутри комнаты:
// строго возрастает, уникален для (room_id, seq), используется как курсор
// пагинации. Удаление не убирает строку, а ставит tombstone (Deleted),
// чтобы пагинация оставалась стабильной.
type Message struct {
	ID          uuid.UUID    `json:"id"`
	RoomID      uuid.UUID    `json:"room_id"`
	SenderID    uuid.UUID    `json:"sender_id"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Seq         int64        `json:"seq"`
	CreatedAt   time.Time    `json:"created_at"`
	EditedAt    *time.Time   `json:"edited_at,omitempty"`
	Deleted     bool         `json:"deleted"`
	DeletedAt   *time.Time   `json:"deleted_at,omitempty"`

	// TempID - клиентский временный ID для сверки оптимистичного эха,
	// не хранится в БД
	TempID string `json:"temp_id,omitempty"`
}
