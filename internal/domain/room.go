package domain

import (
	"time"

	"github.com/google/uuid"
)

type Room struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

// RoomMember - участник комнаты; пара (room_id, user_id) уникальна
type RoomMember struct {
	RoomID   uuid.UUID `json:"room_id"`
	UserID   uuid.UUID `json:"user_id"`
	Role     string    `json:"role"`
	JoinedAt time.Time `json:"joined_at"`
}

const (
	MemberRoleOwner  = "owner"
	MemberRoleAdmin  = "admin"
	MemberRoleMember = "member"
)

// Elevated - роль, которой разрешено править и удалять чужие сообщения
func (m *RoomMember) Elevated() bool {
	return m.Role == MemberRoleOwner || m.Role == MemberRoleAdmin
}
