package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// RoomRepository - хранилище членства комнат. Read-mostly: комнаты и состав
// участников правит внешний CRUD-сервис, ядру нужны только выборки.
type RoomRepository interface {
	GetByID(ctx context.Context, roomID uuid.UUID) (*domain.Room, error)
	GetMembers(ctx context.Context, roomID uuid.UUID) ([]*domain.RoomMember, error)
	GetMember(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomMember, error)
}

type roomRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewRoomRepository(db *pgxpool.Pool, log logger.Logger) RoomRepository {
	return &roomRepository{db: db, log: log}
}

func (r *roomRepository) GetByID(ctx context.Context, roomID uuid.UUID) (*domain.Room, error) {
	query := `
		SELECT id, title, is_private, created_at
		FROM rooms
		WHERE id = $1
	`

	room := &domain.Room{}
	err := r.db.QueryRow(ctx, query, roomID).Scan(
		&room.ID, &room.Title, &room.IsPrivate, &room.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get room", "error", err, "room_id", roomID)
		return nil, fmt.Errorf("%w: get room: %v", apperrors.ErrPersistence, err)
	}

	return room, nil
}

func (r *roomRepository) GetMembers(ctx context.Context, roomID uuid.UUID) ([]*domain.RoomMember, error) {
	query := `
		SELECT room_id, user_id, role, joined_at
		FROM room_members
		WHERE room_id = $1
	`

	rows, err := r.db.Query(ctx, query, roomID)
	if err != nil {
		r.log.Error("Failed to get room members", "error", err, "room_id", roomID)
		return nil, fmt.Errorf("%w: get room members: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var members []*domain.RoomMember
	for rows.Next() {
		member := &domain.RoomMember{}
		if err := rows.Scan(&member.RoomID, &member.UserID, &member.Role, &member.JoinedAt); err != nil {
			r.log.Error("Failed to scan room member", "error", err)
			return nil, fmt.Errorf("%w: scan room member: %v", apperrors.ErrPersistence, err)
		}
		members = append(members, member)
	}

	return members, nil
}

func (r *roomRepository) GetMember(ctx context.Context, roomID, userID uuid.UUID) (*domain.RoomMember, error) {
	query := `
		SELECT room_id, user_id, role, joined_at
		FROM room_members
		WHERE room_id = $1 AND user_id = $2
	`

	member := &domain.RoomMember{}
	err := r.db.QueryRow(ctx, query, roomID, userID).Scan(
		&member.RoomID, &member.UserID, &member.Role, &member.JoinedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get room member", "error", err, "room_id", roomID, "user_id", userID)
		return nil, fmt.Errorf("%w: get room member: %v", apperrors.ErrPersistence, err)
	}

	return member, nil
}
