package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

type MessageRepository interface {
	Insert(ctx context.Context, message *domain.Message) error
	GetByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	// GetByRoom возвращает сообщения от новых к старым; beforeSeq = 0 - с последнего
	GetByRoom(ctx context.Context, roomID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error)
	UpdateContent(ctx context.Context, messageID uuid.UUID, content string) (*domain.Message, error)
	MarkDeleted(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

const uniqueViolation = "23505"

// Insert сохраняет сообщение и назначает ему следующий seq комнаты одним
// запросом. Уникальный индекс (room_id, seq) закрывает гонку между
// процессами: проигравший получает 23505 и повторяет попытку.
func (r *messageRepository) Insert(ctx context.Context, message *domain.Message) error {
	query := `
		INSERT INTO messages (id, room_id, sender_id, content, attachments, seq, created_at)
		SELECT $1, $2, $3, $4, $5, COALESCE(MAX(seq), 0) + 1, $6
		FROM messages WHERE room_id = $2
		RETURNING seq, created_at
	`

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = r.db.QueryRow(ctx, query,
			message.ID, message.RoomID, message.SenderID,
			message.Content, message.Attachments, message.CreatedAt,
		).Scan(&message.Seq, &message.CreatedAt)

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			continue
		}
		break
	}

	if err != nil {
		r.log.Error("Failed to insert message", "error", err, "room_id", message.RoomID)
		return fmt.Errorf("%w: insert message: %v", apperrors.ErrPersistence, err)
	}

	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	query := `
		SELECT id, room_id, sender_id, content, attachments, seq, created_at, edited_at, deleted, deleted_at
		FROM messages
		WHERE id = $1
	`

	message, err := scanMessage(r.db.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("%w: get message: %v", apperrors.ErrPersistence, err)
	}

	return message, nil
}

func (r *messageRepository) GetByRoom(ctx context.Context, roomID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	// Tombstone-строки не фильтруем: пагинация по seq должна быть стабильной
	query := `
		SELECT id, room_id, sender_id, content, attachments, seq, created_at, edited_at, deleted, deleted_at
		FROM messages
		WHERE room_id = $1 AND ($2 = 0 OR seq < $2)
		ORDER BY seq DESC
		LIMIT $3
	`

	rows, err := r.db.Query(ctx, query, roomID, beforeSeq, limit)
	if err != nil {
		r.log.Error("Failed to get messages", "error", err, "room_id", roomID)
		return nil, fmt.Errorf("%w: get messages: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	var messages []*domain.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			r.log.Error("Failed to scan message", "error", err)
			return nil, fmt.Errorf("%w: scan message: %v", apperrors.ErrPersistence, err)
		}
		messages = append(messages, message)
	}

	return messages, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, messageID uuid.UUID, content string) (*domain.Message, error) {
	// Last-write-wins: правка не проверяет tombstone, порядок записей решает
	query := `
		UPDATE messages
		SET content = $2, edited_at = $3
		WHERE id = $1
		RETURNING id, room_id, sender_id, content, attachments, seq, created_at, edited_at, deleted, deleted_at
	`

	message, err := scanMessage(r.db.QueryRow(ctx, query, messageID, content, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to update message", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("%w: update message: %v", apperrors.ErrPersistence, err)
	}

	return message, nil
}

func (r *messageRepository) MarkDeleted(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	query := `
		UPDATE messages
		SET deleted = TRUE, content = '', attachments = NULL, deleted_at = $2
		WHERE id = $1
		RETURNING id, room_id, sender_id, content, attachments, seq, created_at, edited_at, deleted, deleted_at
	`

	message, err := scanMessage(r.db.QueryRow(ctx, query, messageID, time.Now()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to mark message deleted", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("%w: delete message: %v", apperrors.ErrPersistence, err)
	}

	return message, nil
}

func scanMessage(row pgx.Row) (*domain.Message, error) {
	message := &domain.Message{}
	var editedAt, deletedAt sql.NullTime
	err := row.Scan(
		&message.ID, &message.RoomID, &message.SenderID, &message.Content,
		&message.Attachments, &message.Seq, &message.CreatedAt,
		&editedAt, &message.Deleted, &deletedAt,
	)
	if err != nil {
		return nil, err
	}
	if editedAt.Valid {
		message.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		message.DeletedAt = &deletedAt.Time
	}
	return message, nil
}
