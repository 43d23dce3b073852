package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

type DeliveryRepository interface {
	// UpsertDelivered ставит delivered_at, если он еще не стоит.
	// Возвращает true только при реальном переходе состояния.
	UpsertDelivered(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error)
	// UpsertRead ставит read_at и, если нужно, delivered_at (read подразумевает
	// delivered). Возвращает true только при первом прочтении.
	UpsertRead(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error)
	Snapshot(ctx context.Context, messageID uuid.UUID) (map[uuid.UUID]*domain.DeliveryRecord, error)
}

type deliveryRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewDeliveryRepository(db *pgxpool.Pool, log logger.Logger) DeliveryRepository {
	return &deliveryRepository{db: db, log: log}
}

func (r *deliveryRepository) UpsertDelivered(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	// DO UPDATE срабатывает только на пустом delivered_at; повторная отметка
	// не возвращает строку - это и есть признак "без перехода"
	query := `
		INSERT INTO delivery_records (message_id, recipient_id, delivered_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
		SET delivered_at = EXCLUDED.delivered_at
		WHERE delivery_records.delivered_at IS NULL
		RETURNING delivered_at
	`

	var deliveredAt time.Time
	err := r.db.QueryRow(ctx, query, messageID, recipientID, at).Scan(&deliveredAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.log.Error("Failed to upsert delivered", "error", err, "message_id", messageID)
		return false, fmt.Errorf("%w: upsert delivered: %v", apperrors.ErrPersistence, err)
	}

	return true, nil
}

func (r *deliveryRepository) UpsertRead(ctx context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	query := `
		INSERT INTO delivery_records (message_id, recipient_id, delivered_at, read_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (message_id, recipient_id) DO UPDATE
		SET read_at      = EXCLUDED.read_at,
		    delivered_at = COALESCE(delivery_records.delivered_at, EXCLUDED.delivered_at)
		WHERE delivery_records.read_at IS NULL
		RETURNING read_at
	`

	var readAt time.Time
	err := r.db.QueryRow(ctx, query, messageID, recipientID, at).Scan(&readAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		r.log.Error("Failed to upsert read", "error", err, "message_id", messageID)
		return false, fmt.Errorf("%w: upsert read: %v", apperrors.ErrPersistence, err)
	}

	return true, nil
}

func (r *deliveryRepository) Snapshot(ctx context.Context, messageID uuid.UUID) (map[uuid.UUID]*domain.DeliveryRecord, error) {
	query := `
		SELECT message_id, recipient_id, delivered_at, read_at
		FROM delivery_records
		WHERE message_id = $1
	`

	rows, err := r.db.Query(ctx, query, messageID)
	if err != nil {
		r.log.Error("Failed to get delivery snapshot", "error", err, "message_id", messageID)
		return nil, fmt.Errorf("%w: delivery snapshot: %v", apperrors.ErrPersistence, err)
	}
	defer rows.Close()

	snapshot := make(map[uuid.UUID]*domain.DeliveryRecord)
	for rows.Next() {
		record := &domain.DeliveryRecord{}
		var deliveredAt, readAt sql.NullTime
		if err := rows.Scan(&record.MessageID, &record.RecipientID, &deliveredAt, &readAt); err != nil {
			r.log.Error("Failed to scan delivery record", "error", err)
			return nil, fmt.Errorf("%w: scan delivery record: %v", apperrors.ErrPersistence, err)
		}
		if deliveredAt.Valid {
			record.DeliveredAt = &deliveredAt.Time
		}
		if readAt.Valid {
			record.ReadAt = &readAt.Time
		}
		snapshot[record.RecipientID] = record
	}

	return snapshot, nil
}
