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

// UserRepository - только чтение: регистрацией и профилями занимается
// внешний auth-сервис
type UserRepository interface {
	GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
}

type userRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewUserRepository(db *pgxpool.Pool, log logger.Logger) UserRepository {
	return &userRepository{db: db, log: log}
}

func (r *userRepository) GetByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `
		SELECT id, email, display_name, avatar_url, is_active, created_at
		FROM users
		WHERE id = $1
	`

	user := &domain.User{}
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.Email, &user.DisplayName, &user.AvatarURL,
		&user.IsActive, &user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		r.log.Error("Failed to get user", "error", err, "user_id", userID)
		return nil, fmt.Errorf("%w: get user: %v", apperrors.ErrPersistence, err)
	}

	return user, nil
}
