package service

import (
	"context"
	"fmt"

	"realtime_chat/internal/config"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/jwt"
	"realtime_chat/pkg/logger"
)

// AuthService - валидатор учетных данных. Выпуском токенов занимается
// внешний auth-сервис, здесь токен только проверяется - один раз на
// соединение или запрос.
type AuthService interface {
	ValidateToken(ctx context.Context, tokenString string) (*domain.User, error)
}

type authService struct {
	userRepo repository.UserRepository
	jwtCfg   config.JWTConfig
	log      logger.Logger
}

func NewAuthService(userRepo repository.UserRepository, jwtCfg config.JWTConfig, log logger.Logger) AuthService {
	return &authService{
		userRepo: userRepo,
		jwtCfg:   jwtCfg,
		log:      log,
	}
}

func (s *authService) ValidateToken(ctx context.Context, tokenString string) (*domain.User, error) {
	claims, err := jwt.ValidateToken(tokenString, s.jwtCfg.AccessSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidCredential, err)
	}

	user, err := s.userRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: user not found", apperrors.ErrInvalidCredential)
	}

	if !user.IsActive {
		return nil, fmt.Errorf("%w: user account is disabled", apperrors.ErrInvalidCredential)
	}

	return user, nil
}
