package service

import (
	"realtime_chat/internal/bus"
	"realtime_chat/internal/config"
	"realtime_chat/internal/repository"
	"realtime_chat/pkg/logger"
)

type Services struct {
	Auth      AuthService
	Message   MessageService
	Delivery  DeliveryService
	RateLimit RateLimitService
}

func NewServices(repos *repository.Repositories, eventBus bus.Bus, cfg *config.Config, log logger.Logger) *Services {
	return &Services{
		Auth:      NewAuthService(repos.User, cfg.JWT, log),
		Message:   NewMessageService(repos.Message, repos.Room, repos.Audit, eventBus, cfg.Chat.HistoryLimit, cfg.Chat.HistoryMaxLimit, log),
		Delivery:  NewDeliveryService(repos.Delivery, repos.Message, repos.Room, eventBus, log),
		RateLimit: NewRateLimitService(repos.RateLimit, log),
	}
}
