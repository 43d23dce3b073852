package handler

import (
	"realtime_chat/internal/bus"
	"realtime_chat/internal/service"
	"realtime_chat/internal/session"
	"realtime_chat/pkg/logger"
)

type Handlers struct {
	WebSocket *WebSocketHandler
	Chat      *ChatHandler
	Health    *HealthHandler
}

func NewHandlers(services *service.Services, registry *session.Registry, eventBus bus.Bus, log logger.Logger) *Handlers {
	return &Handlers{
		WebSocket: NewWebSocketHandler(services.Auth, services.Message, services.Delivery, registry, eventBus, log),
		Chat:      NewChatHandler(services.Message, services.Delivery, log),
		Health:    NewHealthHandler(),
	}
}
