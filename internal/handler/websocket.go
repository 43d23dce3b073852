package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"realtime_chat/internal/bus"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/service"
	"realtime_chat/internal/session"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // В продакшене нужно проверять origin
	},
}

// inboundEvent - входящее wire-событие клиента; один плоский конверт на все
// типы, обязательность полей проверяется по типу
type inboundEvent struct {
	Type        string              `json:"type" validate:"required"`
	RoomID      uuid.UUID           `json:"room_id,omitempty"`
	MessageID   uuid.UUID           `json:"message_id,omitempty"`
	Content     string              `json:"content,omitempty"`
	NewContent  string              `json:"new_content,omitempty"`
	TempID      string              `json:"temp_id,omitempty" validate:"max=64"`
	Attachments []domain.Attachment `json:"attachments,omitempty" validate:"dive"`
	Reaction    string              `json:"reaction,omitempty" validate:"max=64"`
}

// WebSocketHandler - шлюз соединений: переводит входящие wire-события в
// вызовы pipeline/трекера/реестра, исходящие события шины - в wire-события.
// Бизнес-логики и долговечного состояния не держит.
type WebSocketHandler struct {
	authService service.AuthService
	messages    service.MessageService
	delivery    service.DeliveryService
	registry    *session.Registry
	eventBus    bus.Bus
	validate    *validator.Validate
	log         logger.Logger
}

func NewWebSocketHandler(
	authService service.AuthService,
	messages service.MessageService,
	delivery service.DeliveryService,
	registry *session.Registry,
	eventBus bus.Bus,
	log logger.Logger,
) *WebSocketHandler {
	return &WebSocketHandler{
		authService: authService,
		messages:    messages,
		delivery:    delivery,
		registry:    registry,
		eventBus:    eventBus,
		validate:    validator.New(),
		log:         log,
	}
}

func (h *WebSocketHandler) HandleWS(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		if header := c.GetHeader("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}

	user, err := h.authService.ValidateToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}
	defer conn.Close()

	sess := h.registry.Connect(c.Request.Context(), user.ID)
	defer h.registry.Disconnect(sess.ID)

	h.log.Info("WebSocket connected", "user_id", user.ID, "conn_id", sess.ID)

	go h.writePump(conn, sess, user.ID)
	h.readLoop(c.Request.Context(), conn, sess, user.ID)

	h.log.Info("WebSocket disconnected", "user_id", user.ID, "conn_id", sess.ID)
}

// writePump - единственный писатель сокета. Запись события message
// получателю и есть момент фиксации доставки; трекер дедуплицирует.
func (h *WebSocketHandler) writePump(conn *websocket.Conn, sess *session.Connection, userID uuid.UUID) {
	defer conn.Close()

	for event := range sess.Events() {
		if err := conn.WriteJSON(event); err != nil {
			return
		}

		if event.Type == domain.EventMessage {
			var msg domain.Message
			if err := json.Unmarshal(event.Payload, &msg); err != nil {
				continue
			}
			if msg.SenderID == userID {
				continue
			}
			if err := h.delivery.RecordDelivered(context.Background(), msg.ID, msg.RoomID, userID); err != nil {
				h.log.Error("Failed to record delivery", "message_id", msg.ID, "user_id", userID, "error", err)
			}
		}
	}
}

func (h *WebSocketHandler) readLoop(ctx context.Context, conn *websocket.Conn, sess *session.Connection, userID uuid.UUID) {
	for {
		var event inboundEvent
		if err := conn.ReadJSON(&event); err != nil {
			return
		}

		if err := h.validate.Struct(&event); err != nil {
			sess.Push(domain.NewErrorEvent("malformed event"))
			continue
		}

		h.dispatch(ctx, sess, userID, event)
	}
}

// dispatch переводит одно входящее событие ровно в один вызов ядра;
// каждая ошибка возвращается клиенту событием error, ничего не глотается
func (h *WebSocketHandler) dispatch(ctx context.Context, sess *session.Connection, userID uuid.UUID, event inboundEvent) {
	switch event.Type {
	case "join_room":
		if event.RoomID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("join_room requires room_id"))
			return
		}
		if err := h.registry.JoinRoom(ctx, sess.ID, event.RoomID); err != nil {
			h.pushError(sess, err, "failed to join room")
		}

	case "leave_room":
		if event.RoomID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("leave_room requires room_id"))
			return
		}
		if err := h.registry.LeaveRoom(sess.ID, event.RoomID); err != nil {
			h.pushError(sess, err, "failed to leave room")
		}

	case "send_message":
		if event.RoomID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("send_message requires room_id"))
			return
		}
		msg, err := h.messages.Submit(ctx, event.RoomID, userID, event.Content, event.Attachments, event.TempID)
		if err != nil {
			h.pushError(sess, err, "failed to send message")
			return
		}
		// Прямой ack отправителю для сверки оптимистичного эха
		sess.Push(domain.NewAckEvent(event.TempID, msg))

	case "message_read":
		if event.MessageID == uuid.Nil || event.RoomID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("message_read requires message_id and room_id"))
			return
		}
		if !h.registry.InRoom(sess.ID, event.RoomID) {
			sess.Push(domain.NewErrorEvent("not joined to this room"))
			return
		}
		if err := h.delivery.RecordRead(ctx, event.MessageID, event.RoomID, userID); err != nil {
			h.pushError(sess, err, "failed to record read")
		}

	case "typing", "stop_typing":
		if event.RoomID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("typing requires room_id"))
			return
		}
		if !h.registry.InRoom(sess.ID, event.RoomID) {
			sess.Push(domain.NewErrorEvent("not joined to this room"))
			return
		}
		typing := event.Type == "typing"
		if err := h.eventBus.Publish(ctx, bus.RoomTopic(event.RoomID), domain.NewTypingEvent(event.RoomID, userID, typing)); err != nil {
			h.log.Warn("Failed to publish typing event", "room_id", event.RoomID, "error", err)
		}

	case "edit_message":
		if event.MessageID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("edit_message requires message_id"))
			return
		}
		if _, err := h.messages.Edit(ctx, event.MessageID, userID, event.NewContent); err != nil {
			h.pushError(sess, err, "failed to edit message")
		}

	case "delete_message":
		if event.MessageID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("delete_message requires message_id"))
			return
		}
		if _, err := h.messages.Delete(ctx, event.MessageID, userID); err != nil {
			h.pushError(sess, err, "failed to delete message")
		}

	case "react_message":
		if event.MessageID == uuid.Nil {
			sess.Push(domain.NewErrorEvent("react_message requires message_id"))
			return
		}
		if err := h.messages.React(ctx, event.MessageID, userID, event.Reaction); err != nil {
			h.pushError(sess, err, "failed to react")
		}

	default:
		sess.Push(domain.NewErrorEvent("unknown event type: " + event.Type))
	}
}

func (h *WebSocketHandler) pushError(sess *session.Connection, err error, fallback string) {
	switch {
	case errors.Is(err, apperrors.ErrUnauthorized):
		sess.Push(domain.NewErrorEvent("unauthorized"))
	case errors.Is(err, apperrors.ErrValidation):
		sess.Push(domain.NewErrorEvent(err.Error()))
	case errors.Is(err, apperrors.ErrNotFound):
		sess.Push(domain.NewErrorEvent("not found"))
	case errors.Is(err, apperrors.ErrConflict):
		sess.Push(domain.NewErrorEvent("already joined"))
	default:
		// Инфраструктурные ошибки не показываем клиенту целиком
		h.log.Error("Gateway operation failed", "error", err)
		sess.Push(domain.NewErrorEvent(fallback))
	}
}
