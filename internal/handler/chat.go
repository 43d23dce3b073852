package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"realtime_chat/internal/service"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// ChatHandler - REST-срез поверх ядра: история сообщений и снимок доставки.
// Шина здесь не участвует, источник - хранилище.
type ChatHandler struct {
	messages service.MessageService
	delivery service.DeliveryService
	log      logger.Logger
}

func NewChatHandler(messages service.MessageService, delivery service.DeliveryService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		messages: messages,
		delivery: delivery,
		log:      log,
	}
}

// GetMessages - курсорная пагинация истории комнаты: before - seq самого
// старого уже полученного сообщения, 0 - с конца
func (h *ChatHandler) GetMessages(c *gin.Context) {
	roomID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room ID"})
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	before, _ := strconv.ParseInt(c.DefaultQuery("before", "0"), 10, 64)
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))

	messages, err := h.messages.History(c.Request.Context(), roomID, userID.(uuid.UUID), before, limit)
	if err != nil {
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (h *ChatHandler) GetReceipts(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	snapshot, err := h.delivery.Snapshot(c.Request.Context(), messageID, userID.(uuid.UUID))
	if err != nil {
		c.JSON(apperrors.HTTPStatusFromError(err), gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"receipts": snapshot})
}
