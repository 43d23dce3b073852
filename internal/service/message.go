package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"realtime_chat/internal/bus"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

type MessageService interface {
	// Submit сохраняет сообщение и рассылает его в комнату. tempID
	// возвращается в сообщении как есть - для сверки оптимистичного эха.
	Submit(ctx context.Context, roomID, senderID uuid.UUID, content string, attachments []domain.Attachment, tempID string) (*domain.Message, error)
	Edit(ctx context.Context, messageID, editorID uuid.UUID, newContent string) (*domain.Message, error)
	Delete(ctx context.Context, messageID, editorID uuid.UUID) (*domain.Message, error)
	History(ctx context.Context, roomID, requesterID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error)
	// React - транзитная реакция: проверяется членство, событие уходит на
	// шину, в хранилище ничего не пишется
	React(ctx context.Context, messageID, userID uuid.UUID, reaction string) error
}

type messageService struct {
	messageRepo repository.MessageRepository
	roomRepo    repository.RoomRepository
	auditRepo   repository.AuditRepository
	eventBus    bus.Bus
	limit       int
	maxLimit    int
	log         logger.Logger

	// Один писатель на комнату: назначение seq линеаризовано внутри
	// процесса, межпроцессные гонки закрывает уникальный индекс.
	// Мьютексы не вытесняются: рост ограничен числом комнат, в которые
	// процесс писал, по одному мьютексу на комнату.
	roomLocks sync.Map
}

func NewMessageService(
	messageRepo repository.MessageRepository,
	roomRepo repository.RoomRepository,
	auditRepo repository.AuditRepository,
	eventBus bus.Bus,
	limit, maxLimit int,
	log logger.Logger,
) MessageService {
	return &messageService{
		messageRepo: messageRepo,
		roomRepo:    roomRepo,
		auditRepo:   auditRepo,
		eventBus:    eventBus,
		limit:       limit,
		maxLimit:    maxLimit,
		log:         log,
	}
}

func (s *messageService) roomLock(roomID uuid.UUID) *sync.Mutex {
	lock, _ := s.roomLocks.LoadOrStore(roomID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}

func (s *messageService) Submit(ctx context.Context, roomID, senderID uuid.UUID, content string, attachments []domain.Attachment, tempID string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" && len(attachments) == 0 {
		return nil, fmt.Errorf("%w: message requires content or attachments", apperrors.ErrValidation)
	}

	if _, err := s.roomRepo.GetMember(ctx, roomID, senderID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: sender is not a room member", apperrors.ErrUnauthorized)
		}
		return nil, err
	}

	message := &domain.Message{
		ID:          uuid.New(),
		RoomID:      roomID,
		SenderID:    senderID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now(),
		TempID:      tempID,
	}

	// Долговечность раньше видимости: сначала запись, потом рассылка
	lock := s.roomLock(roomID)
	lock.Lock()
	err := s.messageRepo.Insert(ctx, message)
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if err := s.eventBus.Publish(ctx, bus.RoomTopic(roomID), domain.NewMessageEvent(message)); err != nil {
		// Сообщение уже в хранилище, клиенты доберут его через history
		s.log.Error("Failed to publish message event", "message_id", message.ID, "error", err)
	}

	return message, nil
}

func (s *messageService) Edit(ctx context.Context, messageID, editorID uuid.UUID, newContent string) (*domain.Message, error) {
	newContent = strings.TrimSpace(newContent)
	if newContent == "" {
		return nil, fmt.Errorf("%w: new content must not be empty", apperrors.ErrValidation)
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeMutation(ctx, message, editorID); err != nil {
		return nil, err
	}

	updated, err := s.messageRepo.UpdateContent(ctx, messageID, newContent)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, editorID, message.RoomID, domain.AuditMessageEdited, messageID)

	if err := s.eventBus.Publish(ctx, bus.RoomTopic(message.RoomID), domain.NewMessageEditedEvent(updated)); err != nil {
		s.log.Error("Failed to publish edit event", "message_id", messageID, "error", err)
	}

	return updated, nil
}

func (s *messageService) Delete(ctx context.Context, messageID, editorID uuid.UUID) (*domain.Message, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if err := s.authorizeMutation(ctx, message, editorID); err != nil {
		return nil, err
	}

	deleted, err := s.messageRepo.MarkDeleted(ctx, messageID)
	if err != nil {
		return nil, err
	}

	s.audit(ctx, editorID, message.RoomID, domain.AuditMessageDeleted, messageID)

	if err := s.eventBus.Publish(ctx, bus.RoomTopic(message.RoomID), domain.NewMessageDeletedEvent(deleted)); err != nil {
		s.log.Error("Failed to publish delete event", "message_id", messageID, "error", err)
	}

	return deleted, nil
}

func (s *messageService) History(ctx context.Context, roomID, requesterID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	if _, err := s.roomRepo.GetMember(ctx, roomID, requesterID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: requester is not a room member", apperrors.ErrUnauthorized)
		}
		return nil, err
	}

	if limit <= 0 {
		limit = s.limit
	}
	if limit > s.maxLimit {
		limit = s.maxLimit
	}

	return s.messageRepo.GetByRoom(ctx, roomID, beforeSeq, limit)
}

func (s *messageService) React(ctx context.Context, messageID, userID uuid.UUID, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if reaction == "" {
		return fmt.Errorf("%w: reaction must not be empty", apperrors.ErrValidation)
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}

	if _, err := s.roomRepo.GetMember(ctx, message.RoomID, userID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: reactor is not a room member", apperrors.ErrUnauthorized)
		}
		return err
	}

	event := domain.NewReactionEvent(message.RoomID, domain.ReactionPayload{
		MessageID: messageID,
		Reaction:  reaction,
		UserID:    userID,
	})
	return s.eventBus.Publish(ctx, bus.RoomTopic(message.RoomID), event)
}

// authorizeMutation: править и удалять может отправитель либо участник
// с повышенной ролью
func (s *messageService) authorizeMutation(ctx context.Context, message *domain.Message, editorID uuid.UUID) error {
	if message.SenderID == editorID {
		return nil
	}

	member, err := s.roomRepo.GetMember(ctx, message.RoomID, editorID)
	if err != nil || !member.Elevated() {
		return fmt.Errorf("%w: only sender or room admin may modify a message", apperrors.ErrUnauthorized)
	}
	return nil
}

func (s *messageService) audit(ctx context.Context, actorID uuid.UUID, roomID uuid.UUID, eventType string, messageID uuid.UUID) {
	entry := &domain.AuditLog{
		EventTime:   time.Now(),
		ActorUserID: actorID,
		RoomID:      &roomID,
		EventType:   eventType,
		Payload:     map[string]interface{}{"message_id": messageID.String()},
	}
	if err := s.auditRepo.CreateLog(ctx, entry); err != nil {
		s.log.Warn("Failed to write audit log", "event_type", eventType, "error", err)
	}
}
