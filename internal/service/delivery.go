package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"realtime_chat/internal/bus"
	"realtime_chat/internal/domain"
	"realtime_chat/internal/repository"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// DeliveryService - трекер доставки. Отметки идемпотентны и коммутативны:
// повторный и опоздавший ack - no-op, агрегированное событие уходит на шину
// только при реальном переходе состояния.
type DeliveryService interface {
	RecordDelivered(ctx context.Context, messageID, roomID, recipientID uuid.UUID) error
	RecordRead(ctx context.Context, messageID, roomID, recipientID uuid.UUID) error
	Snapshot(ctx context.Context, messageID, requesterID uuid.UUID) (map[uuid.UUID]*domain.DeliveryRecord, error)
}

type deliveryService struct {
	deliveryRepo repository.DeliveryRepository
	messageRepo  repository.MessageRepository
	roomRepo     repository.RoomRepository
	eventBus     bus.Bus
	log          logger.Logger
}

func NewDeliveryService(
	deliveryRepo repository.DeliveryRepository,
	messageRepo repository.MessageRepository,
	roomRepo repository.RoomRepository,
	eventBus bus.Bus,
	log logger.Logger,
) DeliveryService {
	return &deliveryService{
		deliveryRepo: deliveryRepo,
		messageRepo:  messageRepo,
		roomRepo:     roomRepo,
		eventBus:     eventBus,
		log:          log,
	}
}

// authorizeRecipient проверяет, что сообщение действительно из этой комнаты
// и что получатель в ней состоит: чужим messageID отметку не поставить
func (s *deliveryService) authorizeRecipient(ctx context.Context, messageID, roomID, recipientID uuid.UUID) error {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if message.RoomID != roomID {
		return fmt.Errorf("%w: message does not belong to this room", apperrors.ErrUnauthorized)
	}
	if _, err := s.roomRepo.GetMember(ctx, roomID, recipientID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("%w: recipient is not a room member", apperrors.ErrUnauthorized)
		}
		return err
	}
	return nil
}

func (s *deliveryService) RecordDelivered(ctx context.Context, messageID, roomID, recipientID uuid.UUID) error {
	if err := s.authorizeRecipient(ctx, messageID, roomID, recipientID); err != nil {
		return err
	}

	now := time.Now()
	changed, err := s.deliveryRepo.UpsertDelivered(ctx, messageID, recipientID, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	event := domain.NewDeliveredEvent(roomID, domain.DeliveredPayload{
		MessageID:   messageID,
		DeliveredTo: recipientID,
		DeliveredAt: now,
	})
	if err := s.eventBus.Publish(ctx, bus.RoomTopic(roomID), event); err != nil {
		s.log.Error("Failed to publish delivered event", "message_id", messageID, "error", err)
	}
	return nil
}

// RecordRead нормализует перепутанный порядок: прочтение без отметки
// доставки выставляет обе
func (s *deliveryService) RecordRead(ctx context.Context, messageID, roomID, recipientID uuid.UUID) error {
	if err := s.authorizeRecipient(ctx, messageID, roomID, recipientID); err != nil {
		return err
	}

	now := time.Now()
	changed, err := s.deliveryRepo.UpsertRead(ctx, messageID, recipientID, now)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	event := domain.NewReadEvent(roomID, domain.ReadPayload{
		MessageID: messageID,
		ReaderID:  recipientID,
		ReadAt:    now,
	})
	if err := s.eventBus.Publish(ctx, bus.RoomTopic(roomID), event); err != nil {
		s.log.Error("Failed to publish read event", "message_id", messageID, "error", err)
	}
	return nil
}

// Snapshot возвращает состояние доставки по каждому получателю; участники
// без единой отметки присутствуют пустыми записями
func (s *deliveryService) Snapshot(ctx context.Context, messageID, requesterID uuid.UUID) (map[uuid.UUID]*domain.DeliveryRecord, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	if _, err := s.roomRepo.GetMember(ctx, message.RoomID, requesterID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("%w: requester is not a room member", apperrors.ErrUnauthorized)
		}
		return nil, err
	}

	snapshot, err := s.deliveryRepo.Snapshot(ctx, messageID)
	if err != nil {
		return nil, err
	}

	members, err := s.roomRepo.GetMembers(ctx, message.RoomID)
	if err != nil {
		return nil, err
	}

	recipients := lo.Filter(members, func(m *domain.RoomMember, _ int) bool {
		return m.UserID != message.SenderID
	})
	for _, member := range recipients {
		if _, ok := snapshot[member.UserID]; !ok {
			snapshot[member.UserID] = &domain.DeliveryRecord{
				MessageID:   messageID,
				RecipientID: member.UserID,
			}
		}
	}

	return snapshot, nil
}
