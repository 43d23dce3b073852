package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/bus"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

type deliveryKey struct {
	messageID   uuid.UUID
	recipientID uuid.UUID
}

// fakeDeliveryRepo повторяет семантику переходов настоящего: отметка
// ставится один раз, true только при реальном изменении
type fakeDeliveryRepo struct {
	mu      sync.Mutex
	records map[deliveryKey]*domain.DeliveryRecord
}

func newFakeDeliveryRepo() *fakeDeliveryRepo {
	return &fakeDeliveryRepo{records: make(map[deliveryKey]*domain.DeliveryRecord)}
}

func (f *fakeDeliveryRepo) record(messageID, recipientID uuid.UUID) *domain.DeliveryRecord {
	key := deliveryKey{messageID, recipientID}
	if r, ok := f.records[key]; ok {
		return r
	}
	r := &domain.DeliveryRecord{MessageID: messageID, RecipientID: recipientID}
	f.records[key] = r
	return r
}

func (f *fakeDeliveryRepo) UpsertDelivered(_ context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.record(messageID, recipientID)
	if r.DeliveredAt != nil {
		return false, nil
	}
	r.DeliveredAt = &at
	return true, nil
}

func (f *fakeDeliveryRepo) UpsertRead(_ context.Context, messageID, recipientID uuid.UUID, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := f.record(messageID, recipientID)
	if r.ReadAt != nil {
		return false, nil
	}
	r.ReadAt = &at
	if r.DeliveredAt == nil {
		r.DeliveredAt = &at
	}
	return true, nil
}

func (f *fakeDeliveryRepo) Snapshot(_ context.Context, messageID uuid.UUID) (map[uuid.UUID]*domain.DeliveryRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[uuid.UUID]*domain.DeliveryRecord)
	for key, r := range f.records {
		if key.messageID == messageID {
			copied := *r
			out[key.recipientID] = &copied
		}
	}
	return out, nil
}

func (f *fakeDeliveryRepo) get(messageID, recipientID uuid.UUID) *domain.DeliveryRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.records[deliveryKey{messageID, recipientID}]; ok {
		copied := *r
		return &copied
	}
	return nil
}

func newTestDeliveryService() (DeliveryService, *fakeDeliveryRepo, *fakeMessageRepo, *memberSet, *bus.MemoryBus) {
	log := logger.New("error")
	deliveryRepo := newFakeDeliveryRepo()
	messageRepo := newFakeMessageRepo()
	roomRepo := newMemberSet()
	eventBus := bus.NewMemoryBus(256, log)
	svc := NewDeliveryService(deliveryRepo, messageRepo, roomRepo, eventBus, log)
	return svc, deliveryRepo, messageRepo, roomRepo, eventBus
}

func seedMessage(t *testing.T, messageRepo *fakeMessageRepo, roomRepo *memberSet, roomID uuid.UUID, members ...uuid.UUID) *domain.Message {
	t.Helper()
	for _, userID := range members {
		roomRepo.add(roomID, userID, domain.MemberRoleMember)
	}
	msg := &domain.Message{ID: uuid.New(), RoomID: roomID, SenderID: members[0], Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, messageRepo.Insert(context.Background(), msg))
	return msg
}

func collectEvents(sub *bus.Subscription, d time.Duration) []domain.Event {
	var out []domain.Event
	deadline := time.After(d)
	for {
		select {
		case event := <-sub.Events():
			out = append(out, event)
		case <-deadline:
			return out
		}
	}
}

func TestDeliveryService_RecordDeliveredIsIdempotent(t *testing.T) {
	svc, deliveryRepo, messageRepo, roomRepo, eventBus := newTestDeliveryService()
	roomID := uuid.New()
	sender := uuid.New()
	recipientID := uuid.New()
	messageID := seedMessage(t, messageRepo, roomRepo, roomID, sender, recipientID).ID

	sub, err := eventBus.Subscribe(context.Background(), bus.RoomTopic(roomID))
	require.NoError(t, err)

	require.NoError(t, svc.RecordDelivered(context.Background(), messageID, roomID, recipientID))
	first := deliveryRepo.get(messageID, recipientID)
	require.NotNil(t, first.DeliveredAt)

	// Повтор - no-op: отметка не двигается, события нет
	require.NoError(t, svc.RecordDelivered(context.Background(), messageID, roomID, recipientID))
	second := deliveryRepo.get(messageID, recipientID)
	require.Equal(t, first.DeliveredAt, second.DeliveredAt)

	events := collectEvents(sub, 100*time.Millisecond)
	require.Len(t, events, 1)
	require.Equal(t, domain.EventMessageDelivered, events[0].Type)
}

func TestDeliveryService_ReadImpliesDelivered(t *testing.T) {
	svc, deliveryRepo, messageRepo, roomRepo, _ := newTestDeliveryService()
	roomID := uuid.New()
	sender := uuid.New()
	recipientID := uuid.New()
	messageID := seedMessage(t, messageRepo, roomRepo, roomID, sender, recipientID).ID

	// read пришел раньше delivered-ack
	require.NoError(t, svc.RecordRead(context.Background(), messageID, roomID, recipientID))

	r := deliveryRepo.get(messageID, recipientID)
	require.NotNil(t, r.ReadAt)
	require.NotNil(t, r.DeliveredAt)

	// Опоздавший delivered-ack ничего не откатывает
	require.NoError(t, svc.RecordDelivered(context.Background(), messageID, roomID, recipientID))
	after := deliveryRepo.get(messageID, recipientID)
	require.Equal(t, r.DeliveredAt, after.DeliveredAt)
	require.Equal(t, r.ReadAt, after.ReadAt)
}

func TestDeliveryService_EventsOnlyOnTransitions(t *testing.T) {
	svc, _, messageRepo, roomRepo, eventBus := newTestDeliveryService()
	roomID := uuid.New()
	sender := uuid.New()
	recipientID := uuid.New()
	messageID := seedMessage(t, messageRepo, roomRepo, roomID, sender, recipientID).ID

	sub, err := eventBus.Subscribe(context.Background(), bus.RoomTopic(roomID))
	require.NoError(t, err)

	require.NoError(t, svc.RecordDelivered(context.Background(), messageID, roomID, recipientID))
	require.NoError(t, svc.RecordDelivered(context.Background(), messageID, roomID, recipientID))
	require.NoError(t, svc.RecordRead(context.Background(), messageID, roomID, recipientID))
	require.NoError(t, svc.RecordRead(context.Background(), messageID, roomID, recipientID))

	events := collectEvents(sub, 100*time.Millisecond)
	require.Len(t, events, 2)
	require.Equal(t, domain.EventMessageDelivered, events[0].Type)
	require.Equal(t, domain.EventMessageRead, events[1].Type)
}

func TestDeliveryService_SnapshotCoversAllRecipients(t *testing.T) {
	svc, _, messageRepo, roomRepo, _ := newTestDeliveryService()
	roomID := uuid.New()
	sender := uuid.New()
	readerID := uuid.New()
	idleID := uuid.New()
	roomRepo.add(roomID, sender, domain.MemberRoleMember)
	roomRepo.add(roomID, readerID, domain.MemberRoleMember)
	roomRepo.add(roomID, idleID, domain.MemberRoleMember)

	msg := &domain.Message{ID: uuid.New(), RoomID: roomID, SenderID: sender, Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, messageRepo.Insert(context.Background(), msg))

	require.NoError(t, svc.RecordRead(context.Background(), msg.ID, roomID, readerID))

	snapshot, err := svc.Snapshot(context.Background(), msg.ID, sender)
	require.NoError(t, err)

	// Отправитель не получатель; молчавший участник виден пустой записью
	require.Len(t, snapshot, 2)
	require.NotContains(t, snapshot, sender)
	require.NotNil(t, snapshot[readerID].ReadAt)
	require.Nil(t, snapshot[idleID].DeliveredAt)
	require.Nil(t, snapshot[idleID].ReadAt)
}

func TestDeliveryService_RecordRejectsForeignRoom(t *testing.T) {
	svc, deliveryRepo, messageRepo, roomRepo, eventBus := newTestDeliveryService()
	roomA := uuid.New()
	roomB := uuid.New()
	attacker := uuid.New()
	roomRepo.add(roomA, attacker, domain.MemberRoleMember)

	// Сообщение живет в комнате B, атакующий знает только его UUID
	msg := seedMessage(t, messageRepo, roomRepo, roomB, uuid.New(), uuid.New())

	watchA, err := eventBus.Subscribe(context.Background(), bus.RoomTopic(roomA))
	require.NoError(t, err)

	err = svc.RecordRead(context.Background(), msg.ID, roomA, attacker)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	err = svc.RecordDelivered(context.Background(), msg.ID, roomA, attacker)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)

	// Ни записи, ни подложного receipt-события в комнате A
	require.Nil(t, deliveryRepo.get(msg.ID, attacker))
	require.Empty(t, collectEvents(watchA, 100*time.Millisecond))
}

func TestDeliveryService_RecordRejectsNonMember(t *testing.T) {
	svc, deliveryRepo, messageRepo, roomRepo, _ := newTestDeliveryService()
	roomID := uuid.New()
	msg := seedMessage(t, messageRepo, roomRepo, roomID, uuid.New(), uuid.New())

	outsider := uuid.New()
	err := svc.RecordRead(context.Background(), msg.ID, roomID, outsider)
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.Nil(t, deliveryRepo.get(msg.ID, outsider))
}

func TestDeliveryService_SnapshotRequiresMembership(t *testing.T) {
	svc, _, messageRepo, roomRepo, _ := newTestDeliveryService()
	roomID := uuid.New()
	sender := uuid.New()
	roomRepo.add(roomID, sender, domain.MemberRoleMember)

	msg := &domain.Message{ID: uuid.New(), RoomID: roomID, SenderID: sender, Content: "hi", CreatedAt: time.Now()}
	require.NoError(t, messageRepo.Insert(context.Background(), msg))

	_, err := svc.Snapshot(context.Background(), msg.ID, uuid.New())
	require.Error(t, err)
}
