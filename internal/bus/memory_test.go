package bus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"realtime_chat/internal/domain"
	"realtime_chat/pkg/logger"
)

func testEvent(i int) domain.Event {
	return domain.Event{Type: fmt.Sprintf("e%d", i), CreatedAt: time.Now()}
}

func recvEvent(t *testing.T, sub *Subscription) domain.Event {
	t.Helper()
	select {
	case event, ok := <-sub.Events():
		require.True(t, ok, "subscription closed unexpectedly")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return domain.Event{}
	}
}

func TestMemoryBus_SameOrderForAllSubscribers(t *testing.T) {
	b := NewMemoryBus(32, logger.New("error"))
	topic := RoomTopic(uuid.New())

	sub1, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)
	sub2, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, b.Publish(context.Background(), topic, testEvent(i)))
	}

	for i := 0; i < 10; i++ {
		require.Equal(t, fmt.Sprintf("e%d", i), recvEvent(t, sub1).Type)
		require.Equal(t, fmt.Sprintf("e%d", i), recvEvent(t, sub2).Type)
	}
}

func TestMemoryBus_LateSubscriberGetsNoReplay(t *testing.T) {
	b := NewMemoryBus(32, logger.New("error"))
	topic := RoomTopic(uuid.New())

	for i := 0; i < 3; i++ {
		require.NoError(t, b.Publish(context.Background(), topic, testEvent(i)))
	}

	sub, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), topic, testEvent(3)))
	require.NoError(t, b.Publish(context.Background(), topic, testEvent(4)))

	require.Equal(t, "e3", recvEvent(t, sub).Type)
	require.Equal(t, "e4", recvEvent(t, sub).Type)
	select {
	case event := <-sub.Events():
		t.Fatalf("unexpected replayed event: %s", event.Type)
	default:
	}
}

func TestMemoryBus_SlowSubscriberDropsOldest(t *testing.T) {
	b := NewMemoryBus(2, logger.New("error"))
	topic := RoomTopic(uuid.New())

	sub, err := b.Subscribe(context.Background(), topic)
	require.NoError(t, err)

	// Никто не читает: в буфере должны остаться два последних события
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Publish(context.Background(), topic, testEvent(i)))
	}

	require.Equal(t, "e3", recvEvent(t, sub).Type)
	require.Equal(t, "e4", recvEvent(t, sub).Type)
}

func TestMemoryBus_TopicsAreIsolated(t *testing.T) {
	b := NewMemoryBus(32, logger.New("error"))
	roomA := RoomTopic(uuid.New())
	roomB := RoomTopic(uuid.New())

	subA, err := b.Subscribe(context.Background(), roomA)
	require.NoError(t, err)
	subB, err := b.Subscribe(context.Background(), roomB)
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), roomA, testEvent(1)))

	require.Equal(t, "e1", recvEvent(t, subA).Type)
	select {
	case event := <-subB.Events():
		t.Fatalf("event leaked across topics: %s", event.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBus_ContextCancelClosesSubscription(t *testing.T) {
	b := NewMemoryBus(32, logger.New("error"))
	topic := RoomTopic(uuid.New())

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx, topic)
	require.NoError(t, err)

	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)

	// Публикация после закрытия не должна паниковать
	require.NoError(t, b.Publish(context.Background(), topic, testEvent(1)))
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b := NewMemoryBus(32, logger.New("error"))
	sub, err := b.Subscribe(context.Background(), RoomTopic(uuid.New()))
	require.NoError(t, err)

	sub.Close()
	sub.Close()
}
