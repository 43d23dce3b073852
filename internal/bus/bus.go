package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"realtime_chat/internal/domain"
)

// Bus - шина fan-out. Не источник истины: событие, пропущенное во время
// обрыва подписки, восстановимо из хранилища через history. Гарантия -
// at-least-once для подписанных на момент публикации; внутри одного топика
// все подписчики видят события в одном и том же относительном порядке.
type Bus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	// Subscribe отдает только события, опубликованные после подписки
	Subscribe(ctx context.Context, topic string) (*Subscription, error)
}

func RoomTopic(roomID uuid.UUID) string {
	return fmt.Sprintf("chat:room:%s", roomID)
}

func UserTopic(userID uuid.UUID) string {
	return fmt.Sprintf("chat:user:%s", userID)
}

// Subscription - одна подписка на топик с ограниченным буфером.
// Медленный подписчик теряет самые старые события, издатель не блокируется.
type Subscription struct {
	events  chan domain.Event
	closeFn func()
	once    sync.Once
}

func newSubscription(buffer int, closeFn func()) *Subscription {
	if buffer <= 0 {
		buffer = 1
	}
	return &Subscription{
		events:  make(chan domain.Event, buffer),
		closeFn: closeFn,
	}
}

func (s *Subscription) Events() <-chan domain.Event {
	return s.events
}

func (s *Subscription) Close() {
	s.once.Do(s.closeFn)
}

// push кладет событие, вытесняя самое старое при переполнении.
// Вызывается единственным производителем подписки.
func (s *Subscription) push(event domain.Event) {
	for {
		select {
		case s.events <- event:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}
