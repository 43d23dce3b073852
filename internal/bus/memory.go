package bus

import (
	"context"
	"sync"

	"realtime_chat/internal/domain"
	"realtime_chat/pkg/logger"
)

// MemoryBus - внутрипроцессная реализация шины для одного экземпляра сервера
// и для тестов. Публикация под общим мьютексом, поэтому порядок событий
// топика одинаков для всех подписчиков.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	log    logger.Logger
}

func NewMemoryBus(buffer int, log logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[*Subscription]struct{}),
		buffer: buffer,
		log:    log,
	}
}

func (b *MemoryBus) Publish(_ context.Context, topic string, event domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subs[topic] {
		sub.push(event)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var sub *Subscription
	sub = newSubscription(b.buffer, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if set, ok := b.subs[topic]; ok {
			delete(set, sub)
			if len(set) == 0 {
				delete(b.subs, topic)
			}
		}
		// Публикация держит тот же мьютекс, конкурирующих push нет
		close(sub.events)
	})

	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		sub.Close()
	}()

	return sub, nil
}
