package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"realtime_chat/internal/domain"
	apperrors "realtime_chat/pkg/errors"
	"realtime_chat/pkg/logger"
)

// RedisBus - распределенная реализация шины поверх Redis Pub/Sub.
// Redis упорядочивает публикации внутри канала, поэтому все процессы
// видят события топика в одном порядке.
type RedisBus struct {
	rdb     *redis.Client
	buffer  int
	retries int
	backoff time.Duration
	log     logger.Logger
}

func NewRedisBus(rdb *redis.Client, buffer, retries int, backoff time.Duration, log logger.Logger) *RedisBus {
	return &RedisBus{
		rdb:     rdb,
		buffer:  buffer,
		retries: retries,
		backoff: backoff,
		log:     log,
	}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Ограниченный retry: сообщение уже в хранилище, при исчерпании попыток
	// событие теряется, клиент доберет его через history
	for attempt := 0; ; attempt++ {
		err = b.rdb.Publish(ctx, topic, data).Err()
		if err == nil {
			return nil
		}
		if attempt >= b.retries {
			break
		}

		b.log.Warn("Bus publish failed, retrying", "topic", topic, "attempt", attempt+1, "error", err)
		select {
		case <-time.After(b.backoff):
		case <-ctx.Done():
			return fmt.Errorf("%w: publish to %s: %v", apperrors.ErrBusUnavailable, topic, ctx.Err())
		}
	}

	return fmt.Errorf("%w: publish to %s: %v", apperrors.ErrBusUnavailable, topic, err)
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (*Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, topic)

	// Дожидаемся подтверждения подписки, иначе можно пропустить события
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe to %s: %v", apperrors.ErrBusUnavailable, topic, err)
	}

	sub := newSubscription(b.buffer, func() {
		_ = pubsub.Close()
	})

	go func() {
		// Канал события закрывает только насос: он единственный производитель
		defer close(sub.events)
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.log.Warn("Failed to unmarshal bus event", "topic", topic, "error", err)
					continue
				}
				sub.push(event)
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			}
		}
	}()

	return sub, nil
}
