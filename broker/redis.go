package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-redis/redis/v8"
)

const DefaultRedisChannel = "voice:turns"

// RedisBroker publishes turn events on a Redis pub/sub channel.
type RedisBroker struct {
	client  *redis.Client
	channel string
	codec   Codec
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
}

func NewRedisBroker(client *redis.Client, channel string, codec Codec, logger *slog.Logger) *RedisBroker {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisBroker{
		client:  client,
		channel: channel,
		codec:   codec,
		logger:  logger.With(slog.String("component", "broker.redis")),
	}
}

func (b *RedisBroker) Publish(ctx context.Context, event TurnEvent) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return ErrClosed
	}

	data, err := b.codec.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode turn event: %w", err)
	}

	return publishWithRetry(ctx, TypeRedis, event, b.logger, func() error {
		return b.client.Publish(ctx, b.channel, data).Err()
	})
}

// Subscribe streams events from the channel until ctx is done. Payloads that
// fail to decode are logged and skipped.
func (b *RedisBroker) Subscribe(ctx context.Context) (<-chan TurnEvent, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	pubsub := b.client.Subscribe(ctx, b.channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.channel, err)
	}

	events := make(chan TurnEvent, 100)
	go func() {
		defer close(events)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var event TurnEvent
				if err := b.codec.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Warn("turn event decode error", "error", err)
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return events, nil
}

// Close marks the broker closed. The redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisBroker) Type() string { return TypeRedis }
