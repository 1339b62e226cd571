package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// Broker types accepted by New.
const (
	TypeNone  = "none"
	TypeRedis = "redis"
	TypeKafka = "kafka"
)

var ErrClosed = errors.New("broker is closed")

// TurnEvent describes one completed utterance. It is published after the
// audio reply has been sent to the client.
type TurnEvent struct {
	SessionID  string             `json:"session_id" msgpack:"session_id"`
	ClientID   string             `json:"client_id" msgpack:"client_id"`
	RequestID  string             `json:"request_id" msgpack:"request_id"`
	Transcript string             `json:"transcript" msgpack:"transcript"`
	Reply      string             `json:"reply" msgpack:"reply"`
	Latency    map[string]float64 `json:"latency" msgpack:"latency"`
	TotalMS    float64            `json:"total_ms" msgpack:"total_ms"`
	AudioBytes int                `json:"audio_bytes" msgpack:"audio_bytes"`
	Timestamp  time.Time          `json:"timestamp" msgpack:"timestamp"`
}

// MessageBroker publishes turn events to an external system.
type MessageBroker interface {
	Publish(ctx context.Context, event TurnEvent) error
	Close() error
	Type() string
}

// Subscriber is implemented by brokers that can stream events back, used by
// the tail command.
type Subscriber interface {
	Subscribe(ctx context.Context) (<-chan TurnEvent, error)
}

type Config struct {
	Type         string
	Encoding     string
	RedisChannel string
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroupID string
}

// New builds the broker selected by cfg.Type. The redis client is only
// needed for the redis broker.
func New(cfg Config, rdb *redis.Client, logger *slog.Logger) (MessageBroker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	codec, err := NewCodec(cfg.Encoding)
	if err != nil {
		return nil, err
	}

	switch cfg.Type {
	case "", TypeNone:
		return NopBroker{}, nil
	case TypeRedis:
		if rdb == nil {
			return nil, errors.New("redis broker requires a redis client")
		}
		return NewRedisBroker(rdb, cfg.RedisChannel, codec, logger), nil
	case TypeKafka:
		return NewKafkaBroker(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaGroupID, codec, logger)
	default:
		return nil, fmt.Errorf("unsupported broker type: %s", cfg.Type)
	}
}

// NopBroker drops every event.
type NopBroker struct{}

func (NopBroker) Publish(context.Context, TurnEvent) error { return nil }
func (NopBroker) Close() error                            { return nil }
func (NopBroker) Type() string                            { return TypeNone }
