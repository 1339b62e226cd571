package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const (
	DefaultKafkaTopic   = "voice-turns"
	DefaultKafkaGroupID = "voice-gateway-tail"

	kafkaMaxRetries = 3
)

// KafkaBroker publishes turn events to a Kafka topic keyed by session id.
// The consumer group is only created when Subscribe is called.
type KafkaBroker struct {
	brokers  []string
	topic    string
	groupID  string
	codec    Codec
	logger   *slog.Logger
	config   *sarama.Config
	producer sarama.SyncProducer

	mu            sync.RWMutex
	consumerGroup sarama.ConsumerGroup
	closed        bool
}

func NewKafkaBroker(brokers []string, topic, groupID string, codec Codec, logger *slog.Logger) (*KafkaBroker, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka broker requires at least one broker address")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	if groupID == "" {
		groupID = DefaultKafkaGroupID
	}

	config := sarama.NewConfig()

	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = kafkaMaxRetries
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Flush.Frequency = 500 * time.Millisecond

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Group.Session.Timeout = 10 * time.Second
	config.Consumer.Group.Heartbeat.Interval = 3 * time.Second

	config.Version = sarama.V4_0_0_0

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &KafkaBroker{
		brokers:  brokers,
		topic:    topic,
		groupID:  groupID,
		codec:    codec,
		logger:   logger.With(slog.String("component", "broker.kafka")),
		config:   config,
		producer: producer,
	}, nil
}

func (b *KafkaBroker) Publish(ctx context.Context, event TurnEvent) error {
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

	msg := &sarama.ProducerMessage{
		Topic: b.topic,
		Key:   sarama.StringEncoder(event.SessionID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("session_id"), Value: []byte(event.SessionID)},
			{Key: []byte("encoding"), Value: []byte(b.codec.Name())},
		},
		Timestamp: event.Timestamp,
	}

	return publishWithRetry(ctx, TypeKafka, event, b.logger, func() error {
		_, _, err := b.producer.SendMessage(msg)
		return err
	})
}

// Subscribe joins the consumer group and streams decoded events until ctx
// is done.
func (b *KafkaBroker) Subscribe(ctx context.Context) (<-chan TurnEvent, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.consumerGroup == nil {
		group, err := sarama.NewConsumerGroup(b.brokers, b.groupID, b.config)
		if err != nil {
			b.mu.Unlock()
			return nil, fmt.Errorf("failed to create Kafka consumer group: %w", err)
		}
		b.consumerGroup = group
	}
	group := b.consumerGroup
	b.mu.Unlock()

	events := make(chan TurnEvent, 100)
	handler := &consumerGroupHandler{
		events: events,
		codec:  b.codec,
		logger: b.logger,
		ready:  make(chan struct{}),
	}

	go func() {
		defer close(events)
		for {
			if err := group.Consume(ctx, []string{b.topic}, handler); err != nil {
				b.logger.Error("consumer group error", "error", err)
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	go func() {
		for err := range group.Errors() {
			b.logger.Warn("consumer group error", "error", err)
		}
	}()

	select {
	case <-handler.ready:
		return events, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return nil, fmt.Errorf("timeout waiting for consumer to be ready")
	}
}

func (b *KafkaBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var errs []error
	if err := b.producer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close producer: %w", err))
	}
	if b.consumerGroup != nil {
		if err := b.consumerGroup.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close consumer group: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}
	return nil
}

func (b *KafkaBroker) Type() string { return TypeKafka }

// consumerGroupHandler implements sarama.ConsumerGroupHandler.
type consumerGroupHandler struct {
	events chan<- TurnEvent
	codec  Codec
	logger *slog.Logger
	ready  chan struct{}
	once   sync.Once
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.once.Do(func() { close(h.ready) })
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}

			var event TurnEvent
			if err := h.codec.Unmarshal(msg.Value, &event); err != nil {
				h.logger.Warn("turn event decode error", "error", err, "offset", msg.Offset)
				// Mark anyway so a bad payload is not redelivered forever.
				session.MarkMessage(msg, "")
				continue
			}

			select {
			case h.events <- event:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(msg, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
