package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/voice-gateway/logging"
)

func sampleEvent() TurnEvent {
	return TurnEvent{
		SessionID:  "sess-1",
		ClientID:   "127.0.0.1:5555",
		RequestID:  "ab12cd34",
		Transcript: "what are your hours",
		Reply:      "We are open nine to five.",
		Latency:    map[string]float64{"stt": 120.5, "llm": 340, "tts": 210.25},
		TotalMS:    670.75,
		AudioBytes: 4096,
		Timestamp:  time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr string
	}{
		{name: "empty type is none", cfg: Config{}, want: TypeNone},
		{name: "none", cfg: Config{Type: TypeNone, Encoding: "msgpack"}, want: TypeNone},
		{name: "unknown type", cfg: Config{Type: "nats"}, wantErr: "unsupported broker type"},
		{name: "unknown encoding", cfg: Config{Type: TypeNone, Encoding: "xml"}, wantErr: "unsupported broker encoding"},
		{name: "redis without client", cfg: Config{Type: TypeRedis}, wantErr: "requires a redis client"},
		{name: "kafka without brokers", cfg: Config{Type: TypeKafka}, wantErr: "at least one broker"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := New(tt.cfg, nil, logging.Discard())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Type())
			assert.NoError(t, b.Publish(context.Background(), sampleEvent()))
			assert.NoError(t, b.Close())
		})
	}
}

func TestCodecs(t *testing.T) {
	for _, name := range []string{"json", "msgpack"} {
		t.Run(name, func(t *testing.T) {
			codec, err := NewCodec(name)
			require.NoError(t, err)
			assert.Equal(t, name, codec.Name())

			data, err := codec.Marshal(sampleEvent())
			require.NoError(t, err)

			var got TurnEvent
			require.NoError(t, codec.Unmarshal(data, &got))
			assert.Equal(t, sampleEvent().SessionID, got.SessionID)
			assert.Equal(t, sampleEvent().Latency, got.Latency)
			assert.True(t, sampleEvent().Timestamp.Equal(got.Timestamp))
		})
	}
}

func newMockKafkaBroker(t *testing.T, codec Codec) (*KafkaBroker, *mocks.SyncProducer) {
	t.Helper()
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	producer := mocks.NewSyncProducer(t, config)
	return &KafkaBroker{
		topic:    DefaultKafkaTopic,
		codec:    codec,
		logger:   logging.Discard(),
		config:   config,
		producer: producer,
	}, producer
}

func TestKafkaBroker_PublishEncodesEvent(t *testing.T) {
	b, producer := newMockKafkaBroker(t, msgpackCodec{})

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got TurnEvent
		if err := (msgpackCodec{}).Unmarshal(val, &got); err != nil {
			return err
		}
		if got.Transcript != sampleEvent().Transcript {
			return errors.New("unexpected transcript")
		}
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), sampleEvent()))
	require.NoError(t, b.Close())
}

func TestKafkaBroker_PublishRetries(t *testing.T) {
	b, producer := newMockKafkaBroker(t, jsonCodec{})

	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer.ExpectSendMessageAndSucceed()

	require.NoError(t, b.Publish(context.Background(), sampleEvent()))
	require.NoError(t, b.Close())
}

func TestKafkaBroker_PublishAfterClose(t *testing.T) {
	b, _ := newMockKafkaBroker(t, jsonCodec{})
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	assert.ErrorIs(t, b.Publish(context.Background(), sampleEvent()), ErrClosed)
	_, err := b.Subscribe(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
