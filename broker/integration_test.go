package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/voice-gateway/logging"
)

const (
	redisAddr   = "localhost:6379"
	testTimeout = 15 * time.Second
)

func TestRedisBroker_PublishSubscribe(t *testing.T) {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("Skipping integration test: set INTEGRATION env var to run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err(), "Failed to connect to Redis")

	for _, encoding := range []string{"json", "msgpack"} {
		t.Run(encoding, func(t *testing.T) {
			codec, err := NewCodec(encoding)
			require.NoError(t, err)
			b := NewRedisBroker(client, "voice:turns:test:"+encoding, codec, logging.Discard())
			defer b.Close()

			events, err := b.Subscribe(ctx)
			require.NoError(t, err)

			want := sampleEvent()
			require.NoError(t, b.Publish(ctx, want))

			select {
			case got := <-events:
				assert.Equal(t, want.SessionID, got.SessionID)
				assert.Equal(t, want.Reply, got.Reply)
				assert.Equal(t, want.Latency, got.Latency)
			case <-ctx.Done():
				t.Fatal("Timed out waiting for turn event")
			}
		})
	}
}
