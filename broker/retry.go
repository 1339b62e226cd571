package broker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/abdelmounim-dev/voice-gateway/metrics"
)

const (
	publishMaxRetries     = 3
	publishInitialBackoff = 100 * time.Millisecond
	publishMaxBackoff     = 5 * time.Second
)

func newPublishBackOff(ctx context.Context) backoff.BackOff {
	return backoff.WithContext(
		backoff.WithMaxRetries(
			backoff.NewExponentialBackOff(
				backoff.WithInitialInterval(publishInitialBackoff),
				backoff.WithMaxInterval(publishMaxBackoff),
			),
			publishMaxRetries,
		),
		ctx,
	)
}

// publishWithRetry runs send with exponential back-off and records the
// outcome under brokerType.
func publishWithRetry(ctx context.Context, brokerType string, event TurnEvent, logger *slog.Logger, send func() error) error {
	err := backoff.RetryNotify(send, newPublishBackOff(ctx), func(err error, d time.Duration) {
		metrics.BrokerPublishRetries.WithLabelValues(brokerType).Inc()
		logger.Warn("retrying turn event publish",
			"broker_type", brokerType,
			"session_id", event.SessionID,
			"error", err,
			"next_attempt_in", d,
		)
	})
	if err != nil {
		return err
	}
	metrics.BrokerMessagesPublished.WithLabelValues(brokerType).Inc()
	return nil
}
