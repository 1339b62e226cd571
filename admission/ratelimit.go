package admission

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultWindow applies when NewRateLimiter gets a non-positive window.
const DefaultWindow = 60 * time.Second

// RateLimiter is a per-client sliding-window limiter. State is in-memory and
// single-process; every bucket shares one mutex.
type RateLimiter struct {
	max    int
	window time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRateLimiter(maxRequests int, window time.Duration, logger *slog.Logger) *RateLimiter {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RateLimiter{
		max:     maxRequests,
		window:  window,
		logger:  logger,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// Allow reports whether clientID may make another request now. Rejected
// requests are not recorded.
func (rl *RateLimiter) Allow(clientID string) bool {
	now := rl.now()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket := rl.trimLocked(clientID, now.Add(-rl.window))
	if len(bucket) >= rl.max {
		rl.logger.Warn("rate limit exceeded", "client_id", clientID, "limit", rl.max, "window", rl.window)
		return false
	}
	rl.buckets[clientID] = append(bucket, now)
	return true
}

// trimLocked drops timestamps strictly older than cutoff. Timestamps are
// appended in order so expired ones are always at the front.
func (rl *RateLimiter) trimLocked(clientID string, cutoff time.Time) []time.Time {
	bucket := rl.buckets[clientID]
	i := 0
	for i < len(bucket) && bucket[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		bucket = append(bucket[:0], bucket[i:]...)
		rl.buckets[clientID] = bucket
	}
	return bucket
}

// Sweep removes clients with no request inside the window and returns how
// many were dropped.
func (rl *RateLimiter) Sweep() int {
	cutoff := rl.now().Add(-rl.window)

	rl.mu.Lock()
	removed := 0
	for id, bucket := range rl.buckets {
		if len(bucket) == 0 || bucket[len(bucket)-1].Before(cutoff) {
			delete(rl.buckets, id)
			removed++
		}
	}
	rl.mu.Unlock()

	if removed > 0 {
		rl.logger.Debug("rate limiter cleanup", "removed_clients", removed)
	}
	return removed
}

// Clients returns the number of tracked client buckets.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// Start runs Sweep once per window until ctx is done or Stop is called.
func (rl *RateLimiter) Start(ctx context.Context) {
	rl.mu.Lock()
	if rl.cancel != nil {
		rl.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	rl.cancel = cancel
	rl.done = make(chan struct{})
	done := rl.done
	rl.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(rl.window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rl.Sweep()
			}
		}
	}()
}

// Stop halts the sweep loop and waits for it to exit.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	cancel, done := rl.cancel, rl.done
	rl.cancel, rl.done = nil, nil
	rl.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
