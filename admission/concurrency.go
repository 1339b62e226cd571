package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abdelmounim-dev/voice-gateway/metrics"
)

const DefaultAcquireTimeout = 2 * time.Second

// Stats are process-wide slot counters.
type Stats struct {
	Acquired      int64 `json:"acquired"`
	Rejected      int64 `json:"rejected"`
	Released      int64 `json:"released"`
	CurrentActive int   `json:"current_active"`
}

// SlotAllocator caps the number of pipeline executions running at once.
// Callers that cannot get a slot within the acquire timeout are rejected
// rather than queued.
type SlotAllocator struct {
	sem            *semaphore.Weighted
	capacity       int
	acquireTimeout time.Duration
	logger         *slog.Logger

	mu    sync.Mutex
	stats Stats
}

func NewSlotAllocator(capacity int, acquireTimeout time.Duration, logger *slog.Logger) (*SlotAllocator, error) {
	if capacity < 1 {
		return nil, errors.New("max concurrent must be >= 1")
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SlotAllocator{
		sem:            semaphore.NewWeighted(int64(capacity)),
		capacity:       capacity,
		acquireTimeout: acquireTimeout,
		logger:         logger,
	}, nil
}

// Acquire waits up to the acquire timeout for a slot. It returns false when
// the pool stayed full or ctx ended first.
func (a *SlotAllocator) Acquire(ctx context.Context, label string) bool {
	waitCtx, cancel := context.WithTimeout(ctx, a.acquireTimeout)
	defer cancel()

	if err := a.sem.Acquire(waitCtx, 1); err != nil {
		a.mu.Lock()
		a.stats.Rejected++
		a.mu.Unlock()
		a.logger.Warn("pipeline slot rejected, system at capacity", "label", label, "max_concurrent", a.capacity)
		return false
	}

	a.mu.Lock()
	a.stats.Acquired++
	a.stats.CurrentActive++
	active := a.stats.CurrentActive
	a.mu.Unlock()

	metrics.PipelineSlotsInUse.Set(float64(active))
	a.logger.Debug("pipeline slot acquired", "label", label, "current_active", active, "capacity", a.capacity)
	return true
}

// Release gives one slot back. A release with nothing held is logged and
// ignored so the pool never grows past capacity.
func (a *SlotAllocator) Release(label string) {
	a.mu.Lock()
	if a.stats.CurrentActive == 0 {
		a.mu.Unlock()
		a.logger.Warn("pipeline slot released while none held", "label", label)
		return
	}
	a.stats.CurrentActive--
	a.stats.Released++
	a.sem.Release(1)
	active := a.stats.CurrentActive
	a.mu.Unlock()

	metrics.PipelineSlotsInUse.Set(float64(active))
	a.logger.Debug("pipeline slot released", "label", label, "current_active", active)
}

// WithSlot runs fn while holding a slot. The slot is released on every exit
// path, panics included, and only if it was acquired. acquired is false when
// fn was not run.
func (a *SlotAllocator) WithSlot(ctx context.Context, label string, fn func(context.Context) error) (acquired bool, err error) {
	if !a.Acquire(ctx, label) {
		return false, nil
	}
	defer a.Release(label)
	return true, fn(ctx)
}

func (a *SlotAllocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// AvailableSlots is capacity minus the slots currently held.
func (a *SlotAllocator) AvailableSlots() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.capacity - a.stats.CurrentActive
}

func (a *SlotAllocator) Capacity() int {
	return a.capacity
}
