package session

import (
	"context"
	"log/slog"
	"time"
)

// Start launches the idle-eviction loop. It runs until ctx is cancelled or
// Stop is called; calling Start on a running store is a no-op.
func (s *Store) Start(ctx context.Context) {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()

	if s.running {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.runCleanup(loopCtx, s.done)
}

// Stop halts the eviction loop and waits for it to return.
func (s *Store) Stop() {
	s.loopMu.Lock()
	if !s.running {
		s.loopMu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.loopMu.Unlock()

	cancel()
	<-done
}

func (s *Store) IsRunning() bool {
	s.loopMu.Lock()
	defer s.loopMu.Unlock()
	return s.running
}

func (s *Store) runCleanup(ctx context.Context, done chan struct{}) {
	defer func() {
		s.loopMu.Lock()
		s.running = false
		s.cancel = nil
		close(done)
		s.loopMu.Unlock()
	}()

	s.logger.InfoContext(ctx, "session cleanup started",
		slog.Duration("interval", s.interval),
		slog.Duration("idle_timeout", s.idleTimeout),
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "session cleanup stopping")
			return
		case <-ticker.C:
			start := time.Now()
			if evicted := s.EvictIdle(); len(evicted) > 0 {
				s.logger.InfoContext(ctx, "evicted idle sessions",
					slog.Int("removed", len(evicted)),
					slog.Duration("duration", time.Since(start)),
				)
			}
		}
	}
}
