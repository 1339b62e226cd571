package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/abdelmounim-dev/voice-gateway/metrics"
)

const (
	DefaultMaxHistory  = 20
	DefaultIdleTimeout = 300 * time.Second

	minCleanupInterval = 10 * time.Second
)

// RemoveHook is called once for every session that leaves the store.
type RemoveHook func(id, reason string)

type Option func(*Store)

// WithRemoveHook registers fn to run after a session is removed, whatever
// the trigger.
func WithRemoveHook(fn RemoveHook) Option {
	return func(s *Store) { s.onRemove = fn }
}

// WithCleanupInterval overrides the idle sweep period. Non-positive values
// keep the default.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.interval = d
		}
	}
}

// Store owns every live session. A single mutex covers the whole registry so
// creation, removal and history updates are linearizable with the idle sweep.
type Store struct {
	maxHistory  int
	idleTimeout time.Duration
	interval    time.Duration
	logger      *slog.Logger
	onRemove    RemoveHook
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	loopMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewStore(maxHistory int, idleTimeout time.Duration, logger *slog.Logger, opts ...Option) *Store {
	if maxHistory <= 0 {
		maxHistory = DefaultMaxHistory
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		maxHistory:  maxHistory,
		idleTimeout: idleTimeout,
		interval:    CleanupInterval(idleTimeout),
		logger:      logger.With(slog.String("component", "session.store")),
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CleanupInterval is the idle sweep period for a given idle timeout:
// half the timeout, but never less than ten seconds.
func CleanupInterval(idleTimeout time.Duration) time.Duration {
	if half := idleTimeout / 2; half > minCleanupInterval {
		return half
	}
	return minCleanupInterval
}

func (s *Store) Create() Session {
	now := s.now()
	sess := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		LastActivity: now,
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	n := len(s.sessions)
	snapshot := sess.clone()
	s.mu.Unlock()

	metrics.ActiveSessions.Set(float64(n))
	s.logger.Info("session created", "session_id", sess.ID, "active_sessions", n)
	return snapshot
}

func (s *Store) Get(id string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return sess.clone(), true
}

// Remove deletes the session and reports whether it existed. Disconnects,
// idle eviction and shutdown all end up here.
func (s *Store) Remove(id, reason string) bool {
	return s.removeIf(id, reason, nil)
}

// removeIf deletes id when cond holds for it (or cond is nil). Every
// removal goes through here, so a session is reported removed exactly once.
func (s *Store) removeIf(id, reason string, cond func(*Session) bool) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok && cond != nil && !cond(sess) {
		ok = false
	}
	if ok {
		delete(s.sessions, id)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if !ok {
		return false
	}
	s.removed(id, reason, n)
	return true
}

// removed runs the side effects of a removal. It must be called without
// holding s.mu.
func (s *Store) removed(id, reason string, remaining int) {
	metrics.ActiveSessions.Set(float64(remaining))
	metrics.SessionsRemoved.WithLabelValues(reason).Inc()
	s.logger.Info("session removed", "session_id", id, "reason", reason, "active_sessions", remaining)
	if s.onRemove != nil {
		s.onRemove(id, reason)
	}
}

func (s *Store) AddUserTurn(id, text string) bool {
	return s.addTurn(id, Turn{Role: RoleUser, Content: text})
}

func (s *Store) AddAssistantTurn(id, text string) bool {
	return s.addTurn(id, Turn{Role: RoleAssistant, Content: text})
}

func (s *Store) addTurn(id string, t Turn) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.appendTurn(t, s.maxHistory)
	sess.touch(now)
	return true
}

// History returns a copy of the session's turns, oldest first. Unknown ids
// yield an empty slice.
func (s *Store) History(id string) []Turn {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return []Turn{}
	}
	return append([]Turn{}, sess.History...)
}

// Reset clears the history and keeps the session id.
func (s *Store) Reset(id string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return false
	}
	sess.History = nil
	sess.touch(now)
	return true
}

// Touch marks the session active without changing its history.
func (s *Store) Touch(id string) bool {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if ok {
		sess.touch(now)
	}
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// EvictIdle removes every session whose last activity is older than the
// idle timeout and returns their ids.
func (s *Store) EvictIdle() []string {
	now := s.now()
	idle := func(sess *Session) bool {
		return now.Sub(sess.LastActivity) > s.idleTimeout
	}

	s.mu.Lock()
	var candidates []string
	for id, sess := range s.sessions {
		if idle(sess) {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	// Re-checked at removal: the session may have been touched or removed
	// since the scan.
	var evicted []string
	for _, id := range candidates {
		if s.removeIf(id, ReasonIdleTimeout, idle) {
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// RemoveAll drops every session with the given reason. Used at shutdown.
func (s *Store) RemoveAll(reason string) int {
	s.mu.Lock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	removed := 0
	for _, id := range ids {
		if s.Remove(id, reason) {
			removed++
		}
	}
	return removed
}
