package session

import (
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Removal reasons reported to logs, metrics and the removal hook.
const (
	ReasonDisconnect  = "disconnect"
	ReasonIdleTimeout = "idle_timeout"
	ReasonShutdown    = "shutdown"
)

// Turn is one entry of a conversation history.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Session holds the conversation state of one voice connection.
// Values handed out by Store are snapshots; mutating them has no effect on
// the stored session.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	History      []Turn    `json:"history"`
}

func (s *Session) clone() Session {
	c := *s
	c.History = append([]Turn(nil), s.History...)
	return c
}

// touch moves LastActivity forward, never backward.
func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// appendTurn adds t and drops the oldest turns beyond max.
func (s *Session) appendTurn(t Turn, max int) {
	s.History = append(s.History, t)
	if max > 0 && len(s.History) > max {
		drop := len(s.History) - max
		s.History = append(s.History[:0], s.History[drop:]...)
	}
}
