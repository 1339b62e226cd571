package websocket

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/metrics"
)

// ClientSession wraps one live voice connection. ID is the conversation
// session id; ClientID is the rate-limit identity (token subject or remote
// address). Writes are serialized so the ping loop and the handler never
// interleave frames.
type ClientSession struct {
	ID       string
	ClientID string

	conn   *websocket.Conn
	cfg    *config.WebSocketConfig
	claims *CustomClaims
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	closeOnce sync.Once
}

func NewClientSession(id, clientID string, conn *websocket.Conn, cfg *config.WebSocketConfig, claims *CustomClaims, logger *slog.Logger) *ClientSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &ClientSession{
		ID:       id,
		ClientID: clientID,
		conn:     conn,
		cfg:      cfg,
		claims:   claims,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Context is cancelled when the connection is closed.
func (s *ClientSession) Context() context.Context {
	return s.ctx
}

// CanAccess checks a scope against the handshake token. Connections
// without a token are unrestricted.
func (s *ClientSession) CanAccess(scope string) bool {
	return HasScope(s.claims, scope)
}

func (s *ClientSession) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteJSON(v); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues("text").Inc()
	return nil
}

func (s *ClientSession) WriteBinary(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return err
	}
	metrics.FramesSent.WithLabelValues("binary").Inc()
	return nil
}

func (s *ClientSession) SendPing() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.WriteTimeout))
}

// StartKeepAlive arms the read deadline, extends it on every pong, and
// pings the peer every PingInterval until the session closes.
func (s *ClientSession) StartKeepAlive() {
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	go s.pingLoop()
}

func (s *ClientSession) extendReadDeadline() {
	s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
}

// suspendReadDeadline clears the read deadline while the read goroutine is
// busy elsewhere. Pongs are only handled inside ReadMessage, so the deadline
// cannot be extended until reading resumes.
func (s *ClientSession) suspendReadDeadline() {
	s.conn.SetReadDeadline(time.Time{})
}

func (s *ClientSession) pingLoop() {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.SendPing(); err != nil {
				s.logger.Warn("failed to send ping", "session_id", s.ID, "error", err)
				s.Close(websocket.CloseInternalServerErr, "Ping failure")
				return
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Close sends a close frame and closes the connection. Only the first call
// has any effect.
func (s *ClientSession) Close(code int, text string) error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()

		s.mu.Lock()
		defer s.mu.Unlock()

		if werr := s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, text),
			time.Now().Add(s.cfg.WriteTimeout),
		); werr != nil {
			s.logger.Debug("error sending close message", "session_id", s.ID, "error", werr)
		}
		err = s.conn.Close()
	})
	return err
}
