package websocket

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/voice-gateway/metrics"
	"github.com/abdelmounim-dev/voice-gateway/session"
)

// ClientManager tracks the live connections of this process and the
// background work they start.
type ClientManager struct {
	clients sync.Map
	count   atomic.Int64
	wg      sync.WaitGroup
	logger  *slog.Logger
}

func NewClientManager(logger *slog.Logger) *ClientManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ClientManager{logger: logger.With(slog.String("component", "websocket.manager"))}
}

func (m *ClientManager) AddClient(cs *ClientSession) {
	m.clients.Store(cs.ID, cs)
	m.count.Add(1)
	metrics.ActiveConnections.Inc()
	metrics.TotalConnections.Inc()
	m.logger.Info("client connected", "session_id", cs.ID, "client_id", cs.ClientID)
}

// RemoveClient forgets the connection. It is safe to call more than once.
func (m *ClientManager) RemoveClient(id string) {
	if _, ok := m.clients.LoadAndDelete(id); !ok {
		return
	}
	m.count.Add(-1)
	metrics.ActiveConnections.Dec()
	m.logger.Info("client disconnected", "session_id", id)
}

func (m *ClientManager) GetClient(id string) (*ClientSession, bool) {
	if v, ok := m.clients.Load(id); ok {
		return v.(*ClientSession), true
	}
	return nil, false
}

func (m *ClientManager) Count() int {
	return int(m.count.Load())
}

// CloseClient closes the live connection for id, if any. The handler's read
// loop then exits and runs its normal teardown.
func (m *ClientManager) CloseClient(id string, code int, reason string) bool {
	cs, ok := m.GetClient(id)
	if !ok {
		return false
	}
	m.logger.Info("closing connection", "session_id", id, "reason", reason)
	cs.Close(code, reason)
	return true
}

// SessionRemoved is a session.RemoveHook. Sessions removed for any reason
// other than a disconnect lose their live connection too.
func (m *ClientManager) SessionRemoved(id, reason string) {
	if reason == session.ReasonDisconnect {
		return
	}
	m.CloseClient(id, websocket.CloseGoingAway, "session "+reason)
}

// Go runs fn in the background and tracks it for WaitForCompletion.
func (m *ClientManager) Go(fn func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		fn()
	}()
}

func (m *ClientManager) WaitForCompletion() {
	m.wg.Wait()
}

func (m *ClientManager) CloseAllConnections(reason string) {
	m.clients.Range(func(key, value any) bool {
		cs := value.(*ClientSession)
		m.logger.Info("closing connection", "session_id", key, "reason", reason)
		cs.Close(websocket.CloseGoingAway, reason)
		m.RemoveClient(cs.ID)
		return true
	})
}
