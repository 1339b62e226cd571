package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abdelmounim-dev/voice-gateway/admission"
	"github.com/abdelmounim-dev/voice-gateway/broker"
	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/logging"
	"github.com/abdelmounim-dev/voice-gateway/session"
	"github.com/abdelmounim-dev/voice-gateway/websocket"
)

func newTestServer(t *testing.T) (*Server, Status) {
	t.Helper()
	logger := logging.Discard()

	slots, err := admission.NewSlotAllocator(3, 10*time.Millisecond, logger)
	require.NoError(t, err)
	status := Status{
		Sessions:    session.NewStore(20, time.Minute, logger),
		Slots:       slots,
		RateLimiter: admission.NewRateLimiter(10, time.Minute, logger),
	}
	manager := websocket.NewClientManager(logger)
	handler := websocket.NewHandler(websocket.Dependencies{
		Manager:     manager,
		Sessions:    status.Sessions,
		RateLimiter: status.RateLimiter,
		Slots:       slots,
	}, config.WebSocketConfig{}, config.AuthConfig{}, logger)

	srv := NewServer(config.ServerConfig{Port: 0, Path: "/ws/voice"}, handler, manager, status, logger)
	return srv, status
}

func TestHealth(t *testing.T) {
	srv, status := newTestServer(t)

	status.Sessions.Create()
	status.Sessions.Create()
	require.True(t, status.Slots.Acquire(context.Background(), "busy"))
	status.Slots.Acquire(context.Background(), "busy")
	status.Slots.Release("busy")
	status.RateLimiter.Allow("client-a")

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 2, body.ActiveSessions)
	assert.Equal(t, 2, body.PipelineSlotsAvailable)
	assert.EqualValues(t, 2, body.ConcurrencyStats.Acquired)
	assert.EqualValues(t, 1, body.ConcurrencyStats.Released)
	assert.Equal(t, 1, body.ConcurrencyStats.CurrentActive)
	assert.Equal(t, 1, body.RateLimitedClients)
}

func TestRoot(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/ws/voice")
}

func TestHealth_MethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestShutdown_ClearsSessions(t *testing.T) {
	srv, status := newTestServer(t)
	status.Sessions.Create()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, srv.Shutdown(ctx, broker.NopBroker{}))
	assert.Zero(t, status.Sessions.Len())
}
