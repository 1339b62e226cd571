package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/abdelmounim-dev/voice-gateway/admission"
	"github.com/abdelmounim-dev/voice-gateway/broker"
	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/session"
	"github.com/abdelmounim-dev/voice-gateway/websocket"
)

// Status sources reported by /health.
type Status struct {
	Sessions    *session.Store
	Slots       *admission.SlotAllocator
	RateLimiter *admission.RateLimiter
}

type HealthResponse struct {
	Status                 string          `json:"status"`
	ActiveSessions         int             `json:"active_sessions"`
	ActiveConnections      int             `json:"active_connections"`
	PipelineSlotsAvailable int             `json:"pipeline_slots_available"`
	ConcurrencyStats       admission.Stats `json:"concurrency_stats"`
	RateLimitedClients     int             `json:"rate_limited_clients"`
}

type Server struct {
	httpServer *http.Server
	router     *mux.Router
	status     Status
	manager    *websocket.ClientManager
	logger     *slog.Logger
}

func NewServer(cfg config.ServerConfig, handler *websocket.Handler, manager *websocket.ClientManager, status Status, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:  mux.NewRouter(),
		status:  status,
		manager: manager,
		logger:  logger.With(slog.String("component", "server")),
	}

	s.router.HandleFunc(cfg.Path, handler.HandleWebSocket)
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/", s.handleRoot(cfg.Path)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: cfg.ReadTimeout,
		// WriteTimeout is left unset: it would cut off hijacked websocket
		// connections. Per-frame write deadlines are set by ClientSession.
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("voice gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections, closes live ones, waits for pending
// turn-event publishes and closes the broker.
func (s *Server) Shutdown(ctx context.Context, mb broker.MessageBroker) error {
	s.logger.Info("shutting down server")

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.manager.CloseAllConnections("Server shutting down")

	done := make(chan struct{})
	go func() {
		s.manager.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for background publishes: %w", ctx.Err()))
	}

	if s.status.Sessions != nil {
		s.status.Sessions.RemoveAll(session.ReasonShutdown)
	}
	if mb != nil {
		if err := mb.Close(); err != nil {
			errs = append(errs, fmt.Errorf("broker close: %w", err))
		}
	}

	s.logger.Info("server shutdown complete")
	return errors.Join(errs...)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:            "ok",
		ActiveConnections: s.manager.Count(),
	}
	if s.status.Sessions != nil {
		resp.ActiveSessions = s.status.Sessions.Len()
	}
	if s.status.Slots != nil {
		resp.PipelineSlotsAvailable = s.status.Slots.AvailableSlots()
		resp.ConcurrencyStats = s.status.Slots.Stats()
	}
	if s.status.RateLimiter != nil {
		resp.RateLimitedClients = s.status.RateLimiter.Clients()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Warn("failed to encode health response", "error", err)
	}
}

func (s *Server) handleRoot(wsPath string) http.HandlerFunc {
	body := map[string]string{
		"message": "Voice gateway running. Connect via WebSocket at " + wsPath,
	}
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body)
	}
}
