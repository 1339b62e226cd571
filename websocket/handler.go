package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/websocket"

	"github.com/abdelmounim-dev/voice-gateway/admission"
	"github.com/abdelmounim-dev/voice-gateway/broker"
	"github.com/abdelmounim-dev/voice-gateway/config"
	"github.com/abdelmounim-dev/voice-gateway/logging"
	"github.com/abdelmounim-dev/voice-gateway/metrics"
	"github.com/abdelmounim-dev/voice-gateway/pipeline"
	"github.com/abdelmounim-dev/voice-gateway/session"
)

const publishTimeout = 10 * time.Second

// Runner executes the voice pipeline for one utterance.
type Runner interface {
	Run(ctx context.Context, audio []byte, history []pipeline.Message, sessionID string) (*pipeline.Result, error)
}

// Dependencies are the components a Handler drives. Broker and
// JWTValidator are optional.
type Dependencies struct {
	Manager      *ClientManager
	Sessions     *session.Store
	RateLimiter  *admission.RateLimiter
	Slots        *admission.SlotAllocator
	Pipeline     Runner
	Broker       broker.MessageBroker
	JWTValidator *JWTValidator
}

// Handler accepts voice connections and runs each one's read loop.
type Handler struct {
	Dependencies
	wsCfg    config.WebSocketConfig
	authCfg  config.AuthConfig
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

func NewHandler(deps Dependencies, wsCfg config.WebSocketConfig, authCfg config.AuthConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Broker == nil {
		deps.Broker = broker.NopBroker{}
	}
	return &Handler{
		Dependencies: deps,
		wsCfg:        wsCfg,
		authCfg:      authCfg,
		logger:       logger.With(slog.String("component", "websocket.handler")),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: wsCfg.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
	}
}

// writeError marks a failed write to the peer. The connection is unusable
// after one.
type writeError struct{ err error }

func (e *writeError) Error() string { return "write to client: " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

func wrapWrite(err error) error {
	if err == nil {
		return nil
	}
	return &writeError{err: err}
}

// HandleWebSocket authenticates the handshake, upgrades the connection and
// serves it until the peer goes away.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	var claims *CustomClaims
	if h.authCfg.Enabled {
		var ok bool
		if claims, ok = h.authenticate(w, r); !ok {
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	clientID := r.RemoteAddr
	if claims != nil && claims.Subject != "" {
		clientID = claims.Subject
	}

	sess := h.Sessions.Create()
	cs := NewClientSession(sess.ID, clientID, conn, &h.wsCfg, claims, h.logger)
	h.Manager.AddClient(cs)
	defer func() {
		cs.Close(websocket.CloseNormalClosure, "")
		h.Manager.RemoveClient(cs.ID)
		h.Sessions.Remove(cs.ID, session.ReasonDisconnect)
	}()

	conn.SetReadLimit(h.wsCfg.MessageSizeLimit)
	cs.StartKeepAlive()

	ctx := logging.WithSessionID(cs.Context(), cs.ID)
	h.logger.InfoContext(ctx, "websocket connected", "client_id", clientID)

	if err := h.serve(ctx, cs); err != nil {
		h.logger.ErrorContext(ctx, "unexpected error in websocket handler", "error", err)
		if werr := cs.WriteJSON(errorFrame(MsgInternalError)); werr != nil {
			h.logger.DebugContext(ctx, "could not deliver error notification", "error", werr)
		}
		cs.Close(websocket.CloseInternalServerErr, MsgInternalError)
		return
	}
	h.logger.InfoContext(ctx, "websocket disconnected")
}

func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (*CustomClaims, bool) {
	if h.JWTValidator == nil {
		h.logger.Error("auth is enabled but JWT validator is not initialized")
		http.Error(w, "Internal server configuration error", http.StatusInternalServerError)
		return nil, false
	}

	token := r.URL.Query().Get(h.authCfg.TokenQueryParam)
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		h.logger.Warn("missing authentication token", "remote_addr", r.RemoteAddr)
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := h.JWTValidator.ValidateToken(r.Context(), token)
	if err != nil {
		reason := "invalid_token"
		if errors.Is(err, ErrTokenRevoked) {
			reason = "revoked"
		}
		metrics.AuthFailures.WithLabelValues(reason).Inc()
		h.logger.Warn("invalid authentication token", "remote_addr", r.RemoteAddr, "error", err)
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return nil, false
	}

	metrics.AuthSuccess.Inc()
	h.logger.Info("client authenticated", "subject", claims.Subject)
	return claims, true
}

// serve runs the read loop. It returns nil when the peer disconnects and an
// error for any failure that should close the connection from our side.
// Panics are turned into errors.
func (h *Handler) serve(ctx context.Context, cs *ClientSession) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()

	var (
		buffer     []byte
		discarding bool
	)

	for {
		msgType, data, err := cs.conn.ReadMessage()
		if err != nil {
			if isDisconnect(err) {
				h.logger.DebugContext(ctx, "peer closed connection", "error", err)
			} else {
				h.logger.WarnContext(ctx, "read error", "error", err)
			}
			return nil
		}
		cs.extendReadDeadline()
		h.Sessions.Touch(cs.ID)

		switch msgType {
		case websocket.TextMessage:
			metrics.FramesReceived.WithLabelValues("text").Inc()
			if err := h.handleText(ctx, cs, data); err != nil {
				return err
			}

		case websocket.BinaryMessage:
			metrics.FramesReceived.WithLabelValues("binary").Inc()
			if len(data) > 0 {
				if discarding {
					continue
				}
				if len(buffer)+len(data) > h.wsCfg.MaxUtteranceBytes {
					h.logger.WarnContext(ctx, "utterance exceeds size limit, discarding",
						"buffered_bytes", len(buffer), "limit", h.wsCfg.MaxUtteranceBytes)
					buffer, discarding = nil, true
					metrics.AdmissionRejections.WithLabelValues("too_large").Inc()
					if err := cs.WriteJSON(errorFrame(MsgUtteranceTooLarge)); err != nil {
						return wrapWrite(err)
					}
					continue
				}
				buffer = append(buffer, data...)
				continue
			}

			// Empty binary frame: end of utterance.
			if discarding {
				discarding = false
				continue
			}
			if len(buffer) == 0 {
				h.logger.DebugContext(ctx, "empty sentinel with no buffered audio, ignoring")
				continue
			}
			audio := buffer
			buffer = nil
			cs.suspendReadDeadline()
			if err := h.processUtterance(ctx, cs, audio); err != nil {
				return err
			}
			cs.extendReadDeadline()
		}
	}
}

func isDisconnect(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}

func (h *Handler) handleText(ctx context.Context, cs *ClientSession, data []byte) error {
	var cmd ControlCommand
	if err := json.Unmarshal(data, &cmd); err != nil {
		h.logger.DebugContext(ctx, "ignoring malformed text frame", "error", err)
		return nil
	}

	switch cmd.Cmd {
	case CommandReset:
		if !cs.CanAccess(ScopeSessionReset) {
			h.logger.WarnContext(ctx, "reset denied", "client_id", cs.ClientID)
			return wrapWrite(cs.WriteJSON(errorFrame(MsgNotAllowed)))
		}
		h.Sessions.Reset(cs.ID)
		h.logger.InfoContext(ctx, "conversation history reset")
		return wrapWrite(cs.WriteJSON(StatusFrame{Status: StatusResetOK}))
	default:
		h.logger.DebugContext(ctx, "ignoring unknown command", "cmd", cmd.Cmd)
		return nil
	}
}

// processUtterance applies admission control, runs the pipeline and streams
// the result. Admission rejections and pipeline failures are reported to the
// peer and leave the connection open; only write failures are returned.
func (h *Handler) processUtterance(ctx context.Context, cs *ClientSession, audio []byte) error {
	if !cs.CanAccess(ScopePipelineRun) {
		h.logger.WarnContext(ctx, "pipeline run denied", "client_id", cs.ClientID)
		return wrapWrite(cs.WriteJSON(errorFrame(MsgNotAllowed)))
	}

	if !h.RateLimiter.Allow(cs.ClientID) {
		metrics.AdmissionRejections.WithLabelValues("rate_limit").Inc()
		return wrapWrite(cs.WriteJSON(errorFrame(MsgRateLimited)))
	}

	var result *pipeline.Result
	acquired, err := h.Slots.WithSlot(ctx, cs.ID, func(ctx context.Context) error {
		if err := cs.WriteJSON(StatusFrame{Status: StatusProcessing}); err != nil {
			return wrapWrite(err)
		}
		history := toMessages(h.Sessions.History(cs.ID))
		var err error
		result, err = h.Pipeline.Run(ctx, audio, history, cs.ID)
		return err
	})
	if !acquired {
		metrics.AdmissionRejections.WithLabelValues("capacity").Inc()
		if ctx.Err() != nil {
			return nil
		}
		return wrapWrite(cs.WriteJSON(errorFrame(MsgServerBusy)))
	}

	var we *writeError
	if errors.As(err, &we) {
		return err
	}
	if err != nil {
		if ctx.Err() != nil {
			// Connection is going away; the read loop will notice.
			return nil
		}
		stage, ok := pipeline.FailedStage(err)
		if !ok {
			return err
		}
		h.logger.WarnContext(ctx, "pipeline failed", "stage", stage, "error", err)
		return wrapWrite(cs.WriteJSON(errorFrame(StageFailedMessage(stage))))
	}

	if err := cs.WriteBinary(result.Audio); err != nil {
		return wrapWrite(err)
	}

	h.Sessions.AddUserTurn(cs.ID, result.Transcript)
	h.Sessions.AddAssistantTurn(cs.ID, result.Reply)

	total := pipeline.RoundMS(result.Report.TotalMS())
	if err := cs.WriteJSON(DoneFrame{
		Status:     StatusDone,
		Transcript: result.Transcript,
		Latency:    result.Report,
		TotalMS:    total,
	}); err != nil {
		return wrapWrite(err)
	}

	h.publishTurn(cs, result, len(audio))
	return nil
}

func (h *Handler) publishTurn(cs *ClientSession, result *pipeline.Result, audioBytes int) {
	event := broker.TurnEvent{
		SessionID:  cs.ID,
		ClientID:   cs.ClientID,
		RequestID:  result.Report.RequestID,
		Transcript: result.Transcript,
		Reply:      result.Reply,
		Latency:    result.Report.Stages(),
		TotalMS:    pipeline.RoundMS(result.Report.TotalMS()),
		AudioBytes: audioBytes,
		Timestamp:  time.Now().UTC(),
	}
	h.Manager.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := h.Broker.Publish(ctx, event); err != nil {
			h.logger.Error("failed to publish turn event", "session_id", event.SessionID, "broker_type", h.Broker.Type(), "error", err)
		}
	})
}

func toMessages(turns []session.Turn) []pipeline.Message {
	msgs := make([]pipeline.Message, len(turns))
	for i, t := range turns {
		msgs[i] = pipeline.Message{Role: string(t.Role), Content: t.Content}
	}
	return msgs
}
