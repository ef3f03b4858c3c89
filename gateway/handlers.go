package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/citysync/errors"
)

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("POST /commands/{intent}", s.handleCommand)
	mux.HandleFunc("GET /commands", s.handleIntents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.registryM != nil {
		mux.Handle("GET /metrics", s.registryM.Handler())
	}
	return mux
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		s.writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("WebSocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	c := newClient(conn, s.cfg)
	sender, err := s.newSender(c)
	if err != nil {
		s.logger.Error("Failed to create client sender", "error", err)
		_ = conn.Close()
		return
	}
	c.sender = sender

	s.addClient(c)
	go s.readLoop(c)
}

// readLoop queues text frames from c until the connection closes.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c)

	c.conn.SetReadLimit(s.cfg.MaxRequestSize)
	readTimeout := 2 * s.cfg.PingInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.shutdown:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		kind, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", "client_id", c.id, "error", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(readTimeout))

		if kind != websocket.TextMessage {
			s.metrics.frame("rejected")
			s.logger.Debug("Ignoring non-text frame", "client_id", c.id, "type", kind)
			continue
		}
		if !c.limiter.Allow() {
			s.metrics.frame("rate_limited")
			s.logger.Debug("Inbound frame rate limited", "client_id", c.id)
			continue
		}
		if err := s.Submit(ctx, string(data)); err != nil {
			return
		}
		s.metrics.frame("queued")
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	intent := r.PathValue("intent")
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.MaxRequestSize+1))
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	if int64(len(body)) > s.cfg.MaxRequestSize {
		s.respondError(w, http.StatusRequestEntityTooLarge,
			fmt.Sprintf("request body exceeds maximum size of %d bytes", s.cfg.MaxRequestSize))
		return
	}

	result, err := s.registry.Execute(r.Context(), intent, json.RawMessage(body))
	if err != nil {
		status := commandStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("Command failed", "intent", intent, "error", err)
		}
		s.respondError(w, status, commandMessage(status, err))
		return
	}

	s.metrics.command(http.StatusOK)
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleIntents(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string][]string{"intents": s.registry.Intents()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.monitor.Aggregate(r.Context(), "citysync")
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

// commandStatus maps a registry error to an HTTP status.
func commandStatus(err error) int {
	switch {
	case stderrors.Is(err, errors.ErrUnknownIntent):
		return http.StatusNotFound
	case stderrors.Is(err, errors.ErrSnapshotPrecondition):
		return http.StatusConflict
	case errors.IsInvalid(err), stderrors.Is(err, errors.ErrValidation):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// commandMessage returns the client-facing message for err. Internal failures
// never expose their details.
func commandMessage(status int, err error) string {
	if status == http.StatusInternalServerError {
		return "internal server error"
	}
	return err.Error()
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.metrics.command(status)
	s.writeError(w, status, message)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to encode response", "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(map[string]any{
		"error":  message,
		"status": status,
	})
	_, _ = w.Write(data)
}
