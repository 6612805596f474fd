package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/pamlink/internal/connection"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/session"
	"github.com/go-chi/chi/v5"
)

// connectTimeout caps how long POST /api/session/connect waits.
const connectTimeout = 30 * time.Second

// maxMessageBytes limits the request body of POST /api/messages.
const maxMessageBytes = 64 << 10

type sendRequest struct {
	Type    domain.MessageType `json:"type"`
	Content string             `json:"content"`
	Context map[string]any     `json:"context,omitempty"`
}

// RegisterRoutes registers session routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/session", h.GetSession)
		r.Post("/session/connect", h.Connect)
		r.Post("/session/disconnect", h.Disconnect)
		r.Post("/messages", h.SendMessage)
	})
}

// GetSession returns the connection state and queue depth.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	pending, err := h.svc.Pending(r.Context())
	if err != nil {
		slog.Error("Failed to count pending messages", "error", err)
		Error(w, http.StatusInternalServerError, "outbox unavailable")
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"state":      h.svc.Status(),
		"session_id": h.svc.SessionID(),
		"pending":    pending,
	})
}

// Connect connects with the current credential and waits for the outcome.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	err := h.svc.Connect(ctx)
	var failed *connection.FailedError
	switch {
	case err == nil:
		JSON(w, http.StatusOK, map[string]interface{}{
			"state":      h.svc.Status(),
			"session_id": h.svc.SessionID(),
		})
	case errors.Is(err, session.ErrSignedOut):
		Error(w, http.StatusUnauthorized, "signed_out")
	case errors.As(err, &failed):
		JSON(w, http.StatusConflict, map[string]interface{}{
			"error":  "connection_failed",
			"kind":   failed.Decision.Failure.Kind,
			"action": failed.Decision.Action,
			"banner": failed.Decision.Banner,
		})
	case errors.Is(err, context.DeadlineExceeded):
		JSON(w, http.StatusAccepted, map[string]interface{}{
			"state": h.svc.Status(),
		})
	default:
		slog.Error("Connect failed", "error", err)
		Error(w, http.StatusBadGateway, err.Error())
	}
}

// Disconnect closes the connection; queued messages are kept.
func (h *Handler) Disconnect(w http.ResponseWriter, _ *http.Request) {
	h.svc.Disconnect()
	JSON(w, http.StatusOK, map[string]interface{}{
		"state": h.svc.Status(),
	})
}

// SendMessage queues a message and reports whether it was delivered yet.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.svc.Send(r.Context(), req.Type, req.Content, req.Context)
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		Error(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, session.ErrSignedOut):
		Error(w, http.StatusUnauthorized, "signed_out")
		return
	case err != nil && resp != nil:
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"message_id": resp.MessageID,
			"status":     resp.Status,
			"error":      err.Error(),
		})
		return
	case err != nil:
		slog.Error("Failed to queue message", "error", err)
		Error(w, http.StatusInternalServerError, "failed to queue message")
		return
	}

	status := http.StatusAccepted
	if resp.Status == session.StatusDelivered {
		status = http.StatusOK
	}
	JSON(w, status, resp)
}
