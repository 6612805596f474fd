// Package api provides the local HTTP control surface for the assistant link.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/session"
)

// Service is the part of session.Facade exposed over HTTP.
type Service interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, typ domain.MessageType, content string, msgContext map[string]any) (*session.Response, error)
	Status() domain.ConnectionState
	SessionID() string
	Pending(ctx context.Context) (int, error)
}

var _ Service = (*session.Facade)(nil)

// Handler provides common handler utilities.
type Handler struct {
	svc Service
}

// NewHandler creates a new Handler over the session façade.
func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
