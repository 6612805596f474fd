package transport

import (
	"encoding/json"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
)

// Envelope types used by the connection layer itself.
const (
	TypeAuth      = "auth"
	TypeAuthOK    = "auth_ok"
	TypeAuthError = "auth_error"
	TypeAck       = "ack"
	TypeNack      = "nack"
	TypeRaw       = "raw"
)

// Envelope is the JSON frame exchanged with the backend in both directions.
type Envelope struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
	UserID    string          `json:"user_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Token     string          `json:"token,omitempty"`
	Message   string          `json:"message,omitempty"`
	Content   string          `json:"content,omitempty"`
	Context   map[string]any  `json:"context,omitempty"`
	Code      int             `json:"code,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Permanent bool            `json:"permanent,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Text returns the human-readable body of an inbound envelope.
func (e Envelope) Text() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Content != "" {
		return e.Content
	}
	return e.Reason
}

// AuthEnvelope builds the credential frame sent after the transport opens.
func AuthEnvelope(s *domain.Session) Envelope {
	return Envelope{
		Type:      TypeAuth,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Token:     s.Token,
	}
}

// OutboundEnvelope builds the frame for an application message.
func OutboundEnvelope(s *domain.Session, msg *domain.OutboundMessage) Envelope {
	return Envelope{
		Type:      string(msg.Type),
		ID:        msg.ID,
		Seq:       msg.Seq,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Message:   msg.Content,
		Context:   msg.Context,
	}
}

// InboundEvent converts an inbound envelope into the event handed to observers.
func (e Envelope) InboundEvent(receivedAt time.Time) domain.InboundEvent {
	return domain.InboundEvent{
		Type:       e.Type,
		ID:         e.ID,
		Content:    e.Text(),
		Payload:    e.Payload,
		ReceivedAt: receivedAt,
	}
}
