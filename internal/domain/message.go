package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType discriminates outbound payloads.
type MessageType string

const (
	MessageChat         MessageType = "chat"
	MessageVoiceCommand MessageType = "voice_command"
	MessageEmergency    MessageType = "emergency"
)

// Inbound event types with dedicated handling by consumers.
// Unknown types are forwarded unchanged.
const (
	EventChatResponse = "chat_response"
	EventStatus       = "status"
	EventError        = "error"
)

// OutboundMessage is a unit of work submitted by the application.
type OutboundMessage struct {
	ID        string         `json:"id"`
	Seq       int64          `json:"seq"`
	Owner     string         `json:"owner"`
	Type      MessageType    `json:"type"`
	Content   string         `json:"content"`
	Context   map[string]any `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Attempts  int            `json:"attempts"`
}

// NewOutboundMessage creates a message with a fresh client-generated ID.
func NewOutboundMessage(owner string, typ MessageType, content string, msgContext map[string]any) *OutboundMessage {
	if typ == "" {
		typ = MessageChat
	}
	return &OutboundMessage{
		ID:        uuid.NewString(),
		Owner:     owner,
		Type:      typ,
		Content:   content,
		Context:   msgContext,
		CreatedAt: time.Now(),
	}
}

// InboundEvent is a typed message received from the backend.
type InboundEvent struct {
	Type       string          `json:"type"`
	ID         string          `json:"id,omitempty"`
	Content    string          `json:"content,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	ReceivedAt time.Time       `json:"received_at"`
}
