// Package transport provides the message channel to the assistant backend.
package transport

import (
	"context"

	"github.com/ashureev/pamlink/internal/domain"
)

// Dialer opens a transport connection for a session.
type Dialer interface {
	Dial(ctx context.Context, s *domain.Session) (Conn, error)
}

// Conn is an open, message-oriented connection to the backend.
// WriteEnvelope and Ping may be called concurrently with ReadEnvelope.
type Conn interface {
	ReadEnvelope(ctx context.Context) (Envelope, error)
	WriteEnvelope(ctx context.Context, env Envelope) error
	Ping(ctx context.Context) error
	Close(code int, reason string) error
}
