package connection

import (
	"errors"
	"fmt"

	"github.com/ashureev/pamlink/internal/recovery"
)

var (
	ErrMissingCredential = errors.New("user id and token are required")
	ErrNotConnected      = errors.New("not connected")
	ErrConnectionLost    = errors.New("connection lost before acknowledgment")
	ErrClosed            = errors.New("connection closed")
	ErrShutdown          = errors.New("connection manager shut down")

	errHandshakeTimeout = errors.New("handshake timed out")
)

// FailedError is returned by Connect when the manager gives up and enters the failed state.
type FailedError struct {
	Decision recovery.Decision
}

func (e *FailedError) Error() string {
	f := e.Decision.Failure
	if f.Message == "" {
		return fmt.Sprintf("connection failed: %s (action %s)", f.Kind, e.Decision.Action)
	}
	return fmt.Sprintf("connection failed: %s (action %s): %s", f.Kind, e.Decision.Action, f.Message)
}

// DeliveryError is returned by Send when the backend rejects a message.
type DeliveryError struct {
	ID     string
	Reason string
	Final  bool
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message %s rejected: %s", e.ID, e.Reason)
}

// Permanent reports whether resending the message can never succeed.
func (e *DeliveryError) Permanent() bool {
	return e.Final
}
