package outbox

import (
	"errors"
	"fmt"
)

var (
	// ErrUnavailable is returned by a Sender when there is no connection to
	// deliver on. Drain stops and keeps the remaining messages queued.
	ErrUnavailable = errors.New("delivery channel unavailable")
	ErrExpired     = errors.New("message expired in outbox")
	ErrClosed      = errors.New("outbox closed")
	ErrNoOwner     = errors.New("message has no owner")
	ErrNotFound    = errors.New("message not found")
	ErrDuplicate   = errors.New("message already queued")
)

// DeliveryError is the permanent failure of a queued message.
type DeliveryError struct {
	ID       string
	Attempts int
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver message %s after %d attempts: %v", e.ID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// isPermanent reports whether err says resending can never succeed.
func isPermanent(err error) bool {
	var p interface{ Permanent() bool }
	return errors.As(err, &p) && p.Permanent()
}
