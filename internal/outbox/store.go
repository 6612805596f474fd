// Package outbox provides durable, ordered, at-least-once delivery of
// outbound messages across disconnects.
package outbox

import (
	"context"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
)

// Store persists queued messages. Implementations must be safe for concurrent use.
type Store interface {
	// Append stores msg and assigns it the next sequence number for its owner.
	Append(ctx context.Context, msg *domain.OutboundMessage) error

	// Pending returns the owner's queued messages in sequence order.
	Pending(ctx context.Context, owner string) ([]*domain.OutboundMessage, error)

	// IncrementAttempts records a failed delivery attempt and returns the new count.
	IncrementAttempts(ctx context.Context, id string) (int, error)

	// Remove deletes a message. Removing an unknown id is not an error.
	Remove(ctx context.Context, id string) error

	// OlderThan returns messages of every owner created before the cutoff.
	OlderThan(ctx context.Context, cutoff time.Time) ([]*domain.OutboundMessage, error)

	// Len returns the number of messages queued for the owner.
	Len(ctx context.Context, owner string) (int, error)

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store.
	Close() error
}
