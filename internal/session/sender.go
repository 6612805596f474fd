package session

import (
	"context"
	"errors"
	"fmt"

	"github.com/ashureev/pamlink/internal/connection"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/outbox"
)

// managerSender delivers outbox messages over the connection manager.
// Anything meaning "no usable connection right now" becomes outbox.ErrUnavailable
// so the drain pauses instead of burning attempts.
type managerSender struct {
	conn Connector
}

func (s managerSender) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	err := s.conn.Send(ctx, msg)
	if err == nil {
		return nil
	}
	if errors.Is(err, connection.ErrNotConnected) ||
		errors.Is(err, connection.ErrConnectionLost) ||
		errors.Is(err, connection.ErrClosed) ||
		errors.Is(err, connection.ErrShutdown) {
		return fmt.Errorf("%w: %w", outbox.ErrUnavailable, err)
	}
	return err
}
