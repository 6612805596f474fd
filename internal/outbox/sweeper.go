package outbox

import (
	"context"
	"time"
)

const DefaultSweepInterval = 5 * time.Minute

// StartSweeper runs a background goroutine that periodically fails messages
// older than maxAge with ErrExpired. It stops when ctx is done.
func (o *Outbox) StartSweeper(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		o.logger.Info("outbox sweeper started", "interval", interval, "max_age", maxAge)

		for {
			select {
			case <-ticker.C:
				if _, err := o.Sweep(ctx, maxAge); err != nil {
					o.logger.Error("outbox sweep failed", "error", err)
				}
			case <-ctx.Done():
				o.logger.Info("outbox sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

// Sweep fails every queued message older than maxAge and returns how many
// were expired. It waits for any drain in progress.
func (o *Outbox) Sweep(ctx context.Context, maxAge time.Duration) (int, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	expired, err := o.store.OlderThan(ctx, time.Now().Add(-maxAge))
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	o.logger.Info("outbox sweeper found expired messages", "count", len(expired))

	n := 0
	for _, msg := range expired {
		if err := o.fail(ctx, msg, &DeliveryError{ID: msg.ID, Attempts: msg.Attempts, Err: ErrExpired}); err != nil {
			o.logger.Warn("failed to expire message", "message_id", msg.ID, "error", err)
			continue
		}
		n++
		o.observeDepth(ctx, msg.Owner)
	}
	return n, nil
}
