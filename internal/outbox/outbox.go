package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultAckTimeout  = 15 * time.Second
	DefaultMaxAttempts = 5
	DefaultRetryDelay  = 200 * time.Millisecond
)

// Delivery outcomes reported to the Recorder.
const (
	OutcomeDelivered = "delivered"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
	OutcomeExpired   = "expired"
)

// Sender delivers one message and returns once the backend acknowledged it.
// It returns an error wrapping ErrUnavailable when there is no connection.
type Sender interface {
	Send(ctx context.Context, msg *domain.OutboundMessage) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg *domain.OutboundMessage) error

func (f SenderFunc) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	return f(ctx, msg)
}

// Recorder receives outbox metrics. Implemented by metrics.Collectors.
type Recorder interface {
	ObserveDelivery(outcome string)
	ObserveOutboxDepth(n int)
}

// Options configures an Outbox.
type Options struct {
	AckTimeout  time.Duration
	MaxAttempts int
	RetryDelay  time.Duration
	Logger      *slog.Logger
	Metrics     Recorder
	Tracer      trace.Tracer
}

// Ticket tracks the eventual outcome of one enqueued message.
type Ticket struct {
	ID   string
	Seq  int64
	done chan struct{}
	once sync.Once
	err  error
}

func newTicket(msg *domain.OutboundMessage) *Ticket {
	return &Ticket{ID: msg.ID, Seq: msg.Seq, done: make(chan struct{})}
}

func (t *Ticket) resolve(err error) {
	t.once.Do(func() {
		t.err = err
		close(t.done)
	})
}

// Done is closed once the message was acknowledged or failed permanently.
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// Err returns the outcome once Done is closed; nil means delivered.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the message is resolved or ctx is done.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Outbox queues outbound messages and delivers them in order, at least once.
type Outbox struct {
	store  Store
	opts   Options
	logger *slog.Logger
	tracer trace.Tracer

	drainMu sync.Mutex
	acked   map[string]struct{} // guarded by drainMu

	mu        sync.Mutex
	tickets   map[string]*Ticket
	observers map[uint64]func(*domain.OutboundMessage, error)
	nextObs   uint64
	closed    bool
}

// New creates an outbox over store.
func New(store Store, opts Options) *Outbox {
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/ashureev/pamlink/internal/outbox")
	}

	return &Outbox{
		store:     store,
		opts:      opts,
		logger:    opts.Logger,
		tracer:    tracer,
		acked:     make(map[string]struct{}),
		tickets:   make(map[string]*Ticket),
		observers: make(map[uint64]func(*domain.OutboundMessage, error)),
	}
}

// Enqueue durably appends msg and assigns its sequence number.
func (o *Outbox) Enqueue(ctx context.Context, msg *domain.OutboundMessage) (*Ticket, error) {
	if msg.Owner == "" {
		return nil, ErrNoOwner
	}

	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if err := o.store.Append(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue message %s: %w", msg.ID, err)
	}

	t := newTicket(msg)
	o.mu.Lock()
	o.tickets[msg.ID] = t
	o.mu.Unlock()

	o.logger.Debug("message queued", "user_id", msg.Owner, "message_id", msg.ID, "seq", msg.Seq, "type", msg.Type)
	o.observeDepth(ctx, msg.Owner)
	return t, nil
}

// Ticket returns the ticket of a message enqueued by this process.
func (o *Outbox) Ticket(id string) (*Ticket, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tickets[id]
	return t, ok
}

// OnFailure registers fn to be called for every message that fails permanently.
func (o *Outbox) OnFailure(fn func(msg *domain.OutboundMessage, err error)) func() {
	o.mu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

// Drain delivers the owner's queued messages in order, waiting for each
// acknowledgment before sending the next. It returns the number delivered.
// When the sender reports ErrUnavailable the remaining messages stay queued
// and the error is returned.
func (o *Outbox) Drain(ctx context.Context, owner string, sender Sender) (int, error) {
	o.drainMu.Lock()
	defer o.drainMu.Unlock()

	ctx, span := o.tracer.Start(ctx, "outbox.drain", trace.WithAttributes(attribute.String("user_id", owner)))
	defer span.End()

	delivered := 0
	defer func() {
		span.SetAttributes(attribute.Int("delivered", delivered))
		o.observeDepth(context.WithoutCancel(ctx), owner)
	}()

	for {
		msgs, err := o.store.Pending(ctx, owner)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return delivered, fmt.Errorf("load pending messages: %w", err)
		}
		if len(msgs) == 0 {
			return delivered, nil
		}

		for _, msg := range msgs {
			ok, err := o.deliver(ctx, msg, sender)
			if err != nil {
				if !errors.Is(err, ErrUnavailable) {
					span.SetStatus(codes.Error, err.Error())
				}
				return delivered, err
			}
			if ok {
				delivered++
			}
		}
	}
}

// deliver sends one message until it is acknowledged, fails permanently, or
// the sender becomes unavailable. ok reports an acknowledgment.
func (o *Outbox) deliver(ctx context.Context, msg *domain.OutboundMessage, sender Sender) (bool, error) {
	if _, done := o.acked[msg.ID]; done {
		return false, o.remove(ctx, msg.ID)
	}

	for {
		if err := ctx.Err(); err != nil {
			return false, err
		}

		sendCtx, cancel := context.WithTimeout(ctx, o.opts.AckTimeout)
		err := sender.Send(sendCtx, msg)
		cancel()

		switch {
		case err == nil:
			o.acked[msg.ID] = struct{}{}
			o.logger.Debug("message delivered", "user_id", msg.Owner, "message_id", msg.ID, "seq", msg.Seq)
			o.record(OutcomeDelivered)
			if err := o.remove(ctx, msg.ID); err != nil {
				return true, err
			}
			o.resolve(msg, nil)
			return true, nil

		case errors.Is(err, ErrUnavailable):
			o.logger.Debug("delivery paused, channel unavailable", "user_id", msg.Owner, "message_id", msg.ID)
			return false, err

		case isPermanent(err):
			return false, o.fail(ctx, msg, &DeliveryError{ID: msg.ID, Attempts: msg.Attempts + 1, Err: err})

		case ctx.Err() != nil:
			return false, ctx.Err()
		}

		attempts, incErr := o.store.IncrementAttempts(ctx, msg.ID)
		if incErr != nil {
			return false, fmt.Errorf("record attempt for %s: %w", msg.ID, incErr)
		}
		msg.Attempts = attempts
		if attempts >= o.opts.MaxAttempts {
			return false, o.fail(ctx, msg, &DeliveryError{ID: msg.ID, Attempts: attempts, Err: err})
		}

		o.record(OutcomeRetried)
		o.logger.Warn("delivery attempt failed, retrying",
			"user_id", msg.Owner,
			"message_id", msg.ID,
			"attempt", attempts,
			"error", err,
		)
		select {
		case <-time.After(o.opts.RetryDelay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// fail removes a message that can never be delivered and surfaces the error.
func (o *Outbox) fail(ctx context.Context, msg *domain.OutboundMessage, derr *DeliveryError) error {
	o.logger.Error("message delivery failed permanently",
		"user_id", msg.Owner,
		"message_id", msg.ID,
		"attempts", derr.Attempts,
		"error", derr.Err,
	)
	if err := o.remove(ctx, msg.ID); err != nil {
		return err
	}
	if errors.Is(derr, ErrExpired) {
		o.record(OutcomeExpired)
	} else {
		o.record(OutcomeFailed)
	}
	o.resolve(msg, derr)
	return nil
}

func (o *Outbox) remove(ctx context.Context, id string) error {
	if err := o.store.Remove(ctx, id); err != nil {
		return fmt.Errorf("remove message %s: %w", id, err)
	}
	delete(o.acked, id)
	return nil
}

func (o *Outbox) resolve(msg *domain.OutboundMessage, err error) {
	o.mu.Lock()
	t := o.tickets[msg.ID]
	delete(o.tickets, msg.ID)
	var observers []func(*domain.OutboundMessage, error)
	if err != nil {
		for _, fn := range o.observers {
			observers = append(observers, fn)
		}
	}
	o.mu.Unlock()

	if t != nil {
		t.resolve(err)
	}
	for _, fn := range observers {
		fn(msg, err)
	}
}

func (o *Outbox) record(outcome string) {
	if o.opts.Metrics != nil {
		o.opts.Metrics.ObserveDelivery(outcome)
	}
}

func (o *Outbox) observeDepth(ctx context.Context, owner string) {
	if o.opts.Metrics == nil {
		return
	}
	if n, err := o.store.Len(ctx, owner); err == nil {
		o.opts.Metrics.ObserveOutboxDepth(n)
	}
}

// Pending returns the owner's queued messages in delivery order.
func (o *Outbox) Pending(ctx context.Context, owner string) ([]*domain.OutboundMessage, error) {
	return o.store.Pending(ctx, owner)
}

// Len returns the number of messages queued for owner.
func (o *Outbox) Len(ctx context.Context, owner string) (int, error) {
	return o.store.Len(ctx, owner)
}

// Ping verifies the underlying store.
func (o *Outbox) Ping(ctx context.Context) error {
	return o.store.Ping(ctx)
}

// Close closes the store. Messages stay queued in a durable store; tickets
// still waiting resolve with ErrClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	tickets := o.tickets
	o.tickets = make(map[string]*Ticket)
	o.mu.Unlock()

	for _, t := range tickets {
		t.resolve(ErrClosed)
	}
	return o.store.Close()
}
