// Package session is the application-facing entry point to the assistant link.
// It composes the connection manager, the offline outbox and the credential
// source behind one API.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/connection"
	"github.com/ashureev/pamlink/internal/credential"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/outbox"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/wakeword"
	"github.com/hashicorp/go-multierror"
)

// DefaultSendTimeout bounds how long a send waits for its acknowledgment
// before reporting the message as queued.
const DefaultSendTimeout = 10 * time.Second

// A token closer than this to expiry is refreshed before an explicit connect.
const minConnectTTL = 5 * time.Second

// Connector is the part of connection.Manager the façade depends on.
type Connector interface {
	Connect(ctx context.Context, cred domain.Credential) error
	Disconnect()
	Send(ctx context.Context, msg *domain.OutboundMessage) error
	Status() domain.ConnectionState
	Session() *domain.Session
	OnStatusChange(fn func(connection.StatusChange)) func()
	OnMessage(fn func(domain.InboundEvent)) func()
	OnRequiredAction(fn func(recovery.Decision)) func()
	Close() error
}

var _ Connector = (*connection.Manager)(nil)

// Options configures a Facade.
type Options struct {
	SendTimeout time.Duration
	// ManualConnect disables connecting and disconnecting on credential changes.
	ManualConnect bool
	Logger        *slog.Logger
}

// DeliveryStatus is the state of a sent message as seen by the caller.
type DeliveryStatus string

const (
	StatusQueued    DeliveryStatus = "queued"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Response describes an accepted message.
type Response struct {
	MessageID string         `json:"message_id"`
	Seq       int64          `json:"seq"`
	Status    DeliveryStatus `json:"status"`

	ticket *outbox.Ticket
}

// Wait blocks until the message is acknowledged or fails permanently.
func (r *Response) Wait(ctx context.Context) error {
	return r.ticket.Wait(ctx)
}

type controlRequest struct {
	cred    domain.Credential
	connect bool
}

// Facade composes connection, outbox and credentials.
type Facade struct {
	conn   Connector
	outbox *outbox.Outbox
	creds  credential.Source
	sender outbox.Sender
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()

	drainKick chan struct{}

	ctlMu      sync.Mutex
	ctlPending *controlRequest
	ctlCancel  context.CancelFunc
	ctlWake    chan struct{}

	noticeMu   sync.Mutex
	deliverMu  sync.Mutex
	notices    map[int]func(Notice)
	nextNotice int

	startOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

// New creates a façade. Call Start to begin following credentials and draining.
func New(conn Connector, ob *outbox.Outbox, creds credential.Source, opts Options) *Facade {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultSendTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Facade{
		conn:      conn,
		outbox:    ob,
		creds:     creds,
		sender:    managerSender{conn: conn},
		opts:      opts,
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
		drainKick: make(chan struct{}, 1),
		ctlWake:   make(chan struct{}, 1),
		notices:   make(map[int]func(Notice)),
	}
}

// Start wires observers and launches the drain and control workers.
func (f *Facade) Start() {
	f.startOnce.Do(func() {
		f.unsubs = append(f.unsubs,
			f.conn.OnStatusChange(f.handleStatus),
			f.conn.OnRequiredAction(func(d recovery.Decision) { f.notify(noticeForDecision(d)) }),
			f.outbox.OnFailure(f.handleDeliveryFailure),
		)

		f.wg.Add(2)
		go f.drainWorker()
		go f.controlWorker()

		if !f.opts.ManualConnect {
			f.unsubs = append(f.unsubs, f.creds.Subscribe(f.handleCredential))
			if cred, ok := f.creds.Current(); ok {
				f.handleCredential(cred, true)
			}
		}

		// Anything left over from a previous run goes out on the first connect.
		f.kickDrain()
	})
}

// Connect connects with the current credential, refreshing it first when it
// has expired or is about to, and waits for the outcome.
func (f *Facade) Connect(ctx context.Context) error {
	cred, ok := f.creds.Current()
	if !ok {
		return ErrSignedOut
	}
	if !cred.Usable(time.Now()) || f.creds.ExpiresWithin(minConnectTTL) {
		next, err := f.creds.Refresh(ctx)
		switch {
		case err == nil:
			cred = next
		case !cred.Usable(time.Now()):
			return fmt.Errorf("refresh expired credential: %w", err)
		default:
			f.logger.Warn("refresh before connect failed, using current token", "error", err)
		}
	}
	return f.conn.Connect(ctx, cred)
}

// Disconnect closes the connection. Queued messages stay in the outbox.
func (f *Facade) Disconnect() {
	f.conn.Disconnect()
}

// SendMessage sends a chat message.
func (f *Facade) SendMessage(ctx context.Context, text string, msgContext map[string]any) (*Response, error) {
	return f.Send(ctx, domain.MessageChat, text, msgContext)
}

// Send queues a message in the outbox and, when connected, waits up to
// SendTimeout for its acknowledgment. A message that is not acknowledged in
// time is reported as queued and delivered later.
func (f *Facade) Send(ctx context.Context, typ domain.MessageType, content string, msgContext map[string]any) (*Response, error) {
	if content == "" {
		return nil, ErrEmptyMessage
	}
	owner := f.owner()
	if owner == "" {
		return nil, ErrSignedOut
	}

	msg := domain.NewOutboundMessage(owner, typ, content, msgContext)
	ticket, err := f.outbox.Enqueue(ctx, msg)
	if err != nil {
		return nil, err
	}
	resp := &Response{MessageID: msg.ID, Seq: msg.Seq, Status: StatusQueued, ticket: ticket}

	if f.conn.Status() != domain.StateConnected {
		f.logger.Debug("message queued while offline", "user_id", owner, "message_id", msg.ID, "state", f.conn.Status())
		return resp, nil
	}
	f.kickDrain()

	waitCtx, cancel := context.WithTimeout(ctx, f.opts.SendTimeout)
	defer cancel()
	err = ticket.Wait(waitCtx)
	switch {
	case err == nil:
		resp.Status = StatusDelivered
	case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		// Still queued; Wait reports the final outcome.
	case ctx.Err() != nil:
		return resp, nil
	default:
		resp.Status = StatusFailed
		return resp, err
	}
	return resp, nil
}

// owner is the user messages are queued for: the connected user, else the
// signed-in one.
func (f *Facade) owner() string {
	if s := f.conn.Session(); s != nil {
		return s.UserID
	}
	if cred, ok := f.creds.Current(); ok {
		return cred.UserID
	}
	return ""
}

// Status returns the connection state.
func (f *Facade) Status() domain.ConnectionState {
	return f.conn.Status()
}

// SessionID returns the current session id, or "" without a session.
func (f *Facade) SessionID() string {
	if s := f.conn.Session(); s != nil {
		return s.SessionID
	}
	return ""
}

// Pending returns the number of messages queued for the signed-in user.
func (f *Facade) Pending(ctx context.Context) (int, error) {
	owner := f.owner()
	if owner == "" {
		return 0, nil
	}
	return f.outbox.Len(ctx, owner)
}

// OnStatusChange registers a status observer.
func (f *Facade) OnStatusChange(fn func(connection.StatusChange)) func() {
	return f.conn.OnStatusChange(fn)
}

// OnMessage registers an inbound event observer.
func (f *Facade) OnMessage(fn func(domain.InboundEvent)) func() {
	return f.conn.OnMessage(fn)
}

// OnNotice registers a notice observer. Notices are delivered one at a time.
func (f *Facade) OnNotice(fn func(Notice)) func() {
	f.noticeMu.Lock()
	id := f.nextNotice
	f.nextNotice++
	f.notices[id] = fn
	f.noticeMu.Unlock()

	return func() {
		f.noticeMu.Lock()
		delete(f.notices, id)
		f.noticeMu.Unlock()
	}
}

// HandleWake reacts to a wake phrase. It connects when a usable credential
// exists and queues any words spoken after the phrase as a voice command.
// Without a signed-in user the detection is reported and ErrSignedOut returned.
func (f *Facade) HandleWake(ctx context.Context, det wakeword.Detection) (*Response, error) {
	f.notify(Notice{Kind: NoticeWake, Message: det.Phrase, Detection: &det, At: det.At})

	cred, ok := f.creds.Current()
	if !ok || !cred.Usable(time.Now()) {
		f.logger.Info("wake phrase ignored, no usable credential", "phrase", det.Phrase)
		return nil, ErrSignedOut
	}

	if st := f.conn.Status(); st != domain.StateConnected && !st.IsAttempting() {
		f.request(controlRequest{cred: cred, connect: true})
	}

	if det.Remainder == "" {
		return nil, nil
	}
	return f.Send(ctx, domain.MessageVoiceCommand, det.Remainder, map[string]any{
		"wake_phrase": det.Phrase,
		"confidence":  det.Confidence,
	})
}

// Close stops the workers, then closes the connection manager and the outbox.
func (f *Facade) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		for _, unsub := range f.unsubs {
			unsub()
		}
		f.wg.Wait()

		var result *multierror.Error
		if err := f.conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close connection: %w", err))
		}
		if err := f.outbox.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close outbox: %w", err))
		}
		f.closeErr = result.ErrorOrNil()
	})
	return f.closeErr
}

func (f *Facade) handleStatus(sc connection.StatusChange) {
	f.logger.Debug("connection status", "from", sc.From, "to", sc.To, "session_id", sc.SessionID)
	if sc.To == domain.StateConnected {
		f.kickDrain()
	}
}

func (f *Facade) handleCredential(cred domain.Credential, ok bool) {
	if ok && cred.Usable(time.Now()) {
		f.request(controlRequest{cred: cred, connect: true})
		return
	}
	if !ok {
		f.request(controlRequest{})
	}
}

func (f *Facade) handleDeliveryFailure(msg *domain.OutboundMessage, err error) {
	f.notify(Notice{
		Kind:      NoticeDeliveryFailed,
		Message:   fmt.Sprintf("Message could not be delivered: %v", err),
		MessageID: msg.ID,
		Err:       err,
		At:        time.Now(),
	})
}

func (f *Facade) notify(n Notice) {
	f.noticeMu.Lock()
	fns := make([]func(Notice), 0, len(f.notices))
	for _, fn := range f.notices {
		fns = append(fns, fn)
	}
	f.noticeMu.Unlock()

	f.deliverMu.Lock()
	defer f.deliverMu.Unlock()
	for _, fn := range fns {
		fn(n)
	}
}

func (f *Facade) kickDrain() {
	select {
	case f.drainKick <- struct{}{}:
	default:
	}
}

// drainWorker drains the connected user's queue whenever it is kicked.
// Kicks arriving during a drain coalesce into one more pass.
func (f *Facade) drainWorker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.drainKick:
		}

		if f.conn.Status() != domain.StateConnected {
			continue
		}
		sess := f.conn.Session()
		if sess == nil {
			continue
		}

		n, err := f.outbox.Drain(f.ctx, sess.UserID, f.sender)
		switch {
		case err == nil:
			if n > 0 {
				f.logger.Info("outbox drained", "user_id", sess.UserID, "delivered", n)
			}
		case errors.Is(err, outbox.ErrUnavailable), errors.Is(err, context.Canceled):
			f.logger.Debug("outbox drain paused", "user_id", sess.UserID, "delivered", n)
		default:
			f.logger.Error("outbox drain failed", "user_id", sess.UserID, "error", err)
		}
	}
}

// request replaces any pending control request and cancels the one in flight.
func (f *Facade) request(r controlRequest) {
	f.ctlMu.Lock()
	f.ctlPending = &r
	if f.ctlCancel != nil {
		f.ctlCancel()
	}
	f.ctlMu.Unlock()

	select {
	case f.ctlWake <- struct{}{}:
	default:
	}
}

// controlWorker applies credential-driven connects and disconnects in order.
// A newer request cancels the wait on an older connect; the manager keeps
// whatever attempt the older request started.
func (f *Facade) controlWorker() {
	defer f.wg.Done()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-f.ctlWake:
		}

		f.ctlMu.Lock()
		r := f.ctlPending
		f.ctlPending = nil
		ctx, cancel := context.WithCancel(f.ctx)
		f.ctlCancel = cancel
		f.ctlMu.Unlock()

		if r != nil {
			f.apply(ctx, *r)
		}

		f.ctlMu.Lock()
		f.ctlCancel = nil
		f.ctlMu.Unlock()
		cancel()
	}
}

func (f *Facade) apply(ctx context.Context, r controlRequest) {
	if !r.connect {
		f.logger.Info("credential cleared, disconnecting")
		f.conn.Disconnect()
		return
	}

	err := f.conn.Connect(ctx, r.cred)
	var failed *connection.FailedError
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.As(err, &failed):
		f.logger.Warn("automatic connect failed", "user_id", r.cred.UserID, "action", failed.Decision.Action)
	default:
		f.logger.Warn("automatic connect did not complete", "user_id", r.cred.UserID, "error", err)
	}
}
