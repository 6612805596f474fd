// Package transporttest provides an in-memory assistant backend for tests.
package transporttest

import (
	"context"
	"errors"
	"sync"

	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/transport"
)

// AuthFunc decides the reply to an auth frame. A reply with an empty type
// sends nothing.
type AuthFunc func(env transport.Envelope) transport.Envelope

// MessageFunc decides the reply to an application frame. Returning ok=false
// sends nothing (the message is left unacknowledged).
type MessageFunc func(env transport.Envelope) (reply transport.Envelope, ok bool)

// Backend is a fake assistant endpoint implementing transport.Dialer.
type Backend struct {
	mu        sync.Mutex
	dials     int
	dialErrs  []error
	auth      AuthFunc
	onMessage MessageFunc
	received  []transport.Envelope
	authSeen  []transport.Envelope
	acked     map[string]int
	active    *Conn
	dialed    chan struct{}
}

// NewBackend creates a backend that accepts every auth frame and acks every message.
func NewBackend() *Backend {
	return &Backend{
		acked:  make(map[string]int),
		dialed: make(chan struct{}, 64),
	}
}

// FailNextDials makes the next len(errs) dials fail with the given errors.
func (b *Backend) FailNextDials(errs ...error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErrs = append(b.dialErrs, errs...)
}

// SetAuth overrides auth handling.
func (b *Backend) SetAuth(fn AuthFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.auth = fn
}

// SetOnMessage overrides message handling.
func (b *Backend) SetOnMessage(fn MessageFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onMessage = fn
}

// RejectAuth returns an AuthFunc replying auth_error with the given close code.
func RejectAuth(code int, reason string) AuthFunc {
	return func(transport.Envelope) transport.Envelope {
		return transport.Envelope{Type: transport.TypeAuthError, Code: code, Reason: reason}
	}
}

// Dial implements transport.Dialer.
func (b *Backend) Dial(ctx context.Context, _ *domain.Session) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.dials++
	if len(b.dialErrs) > 0 {
		err := b.dialErrs[0]
		b.dialErrs = b.dialErrs[1:]
		b.mu.Unlock()
		b.signalDial()
		return nil, err
	}
	c := &Conn{
		backend: b,
		in:      make(chan transport.Envelope, 256),
		closed:  make(chan struct{}),
	}
	b.active = c
	b.mu.Unlock()

	b.signalDial()
	return c, nil
}

func (b *Backend) signalDial() {
	select {
	case b.dialed <- struct{}{}:
	default:
	}
}

// Dialed receives a value for every dial attempt, up to its buffer size.
func (b *Backend) Dialed() <-chan struct{} {
	return b.dialed
}

// IgnoreAuth is an AuthFunc that never answers.
func IgnoreAuth(transport.Envelope) transport.Envelope {
	return transport.Envelope{}
}

// Dials returns the number of dial attempts.
func (b *Backend) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Received returns the application frames received, in arrival order.
func (b *Backend) Received() []transport.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Envelope(nil), b.received...)
}

// AuthFrames returns the auth frames received, in arrival order.
func (b *Backend) AuthFrames() []transport.Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]transport.Envelope(nil), b.authSeen...)
}

// AckCount returns how many times a message ID was acknowledged.
func (b *Backend) AckCount(id string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acked[id]
}

// Active returns the most recently dialed connection.
func (b *Backend) Active() *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

// Drop closes the active connection from the server side with a close code.
func (b *Backend) Drop(code int, reason string) {
	if c := b.Active(); c != nil {
		c.closeWith(&transport.Error{Code: code, Reason: reason})
	}
}

// Push sends a server-initiated frame on the active connection.
func (b *Backend) Push(env transport.Envelope) bool {
	c := b.Active()
	if c == nil {
		return false
	}
	return c.push(env)
}

func (b *Backend) handle(c *Conn, env transport.Envelope) {
	b.mu.Lock()
	if env.Type == transport.TypeAuth {
		b.authSeen = append(b.authSeen, env)
		auth := b.auth
		b.mu.Unlock()

		reply := transport.Envelope{Type: transport.TypeAuthOK, SessionID: env.SessionID}
		if auth != nil {
			reply = auth(env)
		}
		if reply.Type != "" {
			c.push(reply)
		}
		return
	}

	b.received = append(b.received, env)
	onMessage := b.onMessage
	b.mu.Unlock()

	reply, ok := transport.Envelope{Type: transport.TypeAck, ID: env.ID}, true
	if onMessage != nil {
		reply, ok = onMessage(env)
	}
	if !ok {
		return
	}
	if reply.Type == transport.TypeAck {
		b.mu.Lock()
		b.acked[reply.ID]++
		b.mu.Unlock()
	}
	c.push(reply)
}

// Conn is one fake transport connection.
type Conn struct {
	backend   *Backend
	in        chan transport.Envelope
	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error

	mu      sync.Mutex
	pingErr error
}

var _ transport.Conn = (*Conn)(nil)

func (c *Conn) push(env transport.Envelope) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.in <- env:
		return true
	case <-c.closed:
		return false
	}
}

func (c *Conn) closeWith(err error) {
	c.closeOnce.Do(func() {
		c.closeErr = err
		close(c.closed)
	})
}

// ReadEnvelope implements transport.Conn. Buffered frames are delivered before the close.
func (c *Conn) ReadEnvelope(ctx context.Context) (transport.Envelope, error) {
	select {
	case env := <-c.in:
		return env, nil
	default:
	}
	select {
	case env := <-c.in:
		return env, nil
	case <-c.closed:
		return transport.Envelope{}, c.closeErr
	case <-ctx.Done():
		return transport.Envelope{}, ctx.Err()
	}
}

// WriteEnvelope implements transport.Conn.
func (c *Conn) WriteEnvelope(ctx context.Context, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	c.backend.handle(c, env)
	return nil
}

// Ping implements transport.Conn.
func (c *Conn) Ping(context.Context) error {
	select {
	case <-c.closed:
		return transport.ErrConnClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

// FailPings makes every later Ping return err while reads keep working.
func (c *Conn) FailPings(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

// Close implements transport.Conn.
func (c *Conn) Close(code int, reason string) error {
	c.closeWith(&transport.Error{Code: code, Reason: reason, Err: errors.New("closed by client")})
	return nil
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// NetworkError returns an error classified as a network failure.
func NetworkError() error {
	return &transport.Error{Code: recovery.CloseAbnormal, Reason: "connection reset"}
}
