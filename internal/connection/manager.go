// Package connection owns the lifecycle of the transport connection to the
// assistant backend and republishes it as a simplified status.
package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/credential"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/transport"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Events posted to the manager loop. Everything asynchronous is tagged with
// the epoch it was started in; results from an older epoch are discarded.
type (
	connectRequest struct {
		cred  domain.Credential
		reply chan error
	}
	disconnectRequest struct {
		done chan struct{}
	}
	dialResult struct {
		epoch uint64
		conn  transport.Conn
		err   error
	}
	frameReceived struct {
		epoch uint64
		env   transport.Envelope
		at    time.Time
	}
	transportLost struct {
		epoch uint64
		err   error
	}
	authTimedOut struct {
		epoch uint64
	}
	backoffElapsed struct {
		epoch uint64
	}
	refreshDue struct {
		epoch uint64
	}
	refreshResult struct {
		epoch     uint64
		cred      domain.Credential
		err       error
		proactive bool
	}
)

type ackResult struct {
	err error
}

// link is the connected transport as seen by Send.
type link struct {
	conn    transport.Conn
	session *domain.Session
	lost    chan struct{}
}

// Manager is the connection state machine. All transitions are applied by a
// single loop goroutine; observers are notified on a separate dispatcher goroutine.
type Manager struct {
	opts     Options
	logger   *slog.Logger
	tracer   trace.Tracer
	policy   *recovery.Policy
	dispatch *dispatcher

	events   chan any
	loopCtx  context.Context
	stop     context.CancelFunc
	loopDone chan struct{}
	once     sync.Once

	mu      sync.RWMutex
	state   domain.ConnectionState
	session *domain.Session
	authed  bool
	live    *link

	pendingMu sync.Mutex
	pending   map[string]chan ackResult

	// Owned by the loop goroutine.
	epoch        uint64
	epochCtx     context.Context
	epochCancel  context.CancelFunc
	conn         transport.Conn
	lost         chan struct{}
	authTimer    *time.Timer
	retryTimer   *time.Timer
	refreshTimer *time.Timer
	span         trace.Span
	attempts     int
	waiters      []chan error
	backoff      *backoff.ExponentialBackOff
	lastFailure  recovery.Failure
}

// New creates a manager in the idle state and starts its loop.
func New(opts Options) *Manager {
	opts.setDefaults()

	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/ashureev/pamlink/internal/connection")
	}

	loopCtx, stop := context.WithCancel(context.Background())
	m := &Manager{
		opts:     opts,
		logger:   opts.Logger,
		tracer:   tracer,
		policy:   recovery.NewPolicy(opts.MaxRetries),
		dispatch: newDispatcher(opts.Logger),
		events:   make(chan any, 64),
		loopCtx:  loopCtx,
		stop:     stop,
		loopDone: make(chan struct{}),
		state:    domain.StateIdle,
		pending:  make(map[string]chan ackResult),
		backoff:  opts.newBackOff(),
	}
	m.epochCtx, m.epochCancel = context.WithCancel(loopCtx)

	go m.run()

	return m
}

// Connect starts (or joins) a connection attempt for the credential and waits
// until the manager is connected, failed, closed, or ctx is done.
// Calling Connect for the user that is already connected does not redial.
func (m *Manager) Connect(ctx context.Context, cred domain.Credential) error {
	if !cred.HasIdentity() {
		return ErrMissingCredential
	}

	reply := make(chan error, 1)
	select {
	case m.events <- connectRequest{cred: cred, reply: reply}:
	case <-m.loopCtx.Done():
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-reply:
		return err
	case <-m.loopDone:
		return ErrShutdown
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect tears down the connection and cancels every pending attempt,
// refresh and timer. The state is closed when Disconnect returns.
func (m *Manager) Disconnect() {
	done := make(chan struct{})
	select {
	case m.events <- disconnectRequest{done: done}:
	case <-m.loopCtx.Done():
		return
	}
	select {
	case <-done:
	case <-m.loopDone:
	}
}

// Send writes a message on the live connection and waits for the backend to
// acknowledge it. It never queues: callers must be connected.
func (m *Manager) Send(ctx context.Context, msg *domain.OutboundMessage) error {
	m.mu.RLock()
	l, state := m.live, m.state
	m.mu.RUnlock()

	if state != domain.StateConnected || l == nil {
		return ErrNotConnected
	}

	ch := make(chan ackResult, 1)
	m.pendingMu.Lock()
	m.pending[msg.ID] = ch
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, msg.ID)
		m.pendingMu.Unlock()
	}()

	if err := l.conn.WriteEnvelope(ctx, transport.OutboundEnvelope(l.session, msg)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %w", ErrConnectionLost, err)
	}

	select {
	case res := <-ch:
		return res.err
	case <-l.lost:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the current state.
func (m *Manager) Status() domain.ConnectionState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns the current session record, or nil when there is none.
// A record exists once the backend has accepted its first authentication and
// is kept across reconnects until Disconnect or a terminal failure.
func (m *Manager) Session() *domain.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.authed {
		return nil
	}
	return m.session
}

// OnStatusChange registers a status observer. The returned func unregisters it.
func (m *Manager) OnStatusChange(fn func(StatusChange)) func() {
	return subscribe(m.dispatch, &m.dispatch.status, fn)
}

// OnMessage registers an observer for inbound events, including unknown types.
func (m *Manager) OnMessage(fn func(domain.InboundEvent)) func() {
	return subscribe(m.dispatch, &m.dispatch.message, fn)
}

// OnRequiredAction registers an observer for terminal failures that need the
// user (re-login, reload) or a banner.
func (m *Manager) OnRequiredAction(fn func(recovery.Decision)) func() {
	return subscribe(m.dispatch, &m.dispatch.actions, fn)
}

// Close stops the loop and the dispatcher. The manager cannot be reused.
func (m *Manager) Close() error {
	m.once.Do(func() {
		m.stop()
		<-m.loopDone
		m.dispatch.close()
	})
	return nil
}

func (m *Manager) post(ev any) {
	select {
	case m.events <- ev:
	case <-m.loopCtx.Done():
	}
}

func (m *Manager) run() {
	defer close(m.loopDone)

	for {
		select {
		case <-m.loopCtx.Done():
			m.shutdown()
			return
		case ev := <-m.events:
			m.handle(ev)
		}
	}
}

func (m *Manager) handle(ev any) {
	switch ev := ev.(type) {
	case connectRequest:
		m.handleConnect(ev)
	case disconnectRequest:
		m.handleDisconnect()
		close(ev.done)
	case dialResult:
		m.handleDial(ev)
	case frameReceived:
		if ev.epoch == m.epoch {
			m.handleFrame(ev)
		}
	case transportLost:
		if ev.epoch == m.epoch && m.conn != nil {
			m.fail(transport.Signal(ev.err))
		}
	case authTimedOut:
		if ev.epoch == m.epoch && m.state == domain.StateAuthenticating {
			m.fail(recovery.Signal{Err: errHandshakeTimeout})
		}
	case backoffElapsed:
		if ev.epoch == m.epoch && m.state == domain.StateReconnecting {
			m.startAttempt()
		}
	case refreshDue:
		if ev.epoch == m.epoch && m.state == domain.StateConnected {
			m.startRefresh(true)
		}
	case refreshResult:
		if ev.epoch == m.epoch {
			m.handleRefresh(ev)
		}
	}
}

func (m *Manager) handleConnect(req connectRequest) {
	cred := req.cred
	current := m.session

	if current != nil && current.UserID == cred.UserID && !m.state.IsTerminal() && m.state != domain.StateIdle {
		tokenChanged := current.Token != cred.Token
		if tokenChanged {
			m.setSession(current.WithCredential(cred))
		}

		switch m.state {
		case domain.StateConnected:
			if tokenChanged {
				m.logger.Info("credential changed, re-authenticating", "user_id", cred.UserID)
				m.reauthenticate()
			}
			req.reply <- nil
		case domain.StateReconnecting:
			m.waiters = append(m.waiters, req.reply)
			if tokenChanged && m.retryTimer != nil {
				m.startAttempt()
			}
		default:
			m.waiters = append(m.waiters, req.reply)
		}
		return
	}

	if current != nil && current.UserID != cred.UserID {
		m.logger.Info("switching user", "from_user_id", current.UserID, "user_id", cred.UserID)
		m.resolveWaiters(ErrClosed)
	}

	// A fresh connect starts with a fresh retry budget.
	m.policy.Succeeded()
	m.backoff.Reset()
	m.attempts = 0

	m.mu.Lock()
	m.session = domain.NewSession(cred, uuid.NewString())
	m.authed = false
	m.mu.Unlock()
	m.waiters = append(m.waiters, req.reply)
	m.startAttempt()
}

func (m *Manager) handleDisconnect() {
	m.teardown(recovery.CloseNormal, "client disconnect")
	m.setSession(nil)
	m.transition(domain.StateClosed, nil)
	m.resolveWaiters(ErrClosed)
}

func (m *Manager) shutdown() {
	m.teardown(recovery.CloseGoingAway, "client shutdown")
	m.setSession(nil)
	m.transition(domain.StateClosed, nil)
	m.resolveWaiters(ErrShutdown)
}

// teardown invalidates everything started in the current epoch.
func (m *Manager) teardown(code int, reason string) {
	m.epochCancel()
	stopTimer(&m.authTimer)
	stopTimer(&m.retryTimer)
	stopTimer(&m.refreshTimer)

	if m.conn != nil {
		go func(c transport.Conn) { _ = c.Close(code, reason) }(m.conn)
		m.conn = nil
	}
	if m.lost != nil {
		close(m.lost)
		m.lost = nil
	}
	m.setLive(nil)
	m.endSpan(errors.New(reason))

	m.epoch++
	m.epochCtx, m.epochCancel = context.WithCancel(m.loopCtx)
}

func stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) startAttempt() {
	m.teardown(recovery.CloseNormal, "reconnecting")
	m.attempts++

	sess := m.session
	epoch, ctx := m.epoch, m.epochCtx

	spanCtx, span := m.tracer.Start(ctx, "connection.attempt", trace.WithAttributes(
		attribute.String("user_id", sess.UserID),
		attribute.String("session_id", sess.SessionID),
		attribute.Int("attempt", m.attempts),
	))
	m.span = span

	m.transition(domain.StateConnecting, nil)

	go func() {
		conn, err := m.opts.Dialer.Dial(spanCtx, sess)
		m.post(dialResult{epoch: epoch, conn: conn, err: err})
	}()
}

func (m *Manager) handleDial(res dialResult) {
	if res.epoch != m.epoch || m.state != domain.StateConnecting {
		if res.conn != nil {
			go func() { _ = res.conn.Close(recovery.CloseNormal, "stale attempt") }()
		}
		return
	}
	if res.err != nil {
		m.fail(transport.Signal(res.err))
		return
	}

	m.conn = res.conn
	m.lost = make(chan struct{})
	m.transition(domain.StateAuthenticating, nil)

	epoch, ctx, conn := m.epoch, m.epochCtx, m.conn
	go m.readLoop(ctx, epoch, conn)
	m.writeAsync(ctx, epoch, conn, transport.AuthEnvelope(m.session))

	m.authTimer = time.AfterFunc(m.opts.AuthTimeout, func() {
		m.post(authTimedOut{epoch: epoch})
	})
}

func (m *Manager) readLoop(ctx context.Context, epoch uint64, conn transport.Conn) {
	for {
		env, err := conn.ReadEnvelope(ctx)
		if err != nil {
			m.post(transportLost{epoch: epoch, err: err})
			return
		}

		switch env.Type {
		case transport.TypeAck:
			m.resolveAck(env.ID, nil)
		case transport.TypeNack:
			m.resolveAck(env.ID, &DeliveryError{ID: env.ID, Reason: env.Text(), Final: env.Permanent})
		default:
			m.post(frameReceived{epoch: epoch, env: env, at: time.Now()})
		}
	}
}

func (m *Manager) writeAsync(ctx context.Context, epoch uint64, conn transport.Conn, env transport.Envelope) {
	go func() {
		if err := conn.WriteEnvelope(ctx, env); err != nil && ctx.Err() == nil {
			m.post(transportLost{epoch: epoch, err: err})
		}
	}()
}

func (m *Manager) resolveAck(id string, err error) {
	m.pendingMu.Lock()
	ch, ok := m.pending[id]
	m.pendingMu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- ackResult{err: err}:
	default:
	}
}

func (m *Manager) handleFrame(ev frameReceived) {
	env := ev.env

	switch env.Type {
	case transport.TypeAuthOK:
		if env.SessionID != "" && env.SessionID != m.session.SessionID {
			m.setSession(m.session.WithSessionID(env.SessionID))
		}
		if m.state == domain.StateAuthenticating {
			m.connected()
			return
		}
		m.logger.Debug("re-authenticated", "user_id", m.session.UserID, "session_id", m.session.SessionID)
		m.setLive(m.live)
	case transport.TypeAuthError:
		m.fail(recovery.Signal{Code: env.Code, Reason: env.Reason, Text: env.Text()})
	default:
		m.dispatch.publishEvent(env.InboundEvent(ev.at))
	}
}

func (m *Manager) connected() {
	stopTimer(&m.authTimer)
	m.policy.Succeeded()
	m.backoff.Reset()
	m.lastFailure = recovery.Failure{}

	m.mu.Lock()
	m.authed = true
	m.mu.Unlock()
	m.setLive(&link{conn: m.conn, session: m.session, lost: m.lost})
	if m.span != nil {
		m.span.SetStatus(codes.Ok, "")
		m.span.End()
		m.span = nil
	}

	m.transition(domain.StateConnected, nil)
	m.resolveWaiters(nil)

	epoch, ctx, conn := m.epoch, m.epochCtx, m.conn
	if m.opts.PingInterval > 0 {
		go m.keepalive(ctx, epoch, conn)
	}
	m.scheduleRefresh(time.Time{})
}

func (m *Manager) keepalive(ctx context.Context, epoch uint64, conn transport.Conn) {
	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, m.opts.PingTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					m.post(transportLost{epoch: epoch, err: err})
				}
				return
			}
		}
	}
}

// scheduleRefresh arms the proactive refresh timer. previous is the expiry the
// last proactive refresh started from; a refresh that did not extend the
// expiry is not repeated.
func (m *Manager) scheduleRefresh(previous time.Time) {
	stopTimer(&m.refreshTimer)
	if m.opts.RefreshSkew < 0 || m.opts.Credentials == nil || m.session.TokenExpiry.IsZero() {
		return
	}
	if !previous.IsZero() && !m.session.TokenExpiry.After(previous) {
		m.logger.Warn("token refresh did not extend expiry", "user_id", m.session.UserID)
		return
	}

	delay := time.Until(m.session.TokenExpiry.Add(-m.opts.RefreshSkew))
	if delay < 0 {
		delay = 0
	}
	epoch := m.epoch
	m.refreshTimer = time.AfterFunc(delay, func() {
		m.post(refreshDue{epoch: epoch})
	})
}

func (m *Manager) startRefresh(proactive bool) {
	epoch, ctx := m.epoch, m.epochCtx
	src := m.opts.Credentials

	go func() {
		if src == nil {
			m.post(refreshResult{epoch: epoch, err: credential.ErrNoRefresher, proactive: proactive})
			return
		}
		cred, err := src.Refresh(ctx)
		m.post(refreshResult{epoch: epoch, cred: cred, err: err, proactive: proactive})
	}()
}

func (m *Manager) handleRefresh(res refreshResult) {
	if res.proactive {
		if m.state != domain.StateConnected {
			return
		}
		if res.err != nil {
			m.logger.Warn("proactive token refresh failed", "user_id", m.session.UserID, "error", res.err)
			return
		}
		previous := m.session.TokenExpiry
		m.setSession(m.session.WithCredential(res.cred))
		m.reauthenticate()
		m.scheduleRefresh(previous)
		return
	}

	if m.state != domain.StateReconnecting {
		return
	}
	if res.err != nil {
		m.logger.Warn("token refresh failed", "user_id", m.session.UserID, "error", res.err)
		f := m.lastFailure
		f.Action = recovery.ActionRelogin
		f.Retryable = false
		f.Message = res.err.Error()
		m.terminate(recovery.Decision{Failure: f, Action: recovery.ActionRelogin, Terminal: true, Attempt: m.policy.Attempts(f.Kind)})
		return
	}

	m.setSession(m.session.WithCredential(res.cred))
	m.startAttempt()
}

// reauthenticate sends a fresh auth frame on the live transport.
func (m *Manager) reauthenticate() {
	if m.conn == nil {
		return
	}
	m.setLive(m.live)
	m.writeAsync(m.epochCtx, m.epoch, m.conn, transport.AuthEnvelope(m.session))
}

func (m *Manager) fail(sig recovery.Signal) {
	f := recovery.Classify(sig)
	d := m.policy.Handle(f)
	m.lastFailure = f

	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveFailure(d)
	}
	m.logger.Warn("connection failure",
		"user_id", m.session.UserID,
		"state", m.state,
		"kind", f.Kind,
		"action", d.Action,
		"attempt", d.Attempt,
		"max_retries", m.policy.MaxRetries(),
		"terminal", d.Terminal,
		"error", f.Message,
	)
	if m.span != nil {
		m.span.RecordError(errors.New(f.Message))
	}

	if d.Terminal {
		m.terminate(d)
		return
	}

	m.teardown(recovery.CloseNormal, "reconnecting")
	m.transition(domain.StateReconnecting, &d)

	switch d.Action {
	case recovery.ActionRefresh:
		m.startRefresh(false)
	default:
		delay := m.backoff.NextBackOff()
		if delay < 0 {
			delay = m.opts.MaxBackoff
		}
		epoch := m.epoch
		m.logger.Info("reconnecting", "user_id", m.session.UserID, "delay_ms", delay.Milliseconds())
		m.retryTimer = time.AfterFunc(delay, func() {
			m.post(backoffElapsed{epoch: epoch})
		})
	}
}

func (m *Manager) terminate(d recovery.Decision) {
	m.teardown(recovery.CloseNormal, "connection failed")
	m.transition(domain.StateFailed, &d)
	m.setSession(nil)
	m.dispatch.publishAction(d)
	m.resolveWaiters(&FailedError{Decision: d})
}

func (m *Manager) endSpan(err error) {
	if m.span == nil {
		return
	}
	m.span.SetStatus(codes.Error, err.Error())
	m.span.End()
	m.span = nil
}

func (m *Manager) transition(to domain.ConnectionState, d *recovery.Decision) {
	from := m.state
	if from == to {
		return
	}

	var sessionID string
	m.mu.Lock()
	m.state = to
	if m.session != nil && m.authed {
		sessionID = m.session.SessionID
	}
	m.mu.Unlock()

	m.logger.Info("connection state changed", "from", from, "state", to, "session_id", sessionID)
	if m.opts.Metrics != nil {
		m.opts.Metrics.ObserveTransition(from, to)
	}
	if m.opts.OnTransition != nil {
		m.opts.OnTransition(from, to)
	}
	m.dispatch.publishStatus(StatusChange{From: from, To: to, SessionID: sessionID, Decision: d, At: time.Now()})
}

func (m *Manager) setSession(s *domain.Session) {
	m.mu.Lock()
	m.session = s
	if s == nil {
		m.authed = false
	}
	m.mu.Unlock()
}

// setLive publishes the connected transport to Send, refreshed with the
// current session record.
func (m *Manager) setLive(l *link) {
	if l != nil {
		l = &link{conn: l.conn, session: m.session, lost: l.lost}
	}
	m.mu.Lock()
	m.live = l
	m.mu.Unlock()
}

func (m *Manager) resolveWaiters(err error) {
	for _, w := range m.waiters {
		w <- err
	}
	m.waiters = nil
}
