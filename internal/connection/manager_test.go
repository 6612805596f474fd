package connection

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/pamlink/internal/credential"
	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/recovery"
	"github.com/ashureev/pamlink/internal/transport"
	"github.com/ashureev/pamlink/internal/transport/transporttest"
)

type transitionLog struct {
	mu    sync.Mutex
	steps []domain.ConnectionState
}

func (l *transitionLog) record(_, to domain.ConnectionState) {
	l.mu.Lock()
	l.steps = append(l.steps, to)
	l.mu.Unlock()
}

func (l *transitionLog) snapshot() []domain.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return slices.Clone(l.steps)
}

func newTestManager(t *testing.T, dialer transport.Dialer, src credential.Source, mutate func(*Options)) (*Manager, *transitionLog) {
	t.Helper()

	log := &transitionLog{}
	opts := Options{
		Dialer:         dialer,
		Credentials:    src,
		InitialBackoff: 10 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		AuthTimeout:    time.Second,
		PingInterval:   -1,
		RefreshSkew:    -1,
		OnTransition:   log.record,
	}
	if mutate != nil {
		mutate(&opts)
	}

	m := New(opts)
	t.Cleanup(func() { _ = m.Close() })
	return m, log
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

var alice = domain.Credential{UserID: "alice", Token: "token-1"}

// blockingDialer never completes a dial until its context is cancelled.
type blockingDialer struct {
	dials atomic.Int32
}

func (d *blockingDialer) Dial(ctx context.Context, _ *domain.Session) (transport.Conn, error) {
	d.dials.Add(1)
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestConnectAuthenticates(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, log := newTestManager(t, backend, nil, nil)

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.Status(); got != domain.StateConnected {
		t.Fatalf("Status() = %s, want connected", got)
	}

	want := []domain.ConnectionState{domain.StateConnecting, domain.StateAuthenticating, domain.StateConnected}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}

	frames := backend.AuthFrames()
	if len(frames) != 1 || frames[0].Token != "token-1" || frames[0].UserID != "alice" {
		t.Fatalf("unexpected auth frames %+v", frames)
	}
	sess := m.Session()
	if sess == nil || sess.SessionID == "" || sess.SessionID != frames[0].SessionID {
		t.Fatalf("unexpected session %+v", sess)
	}
}

func TestConnectAdoptsServerSessionID(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetAuth(func(transport.Envelope) transport.Envelope {
		return transport.Envelope{Type: transport.TypeAuthOK, SessionID: "server-session"}
	})
	m, _ := newTestManager(t, backend, nil, nil)

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := m.Session().SessionID; got != "server-session" {
		t.Fatalf("SessionID = %q, want server-session", got)
	}
}

func TestConnectMissingCredential(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)

	for _, cred := range []domain.Credential{{}, {UserID: "alice"}, {Token: "t"}} {
		if err := m.Connect(testContext(t), cred); !errors.Is(err, ErrMissingCredential) {
			t.Fatalf("Connect(%+v) = %v, want ErrMissingCredential", cred, err)
		}
	}
	if backend.Dials() != 0 {
		t.Fatalf("expected no dial, got %d", backend.Dials())
	}
	if m.Status() != domain.StateIdle {
		t.Fatalf("Status() = %s, want idle", m.Status())
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("first Connect failed: %v", err)
	}
	first := m.Session()

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("second Connect failed: %v", err)
	}
	if backend.Dials() != 1 {
		t.Fatalf("expected a single dial, got %d", backend.Dials())
	}
	if m.Session() != first {
		t.Fatal("second Connect replaced the session record")
	}
	if n := len(backend.AuthFrames()); n != 1 {
		t.Fatalf("expected one auth frame, got %d", n)
	}
}

func TestConnectJoinsInFlightAttempt(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetAuth(transporttest.IgnoreAuth)
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	errs := make(chan error, 2)
	for range 2 {
		go func() { errs <- m.Connect(ctx, alice) }()
	}

	waitFor(t, time.Second, func() bool { return m.Status() == domain.StateAuthenticating }, "authenticating")
	backend.SetAuth(nil)
	backend.Push(transport.Envelope{Type: transport.TypeAuthOK})

	for range 2 {
		if err := <-errs; err != nil {
			t.Fatalf("Connect failed: %v", err)
		}
	}
	if backend.Dials() != 1 {
		t.Fatalf("expected a single dial, got %d", backend.Dials())
	}
}

func TestSessionPublishedOnlyAfterAuthentication(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetAuth(transporttest.IgnoreAuth)
	m, _ := newTestManager(t, backend, nil, nil)

	ctx := testContext(t)
	errs := make(chan error, 1)
	go func() { errs <- m.Connect(ctx, alice) }()

	waitFor(t, time.Second, func() bool { return m.Status() == domain.StateAuthenticating }, "authenticating")
	if sess := m.Session(); sess != nil {
		t.Fatalf("session %+v visible before authentication", sess)
	}

	backend.SetAuth(nil)
	backend.Push(transport.Envelope{Type: transport.TypeAuthOK})
	if err := <-errs; err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sess := m.Session()
	if sess == nil || sess.SessionID != backend.AuthFrames()[0].SessionID {
		t.Fatalf("session after authentication = %+v", sess)
	}

	m.Disconnect()
	if m.Session() != nil {
		t.Fatal("session survived Disconnect")
	}
}

func TestConnectNewTokenReauthenticatesInBand(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sessionID := m.Session().SessionID

	if err := m.Connect(ctx, domain.Credential{UserID: "alice", Token: "token-2"}); err != nil {
		t.Fatalf("Connect with new token failed: %v", err)
	}

	waitFor(t, time.Second, func() bool { return len(backend.AuthFrames()) == 2 }, "second auth frame")
	frames := backend.AuthFrames()
	if frames[1].Token != "token-2" || frames[1].SessionID != sessionID {
		t.Fatalf("unexpected re-auth frame %+v", frames[1])
	}
	if backend.Dials() != 1 {
		t.Fatalf("expected no redial, got %d dials", backend.Dials())
	}
	if got := m.Session().Token; got != "token-2" {
		t.Fatalf("session token = %q, want token-2", got)
	}
}

func TestConnectDifferentUserRedials(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	first := backend.Active()

	if err := m.Connect(ctx, domain.Credential{UserID: "bob", Token: "b"}); err != nil {
		t.Fatalf("Connect as bob failed: %v", err)
	}
	if backend.Dials() != 2 {
		t.Fatalf("expected a redial, got %d dials", backend.Dials())
	}
	if m.Session().UserID != "bob" {
		t.Fatalf("session user = %q, want bob", m.Session().UserID)
	}
	waitFor(t, time.Second, first.Closed, "previous connection closed")
}

func TestDisconnectFromAnyState(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		setup func(t *testing.T, m *Manager, backend *transporttest.Backend)
	}{
		{
			name:  "idle",
			setup: func(*testing.T, *Manager, *transporttest.Backend) {},
		},
		{
			name: "connected",
			setup: func(t *testing.T, m *Manager, _ *transporttest.Backend) {
				if err := m.Connect(testContext(t), alice); err != nil {
					t.Fatalf("Connect failed: %v", err)
				}
			},
		},
		{
			name: "authenticating",
			setup: func(t *testing.T, m *Manager, backend *transporttest.Backend) {
				backend.SetAuth(transporttest.IgnoreAuth)
				go func() { _ = m.Connect(context.Background(), alice) }()
				waitFor(t, time.Second, func() bool { return m.Status() == domain.StateAuthenticating }, "authenticating")
			},
		},
		{
			name: "reconnecting",
			setup: func(t *testing.T, m *Manager, backend *transporttest.Backend) {
				backend.FailNextDials(transporttest.NetworkError())
				go func() { _ = m.Connect(context.Background(), alice) }()
				waitFor(t, time.Second, func() bool { return m.Status() == domain.StateReconnecting }, "reconnecting")
			},
		},
		{
			name: "failed",
			setup: func(t *testing.T, m *Manager, backend *transporttest.Backend) {
				backend.SetAuth(transporttest.RejectAuth(recovery.CloseForbidden, "forbidden"))
				_ = m.Connect(testContext(t), alice)
				waitFor(t, time.Second, func() bool { return m.Status() == domain.StateFailed }, "failed")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			backend := transporttest.NewBackend()
			m, _ := newTestManager(t, backend, nil, func(o *Options) {
				o.InitialBackoff = time.Second
				o.MaxBackoff = time.Second
			})
			tt.setup(t, m, backend)

			m.Disconnect()
			if got := m.Status(); got != domain.StateClosed {
				t.Fatalf("Status() = %s after Disconnect, want closed", got)
			}
			if m.Session() != nil {
				t.Fatal("session record survived Disconnect")
			}

			m.Disconnect()
			if got := m.Status(); got != domain.StateClosed {
				t.Fatalf("second Disconnect left state %s", got)
			}
		})
	}
}

func TestDisconnectCancelsDial(t *testing.T) {
	t.Parallel()

	dialer := &blockingDialer{}
	m, _ := newTestManager(t, dialer, nil, nil)

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), alice) }()
	waitFor(t, time.Second, func() bool { return dialer.dials.Load() == 1 }, "dial")

	m.Disconnect()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}

	time.Sleep(50 * time.Millisecond)
	if got := m.Status(); got != domain.StateClosed {
		t.Fatalf("late dial result changed state to %s", got)
	}
}

func TestStaleBackoffTimerAfterDisconnect(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.FailNextDials(transporttest.NetworkError())
	m, _ := newTestManager(t, backend, nil, func(o *Options) {
		o.InitialBackoff = 80 * time.Millisecond
		o.MaxBackoff = 80 * time.Millisecond
		o.BackoffJitter = 0
	})

	errc := make(chan error, 1)
	go func() { errc <- m.Connect(context.Background(), alice) }()
	waitFor(t, time.Second, func() bool { return m.Status() == domain.StateReconnecting }, "reconnecting")

	m.Disconnect()
	if err := <-errc; !errors.Is(err, ErrClosed) {
		t.Fatalf("Connect = %v, want ErrClosed", err)
	}

	time.Sleep(250 * time.Millisecond)
	if backend.Dials() != 1 {
		t.Fatalf("backoff timer fired after Disconnect: %d dials", backend.Dials())
	}
	if got := m.Status(); got != domain.StateClosed {
		t.Fatalf("Status() = %s, want closed", got)
	}
}

func TestNetworkFailureRetriesWithBackoff(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.FailNextDials(transporttest.NetworkError(), transporttest.NetworkError())
	m, log := newTestManager(t, backend, nil, nil)

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if backend.Dials() != 3 {
		t.Fatalf("expected 3 dials, got %d", backend.Dials())
	}

	want := []domain.ConnectionState{
		domain.StateConnecting, domain.StateReconnecting,
		domain.StateConnecting, domain.StateReconnecting,
		domain.StateConnecting, domain.StateAuthenticating, domain.StateConnected,
	}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestTokenExpiredReconnectsWithRefresh(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	store := credential.NewStore(func(_ context.Context, cur domain.Credential) (domain.Credential, error) {
		refreshes.Add(1)
		return domain.Credential{UserID: cur.UserID, Token: "refreshed"}, nil
	}, nil)
	store.Set(alice)

	backend := transporttest.NewBackend()
	m, log := newTestManager(t, backend, store, nil)

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	sessionID := m.Session().SessionID

	backend.Drop(recovery.CloseTokenExpired, "token expired")
	waitFor(t, 2*time.Second, func() bool {
		return backend.Dials() == 2 && m.Status() == domain.StateConnected
	}, "reconnect after refresh")

	if refreshes.Load() != 1 {
		t.Fatalf("expected one refresh, got %d", refreshes.Load())
	}
	frames := backend.AuthFrames()
	last := frames[len(frames)-1]
	if last.Token != "refreshed" || last.SessionID != sessionID {
		t.Fatalf("unexpected auth frame after refresh %+v", last)
	}

	want := []domain.ConnectionState{
		domain.StateConnecting, domain.StateAuthenticating, domain.StateConnected,
		domain.StateReconnecting, domain.StateConnecting, domain.StateAuthenticating, domain.StateConnected,
	}
	if got := log.snapshot(); !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
}

func TestForbiddenFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, log := newTestManager(t, backend, nil, nil)

	actions := make(chan recovery.Decision, 1)
	m.OnRequiredAction(func(d recovery.Decision) { actions <- d })

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	backend.Drop(recovery.CloseForbidden, "forbidden")

	select {
	case d := <-actions:
		if !d.Terminal || d.Failure.Kind != recovery.KindForbidden || d.Action != recovery.ActionNone {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no required action after forbidden close")
	}

	time.Sleep(50 * time.Millisecond)
	if backend.Dials() != 1 {
		t.Fatalf("forbidden close was retried: %d dials", backend.Dials())
	}
	if got := m.Status(); got != domain.StateFailed {
		t.Fatalf("Status() = %s, want failed", got)
	}
	if got := log.snapshot(); got[len(got)-1] != domain.StateFailed || slices.Contains(got, domain.StateReconnecting) {
		t.Fatalf("unexpected transitions %v", got)
	}
}

func TestRetryBudgetExhaustionForcesRelogin(t *testing.T) {
	t.Parallel()

	var refreshes atomic.Int32
	store := credential.NewStore(func(_ context.Context, cur domain.Credential) (domain.Credential, error) {
		n := refreshes.Add(1)
		return domain.Credential{UserID: cur.UserID, Token: "token-r" + string(rune('0'+n))}, nil
	}, nil)
	store.Set(alice)

	backend := transporttest.NewBackend()
	backend.SetAuth(transporttest.RejectAuth(recovery.CloseUnauthorized, "unauthorized"))
	m, _ := newTestManager(t, backend, store, nil)

	actions := make(chan recovery.Decision, 1)
	m.OnRequiredAction(func(d recovery.Decision) { actions <- d })

	err := m.Connect(testContext(t), alice)
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Connect = %v, want *FailedError", err)
	}
	if failed.Decision.Action != recovery.ActionRelogin || !failed.Decision.Terminal {
		t.Fatalf("unexpected decision %+v", failed.Decision)
	}
	if failed.Decision.Attempt != recovery.DefaultMaxRetries+1 {
		t.Fatalf("terminal on attempt %d, want %d", failed.Decision.Attempt, recovery.DefaultMaxRetries+1)
	}
	if backend.Dials() != recovery.DefaultMaxRetries+1 {
		t.Fatalf("expected %d dials, got %d", recovery.DefaultMaxRetries+1, backend.Dials())
	}
	if refreshes.Load() != recovery.DefaultMaxRetries {
		t.Fatalf("expected %d refreshes, got %d", recovery.DefaultMaxRetries, refreshes.Load())
	}

	select {
	case d := <-actions:
		if d.Action != recovery.ActionRelogin {
			t.Fatalf("required action = %s, want relogin", d.Action)
		}
	case <-time.After(time.Second):
		t.Fatal("no required action delivered")
	}
}

func TestRefreshFailureForcesRelogin(t *testing.T) {
	t.Parallel()

	store := credential.NewStore(func(context.Context, domain.Credential) (domain.Credential, error) {
		return domain.Credential{}, errors.New("refresh token revoked")
	}, nil)
	store.Set(alice)

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, store, nil)

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	backend.Drop(recovery.CloseTokenExpired, "token expired")

	waitFor(t, 2*time.Second, func() bool { return m.Status() == domain.StateFailed }, "failed")
	if backend.Dials() != 1 {
		t.Fatalf("expected no redial after refresh failure, got %d dials", backend.Dials())
	}
}

func TestAuthTimeoutExhaustsNetworkBudget(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetAuth(transporttest.IgnoreAuth)
	m, _ := newTestManager(t, backend, nil, func(o *Options) {
		o.AuthTimeout = 30 * time.Millisecond
		o.MaxRetries = 1
	})

	err := m.Connect(testContext(t), alice)
	var failed *FailedError
	if !errors.As(err, &failed) {
		t.Fatalf("Connect = %v, want *FailedError", err)
	}
	if failed.Decision.Action != recovery.ActionNone || failed.Decision.Banner != recovery.NetworkBanner {
		t.Fatalf("unexpected decision %+v", failed.Decision)
	}
	if backend.Dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", backend.Dials())
	}
}

func TestFreshConnectAfterFailure(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetAuth(transporttest.RejectAuth(recovery.CloseForbidden, "forbidden"))
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err == nil {
		t.Fatal("expected forbidden Connect to fail")
	}

	backend.SetAuth(nil)
	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect after failure failed: %v", err)
	}
	if m.Status() != domain.StateConnected {
		t.Fatalf("Status() = %s, want connected", m.Status())
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)

	msg := domain.NewOutboundMessage("alice", domain.MessageChat, "hello", nil)
	if err := m.Send(testContext(t), msg); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Send = %v, want ErrNotConnected", err)
	}
	if len(backend.Received()) != 0 {
		t.Fatal("message reached the backend while idle")
	}
}

func TestSendWaitsForAck(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := domain.NewOutboundMessage("alice", domain.MessageChat, "hello", map[string]any{"screen": "home"})
	if err := m.Send(ctx, msg); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	got := backend.Received()
	if len(got) != 1 || got[0].ID != msg.ID || got[0].Message != "hello" || got[0].SessionID != m.Session().SessionID {
		t.Fatalf("unexpected frames %+v", got)
	}
	if backend.AckCount(msg.ID) != 1 {
		t.Fatalf("expected one ack, got %d", backend.AckCount(msg.ID))
	}
}

func TestSendNack(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetOnMessage(func(env transport.Envelope) (transport.Envelope, bool) {
		return transport.Envelope{Type: transport.TypeNack, ID: env.ID, Reason: "too long", Permanent: true}, true
	})
	m, _ := newTestManager(t, backend, nil, nil)
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	msg := domain.NewOutboundMessage("alice", domain.MessageChat, "hello", nil)
	err := m.Send(ctx, msg)
	var de *DeliveryError
	if !errors.As(err, &de) || !de.Permanent() || de.ID != msg.ID || de.Reason != "too long" {
		t.Fatalf("Send = %v, want permanent DeliveryError", err)
	}
}

func TestSendConnectionLost(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	backend.SetOnMessage(func(transport.Envelope) (transport.Envelope, bool) {
		return transport.Envelope{}, false
	})
	m, _ := newTestManager(t, backend, nil, func(o *Options) {
		o.InitialBackoff = time.Second
		o.MaxBackoff = time.Second
	})
	ctx := testContext(t)

	if err := m.Connect(ctx, alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	errc := make(chan error, 1)
	go func() {
		errc <- m.Send(ctx, domain.NewOutboundMessage("alice", domain.MessageChat, "hello", nil))
	}()
	waitFor(t, time.Second, func() bool { return len(backend.Received()) == 1 }, "message written")

	backend.Drop(recovery.CloseAbnormal, "")
	if err := <-errc; !errors.Is(err, ErrConnectionLost) {
		t.Fatalf("Send = %v, want ErrConnectionLost", err)
	}
}

func TestInboundEventsDeliveredInOrder(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)

	var mu sync.Mutex
	var got []string
	m.OnMessage(func(ev domain.InboundEvent) {
		mu.Lock()
		got = append(got, ev.Type+":"+ev.Content)
		mu.Unlock()
	})

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	backend.Push(transport.Envelope{Type: domain.EventChatResponse, Message: "one"})
	backend.Push(transport.Envelope{Type: "calendar_reminder", Content: "two"})
	backend.Push(transport.Envelope{Type: domain.EventStatus, Message: "three"})

	want := []string{"chat_response:one", "calendar_reminder:two", "status:three"}
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == len(want)
	}, "inbound events")

	mu.Lock()
	defer mu.Unlock()
	if !slices.Equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
}

func TestStatusObserverSeesLatestState(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, nil)

	var mu sync.Mutex
	var seen []domain.ConnectionState
	m.OnStatusChange(func(sc StatusChange) {
		mu.Lock()
		seen = append(seen, sc.To)
		mu.Unlock()
	})

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	m.Disconnect()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == domain.StateClosed
	}, "closed status")

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(seen); i++ {
		if seen[i] == seen[i-1] {
			t.Fatalf("duplicate status delivery %v", seen)
		}
	}
}

func TestProactiveRefreshReauthenticates(t *testing.T) {
	t.Parallel()

	store := credential.NewStore(func(_ context.Context, cur domain.Credential) (domain.Credential, error) {
		return domain.Credential{UserID: cur.UserID, Token: "rotated", ExpiresAt: time.Now().Add(time.Hour)}, nil
	}, nil)
	cred := domain.Credential{UserID: "alice", Token: "short-lived", ExpiresAt: time.Now().Add(2 * time.Second)}
	store.Set(cred)

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, store, func(o *Options) {
		o.RefreshSkew = 1900 * time.Millisecond
	})

	if err := m.Connect(testContext(t), cred); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return len(backend.AuthFrames()) == 2 }, "in-band re-auth")
	if got := backend.AuthFrames()[1].Token; got != "rotated" {
		t.Fatalf("re-auth token = %q, want rotated", got)
	}
	if backend.Dials() != 1 {
		t.Fatalf("proactive refresh redialed: %d dials", backend.Dials())
	}
	waitFor(t, time.Second, func() bool { return m.Session().Token == "rotated" }, "session token")
	if m.Status() != domain.StateConnected {
		t.Fatalf("Status() = %s, want connected", m.Status())
	}
}

func TestKeepaliveFailureReconnects(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m, _ := newTestManager(t, backend, nil, func(o *Options) {
		o.PingInterval = 10 * time.Millisecond
	})

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	backend.Active().FailPings(errors.New("pong not received"))
	waitFor(t, 2*time.Second, func() bool {
		return backend.Dials() == 2 && m.Status() == domain.StateConnected
	}, "reconnect after failed ping")
}

func TestCloseStopsManager(t *testing.T) {
	t.Parallel()

	backend := transporttest.NewBackend()
	m := New(Options{Dialer: backend, PingInterval: -1, RefreshSkew: -1})

	if err := m.Connect(testContext(t), alice); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	conn := backend.Active()

	if err := m.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if err := m.Connect(testContext(t), alice); !errors.Is(err, ErrShutdown) {
		t.Fatalf("Connect after Close = %v, want ErrShutdown", err)
	}
	waitFor(t, time.Second, conn.Closed, "transport closed")
}
