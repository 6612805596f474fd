// Package credential provides the identity and bearer token used to authenticate
// the assistant connection.
package credential

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
)

// Source supplies the current credential and notifies observers when it changes.
type Source interface {
	// Current returns the current credential, if any.
	Current() (domain.Credential, bool)

	// Refresh obtains a new token for the current identity.
	Refresh(ctx context.Context) (domain.Credential, error)

	// Subscribe registers fn for credential changes. ok is false when the
	// credential was cleared (logout). The returned func unsubscribes.
	Subscribe(fn func(cred domain.Credential, ok bool)) func()

	// ExpiresWithin reports whether the current credential expires within d.
	// Credentials without a known expiry never do.
	ExpiresWithin(d time.Duration) bool
}

// RefreshFunc exchanges the current credential for a new one.
type RefreshFunc func(ctx context.Context, current domain.Credential) (domain.Credential, error)

// Store is an in-memory Source. It is the single writer of token state.
type Store struct {
	mu      sync.RWMutex
	cred    domain.Credential
	ok      bool
	subs    map[int]func(domain.Credential, bool)
	nextSub int

	refreshMu sync.Mutex
	refresh   RefreshFunc
	logger    *slog.Logger
}

// NewStore creates a store. refresh may be nil, in which case Refresh fails.
func NewStore(refresh RefreshFunc, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		subs:    make(map[int]func(domain.Credential, bool)),
		refresh: refresh,
		logger:  logger,
	}
}

// Current returns the current credential.
func (s *Store) Current() (domain.Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.ok
}

// Set replaces the credential and notifies subscribers if it changed.
func (s *Store) Set(cred domain.Credential) {
	s.mu.Lock()
	if s.ok && s.cred.Equal(cred) {
		s.mu.Unlock()
		return
	}
	s.cred = cred
	s.ok = true
	subs := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("credential updated", "user_id", cred.UserID, "expires_at", cred.ExpiresAt)
	for _, fn := range subs {
		fn(cred, true)
	}
}

// Clear removes the credential and notifies subscribers.
func (s *Store) Clear() {
	s.mu.Lock()
	if !s.ok {
		s.mu.Unlock()
		return
	}
	s.cred = domain.Credential{}
	s.ok = false
	subs := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug("credential cleared")
	for _, fn := range subs {
		fn(domain.Credential{}, false)
	}
}

// Refresh runs the refresh function. Concurrent callers are serialized so a
// single refresh is in flight at a time.
func (s *Store) Refresh(ctx context.Context) (domain.Credential, error) {
	if s.refresh == nil {
		return domain.Credential{}, ErrNoRefresher
	}

	s.refreshMu.Lock()
	defer s.refreshMu.Unlock()

	current, ok := s.Current()
	if !ok {
		return domain.Credential{}, ErrNoCredential
	}

	next, err := s.refresh(ctx, current)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	if !next.HasIdentity() {
		return domain.Credential{}, fmt.Errorf("%w: refresher returned an empty credential", ErrRefreshFailed)
	}
	if next.ExpiresAt.IsZero() {
		next.ExpiresAt = ExpiryFromJWT(next.Token)
	}

	s.Set(next)
	return next, nil
}

// Subscribe registers fn for credential changes.
func (s *Store) Subscribe(fn func(domain.Credential, bool)) func() {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Store) snapshotLocked() []func(domain.Credential, bool) {
	subs := make([]func(domain.Credential, bool), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	return subs
}

// ExpiresWithin reports whether the current credential expires within d.
func (s *Store) ExpiresWithin(d time.Duration) bool {
	cred, ok := s.Current()
	if !ok || cred.ExpiresAt.IsZero() {
		return false
	}
	return time.Until(cred.ExpiresAt) < d
}

var _ Source = (*Store)(nil)
