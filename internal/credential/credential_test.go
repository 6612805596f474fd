package credential

import (
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
)

func makeJWT(t *testing.T, claims string) string {
	t.Helper()
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString([]byte(claims)) + ".sig"
}

func TestStoreNotifiesSubscribers(t *testing.T) {
	t.Parallel()

	s := NewStore(nil, nil)
	var mu sync.Mutex
	var got []bool
	unsubscribe := s.Subscribe(func(_ domain.Credential, ok bool) {
		mu.Lock()
		got = append(got, ok)
		mu.Unlock()
	})

	cred := domain.Credential{UserID: "u1", Token: "t1"}
	s.Set(cred)
	s.Set(cred) // unchanged, no notification
	s.Clear()
	unsubscribe()
	s.Set(cred)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != true || got[1] != false {
		t.Fatalf("unexpected notifications: %v", got)
	}
}

func TestStoreRefreshReplacesCredential(t *testing.T) {
	t.Parallel()

	calls := 0
	s := NewStore(func(_ context.Context, cur domain.Credential) (domain.Credential, error) {
		calls++
		return domain.Credential{UserID: cur.UserID, Token: "fresh"}, nil
	}, nil)
	s.Set(domain.Credential{UserID: "u1", Token: "stale"})

	cred, err := s.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if cred.Token != "fresh" || calls != 1 {
		t.Fatalf("unexpected refresh result %+v calls=%d", cred, calls)
	}
	if cur, _ := s.Current(); cur.Token != "fresh" {
		t.Fatalf("store not updated: %+v", cur)
	}
}

func TestStoreRefreshErrors(t *testing.T) {
	t.Parallel()

	if _, err := NewStore(nil, nil).Refresh(context.Background()); !errors.Is(err, ErrNoRefresher) {
		t.Fatalf("expected ErrNoRefresher, got %v", err)
	}

	boom := errors.New("boom")
	s := NewStore(func(context.Context, domain.Credential) (domain.Credential, error) {
		return domain.Credential{}, boom
	}, nil)
	if _, err := s.Refresh(context.Background()); !errors.Is(err, ErrNoCredential) {
		t.Fatalf("expected ErrNoCredential without identity, got %v", err)
	}

	s.Set(domain.Credential{UserID: "u", Token: "t"})
	_, err := s.Refresh(context.Background())
	if !errors.Is(err, ErrRefreshFailed) || !errors.Is(err, boom) {
		t.Fatalf("expected wrapped refresh failure, got %v", err)
	}
}

func TestExpiryFromJWT(t *testing.T) {
	t.Parallel()

	token := makeJWT(t, `{"sub":"user-9","exp":1700000000}`)
	if got := ExpiryFromJWT(token); !got.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("ExpiryFromJWT = %v", got)
	}
	if got := SubjectFromJWT(token); got != "user-9" {
		t.Fatalf("SubjectFromJWT = %q", got)
	}
	if got := ExpiryFromJWT("opaque-token"); !got.IsZero() {
		t.Fatalf("expected zero expiry for opaque token, got %v", got)
	}
	if got := ExpiryFromJWT(makeJWT(t, `{"sub":"user-9"}`)); !got.IsZero() {
		t.Fatalf("expected zero expiry without exp claim, got %v", got)
	}
}

func TestExpiryFromJWTLenientEncoding(t *testing.T) {
	t.Parallel()

	enc := base64.URLEncoding
	padded := enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." +
		enc.EncodeToString([]byte(`{"sub":"user-7","exp":1700000000.0}`)) + ".sig"
	if got := ExpiryFromJWT(padded); !got.Equal(time.Unix(1700000000, 0)) {
		t.Fatalf("ExpiryFromJWT(padded, float exp) = %v", got)
	}
	if got := SubjectFromJWT(padded); got != "user-7" {
		t.Fatalf("SubjectFromJWT(padded) = %q", got)
	}

	raw := base64.RawURLEncoding
	unknownAlg := raw.EncodeToString([]byte(`{"alg":"XYZ"}`)) + "." + raw.EncodeToString([]byte(`{"sub":"user-8"}`)) + ".sig"
	if got := SubjectFromJWT(unknownAlg); got != "user-8" {
		t.Fatalf("SubjectFromJWT(unknown alg) = %q", got)
	}
}

func TestFileRefresher(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	token := makeJWT(t, `{"sub":"user-9","exp":4102444800}`)
	if err := os.WriteFile(path, []byte(token+"\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	cred, err := FileRefresher(path)(context.Background(), domain.Credential{})
	if err != nil {
		t.Fatalf("refresh from file failed: %v", err)
	}
	if cred.UserID != "user-9" || cred.Token != token || cred.ExpiresAt.IsZero() {
		t.Fatalf("unexpected credential: %+v", cred)
	}
}

func waitForCredential(t *testing.T, s *Store, what string, cond func(domain.Credential, bool) bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond(s.Current()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	cred, ok := s.Current()
	t.Fatalf("timed out waiting for %s: credential=%+v present=%v", what, cred, ok)
}

func TestWatchFileFollowsRotationAndLogout(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "token")
	first := makeJWT(t, `{"sub":"user-9","exp":4102444800}`)
	if err := os.WriteFile(path, []byte(first), 0o600); err != nil {
		t.Fatal(err)
	}
	s := NewStore(nil, nil)
	cred, err := LoadFile(path, "")
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	s.Set(cred)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	// The poll period is far longer than the test, so only file events can act.
	if err := WatchFile(ctx, s, path, "", time.Hour); err != nil {
		t.Fatalf("WatchFile failed: %v", err)
	}

	second := makeJWT(t, `{"sub":"user-9","exp":4102448400}`)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(second), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatal(err)
	}
	waitForCredential(t, s, "rotated token", func(c domain.Credential, ok bool) bool {
		return ok && c.Token == second
	})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	waitForCredential(t, s, "logout", func(_ domain.Credential, ok bool) bool { return !ok })

	if err := os.WriteFile(path, []byte(first), 0o600); err != nil {
		t.Fatal(err)
	}
	waitForCredential(t, s, "login", func(c domain.Credential, ok bool) bool {
		return ok && c.Token == first && c.UserID == "user-9"
	})
}

func TestWatchFileMissingDirectory(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing", "token")
	if err := WatchFile(context.Background(), NewStore(nil, nil), path, "", time.Hour); err == nil {
		t.Fatal("expected an error watching a missing directory")
	}
}

func TestStoreExpiresWithin(t *testing.T) {
	t.Parallel()

	s := NewStore(nil, nil)
	if s.ExpiresWithin(time.Hour) {
		t.Fatal("empty store reports an expiring credential")
	}
	s.Set(domain.Credential{UserID: "u", Token: "opaque"})
	if s.ExpiresWithin(time.Hour) {
		t.Fatal("credential without expiry reports expiring")
	}
	s.Set(domain.Credential{UserID: "u", Token: "t", ExpiresAt: time.Now().Add(time.Minute)})
	if !s.ExpiresWithin(time.Hour) || s.ExpiresWithin(time.Second) {
		t.Fatal("ExpiresWithin disagrees with a one minute expiry")
	}
	s.Set(domain.Credential{UserID: "u", Token: "t", ExpiresAt: time.Now().Add(-time.Minute)})
	if !s.ExpiresWithin(0) {
		t.Fatal("expired credential not reported as expiring")
	}
}
