package credential

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ashureev/pamlink/internal/domain"
)

const (
	DefaultTokenPath     = "./data/pam-token"
	DefaultRefreshPeriod = 60 * time.Second
)

// FileRefresher returns a RefreshFunc that re-reads the bearer token from path.
// The user ID is taken from the current credential, then from the token's sub claim.
func FileRefresher(path string) RefreshFunc {
	if path == "" {
		path = DefaultTokenPath
	}
	return func(_ context.Context, current domain.Credential) (domain.Credential, error) {
		return readTokenFile(path, current.UserID)
	}
}

// LoadFile reads a credential from path.
func LoadFile(path, userID string) (domain.Credential, error) {
	return readTokenFile(path, userID)
}

func readTokenFile(path, userID string) (domain.Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return domain.Credential{}, ErrNoCredential
	}
	if userID == "" {
		userID = SubjectFromJWT(token)
	}
	if userID == "" {
		return domain.Credential{}, fmt.Errorf("%w: no user id for token in %s", ErrNoCredential, path)
	}
	return domain.Credential{
		UserID:    userID,
		Token:     token,
		ExpiresAt: ExpiryFromJWT(token),
	}, nil
}

// WatchFile keeps store in step with the token file. The file's directory is
// watched so atomic replaces and deletes are seen as they happen; a missing file
// clears the credential (logout). The file is also re-read every period.
func WatchFile(ctx context.Context, store *Store, path, userID string, period time.Duration) error {
	if path == "" {
		path = DefaultTokenPath
	}
	if period <= 0 {
		period = DefaultRefreshPeriod
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create token watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	ticker := time.NewTicker(period)
	go func() {
		defer watcher.Close()
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				store.logger.Debug("token file changed", "path", event.Name, "op", event.Op.String())
				reloadTokenFile(store, path, userID)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				store.logger.Warn("token watcher error", "path", path, "error", err)

			case <-ticker.C:
				reloadTokenFile(store, path, userID)
			}
		}
	}()
	store.logger.Debug("token file watcher started", "path", path, "period", period)
	return nil
}

func reloadTokenFile(store *Store, path, userID string) {
	cred, err := readTokenFile(path, userID)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			store.Clear()
			return
		}
		store.logger.Warn("failed to re-read token file", "path", path, "error", err)
		return
	}
	store.Set(cred)
}
