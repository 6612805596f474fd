package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/pamlink/internal/domain"
	"github.com/ashureev/pamlink/internal/shared"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sql.DB
	writeMu sync.Mutex // Serializes writers to keep SQLITE_BUSY rare
}

// NewSQLite opens (or creates) the outbox database at dbPath.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := "file:" + dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS outbox_messages (
		id TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		content TEXT NOT NULL,
		context_json TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		UNIQUE(owner, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_outbox_created ON outbox_messages(created_at);

	CREATE TABLE IF NOT EXISTS outbox_sequences (
		owner TEXT PRIMARY KEY,
		last_seq INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs fn, retrying with exponential backoff on SQLITE_BUSY and
// "database is locked" errors.
func (s *SQLiteStore) withRetry(ctx context.Context, op string, fn func() error) error {
	const maxRetries = 3
	baseDelay := 50 * time.Millisecond

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := baseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("outbox store busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s after %d attempts: %w", op, maxRetries, err)
}

// Append stores msg and assigns the owner's next sequence number.
func (s *SQLiteStore) Append(ctx context.Context, msg *domain.OutboundMessage) error {
	if msg.Owner == "" {
		return ErrNoOwner
	}

	var contextJSON any
	if msg.Context != nil {
		raw, err := json.Marshal(msg.Context)
		if err != nil {
			return fmt.Errorf("encode message context: %w", err)
		}
		contextJSON = string(raw)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := s.withRetry(ctx, "append message", func() error {
		seq, err := s.appendOnce(ctx, msg, contextJSON)
		if err != nil {
			return err
		}
		msg.Seq = seq
		return nil
	})
	if shared.IsSQLiteConstraintError(err) {
		return ErrDuplicate
	}
	return err
}

func (s *SQLiteStore) appendOnce(ctx context.Context, msg *domain.OutboundMessage, contextJSON any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO outbox_sequences (owner, last_seq) VALUES (?, 1)
		ON CONFLICT(owner) DO UPDATE SET last_seq = outbox_sequences.last_seq + 1
		RETURNING last_seq`, msg.Owner).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, owner, seq, type, content, context_json, attempts, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.Owner, seq, string(msg.Type), msg.Content, contextJSON,
		msg.Attempts, msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("insert message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return seq, nil
}

const selectMessage = `
	SELECT id, owner, seq, type, content, context_json, attempts, created_at
	FROM outbox_messages`

// Pending returns the owner's messages in sequence order.
func (s *SQLiteStore) Pending(ctx context.Context, owner string) ([]*domain.OutboundMessage, error) {
	return s.query(ctx, selectMessage+` WHERE owner = ? ORDER BY seq`, owner)
}

// OlderThan returns messages created before cutoff.
func (s *SQLiteStore) OlderThan(ctx context.Context, cutoff time.Time) ([]*domain.OutboundMessage, error) {
	return s.query(ctx, selectMessage+` WHERE created_at < ? ORDER BY owner, seq`, cutoff.UnixMilli())
}

func (s *SQLiteStore) query(ctx context.Context, query string, args ...any) ([]*domain.OutboundMessage, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close outbox rows", "error", closeErr)
		}
	}()

	var out []*domain.OutboundMessage
	for rows.Next() {
		var msg domain.OutboundMessage
		var typ string
		var contextJSON sql.NullString
		var createdAt int64

		if err := rows.Scan(
			&msg.ID, &msg.Owner, &msg.Seq, &typ, &msg.Content,
			&contextJSON, &msg.Attempts, &createdAt,
		); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}

		msg.Type = domain.MessageType(typ)
		msg.CreatedAt = time.UnixMilli(createdAt)
		if contextJSON.Valid && contextJSON.String != "" {
			if err := json.Unmarshal([]byte(contextJSON.String), &msg.Context); err != nil {
				return nil, fmt.Errorf("decode context of message %s: %w", msg.ID, err)
			}
		}
		out = append(out, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

// IncrementAttempts records a failed attempt.
func (s *SQLiteStore) IncrementAttempts(ctx context.Context, id string) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var attempts int
	err := s.withRetry(ctx, "increment attempts", func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE outbox_messages SET attempts = attempts + 1 WHERE id = ? RETURNING attempts`, id,
		).Scan(&attempts)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// Remove deletes a message.
func (s *SQLiteStore) Remove(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return s.withRetry(ctx, "remove message", func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM outbox_messages WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete message: %w", err)
		}
		return nil
	})
}

// Len returns the owner's queue length.
func (s *SQLiteStore) Len(ctx context.Context, owner string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox_messages WHERE owner = ?`, owner).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
