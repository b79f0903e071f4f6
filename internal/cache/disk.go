package cache

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

const (
	diskSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB    NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
)`

	diskGetSQL = `SELECT value, expires_at FROM kv WHERE key = ?`

	diskSetSQL = `
INSERT INTO kv (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`

	diskDeleteSQL = `DELETE FROM kv WHERE key = ?`

	diskDeletePrefixSQL = `DELETE FROM kv WHERE substr(key, 1, ?) = ?`

	diskPurgeSQL = `DELETE FROM kv WHERE expires_at > 0 AND expires_at <= ?`
)

// DiskOptions configures the sqlite-backed store.
type DiskOptions struct {
	Path string
}

// DiskStore is a Store persisted in a single sqlite file.
type DiskStore struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time
}

// NewDiskStore opens (creating if needed) the sqlite cache file in WAL mode.
func NewDiskStore(opts DiskOptions, logger zerolog.Logger) (*DiskStore, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("cache.path is required")
	}
	db, err := sql.Open("sqlite3", opts.Path+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache: %w", err)
	}
	// Single connection serialises writers; sqlite allows only one at a time anyway.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(diskSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	store := &DiskStore{
		db:     db,
		logger: logger.With().Str("component", "disk_cache").Logger(),
		now:    time.Now,
	}
	store.logger.Debug().Str("path", opts.Path).Msg("disk cache opened")
	return store, nil
}

// Get decodes the value at key into dest.
func (s *DiskStore) Get(ctx context.Context, key string, dest any) error {
	var (
		raw       []byte
		expiresAt int64
	)
	err := s.db.QueryRowContext(ctx, diskGetSQL, key).Scan(&raw, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	if expiresAt > 0 && expiresAt <= s.now().UnixMilli() {
		if _, err := s.db.ExecContext(ctx, diskDeleteSQL, key); err != nil {
			s.logger.Debug().Err(err).Str("key", key).Msg("drop expired entry failed")
		}
		return ErrNotFound
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("cache decode %s: %w", key, err)
	}
	return nil
}

// Set stores value under key. A zero ttl never expires.
func (s *DiskStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if _, err := s.db.ExecContext(ctx, diskSetSQL, key, raw, s.expiry(ttl)); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Delete removes key; missing keys are not an error.
func (s *DiskStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, diskDeleteSQL, key); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// DeletePrefix removes every key beginning with prefix.
func (s *DiskStore) DeletePrefix(ctx context.Context, prefix string) error {
	if prefix == "" {
		return fmt.Errorf("cache delete prefix: empty prefix")
	}
	if _, err := s.db.ExecContext(ctx, diskDeletePrefixSQL, len(prefix), prefix); err != nil {
		return fmt.Errorf("cache delete prefix %s: %w", prefix, err)
	}
	return nil
}

// Incr increments the integer at key inside a transaction. The ttl applies
// only when the counter is created.
func (s *DiskStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("cache incr %s: begin: %w", key, err)
	}
	defer tx.Rollback()

	var (
		raw       []byte
		expiresAt int64
		current   int64
	)
	err = tx.QueryRowContext(ctx, diskGetSQL, key).Scan(&raw, &expiresAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		expiresAt = s.expiry(ttl)
	case err != nil:
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	case expiresAt > 0 && expiresAt <= s.now().UnixMilli():
		expiresAt = s.expiry(ttl)
	default:
		if err := json.Unmarshal(raw, &current); err != nil {
			return 0, fmt.Errorf("cache incr %s: value is not an integer: %w", key, err)
		}
	}

	current++
	encoded, _ := json.Marshal(current)
	if _, err := tx.ExecContext(ctx, diskSetSQL, key, encoded, expiresAt); err != nil {
		return 0, fmt.Errorf("cache incr %s: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("cache incr %s: commit: %w", key, err)
	}
	return current, nil
}

// Purge deletes expired rows and reports how many were removed.
func (s *DiskStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, diskPurgeSQL, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cache purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close releases the database handle.
func (s *DiskStore) Close() error {
	return s.db.Close()
}

func (s *DiskStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

var _ Store = (*DiskStore)(nil)
