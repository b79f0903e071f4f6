package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	schemaSQL = `CREATE TABLE IF NOT EXISTS users (
        id         BIGSERIAL PRIMARY KEY,
        username   TEXT NOT NULL UNIQUE,
        is_admin   BOOLEAN NOT NULL DEFAULT FALSE,
        is_active  BOOLEAN NOT NULL DEFAULT TRUE,
        settings   JSONB NOT NULL DEFAULT '{}'::jsonb,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE TABLE IF NOT EXISTS watchlists (
        user_id    BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        etf_code   TEXT NOT NULL,
        etf_name   TEXT NOT NULL DEFAULT '',
        sort_order INTEGER NOT NULL DEFAULT 0,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        PRIMARY KEY (user_id, etf_code)
    );
    CREATE TABLE IF NOT EXISTS alert_history (
        id            BIGSERIAL PRIMARY KEY,
        run_id        UUID NOT NULL,
        user_id       BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
        etf_code      TEXT NOT NULL,
        signal_type   TEXT NOT NULL,
        signal_detail TEXT NOT NULL,
        priority      TEXT NOT NULL,
        delivered     BOOLEAN NOT NULL DEFAULT FALSE,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS alert_history_created_at_idx ON alert_history (created_at);
    CREATE TABLE IF NOT EXISTS etf_share_history (
        id         BIGSERIAL PRIMARY KEY,
        code       TEXT NOT NULL,
        date       DATE NOT NULL,
        shares     DOUBLE PRECISION NOT NULL,
        exchange   TEXT NOT NULL,
        etf_type   TEXT,
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        CONSTRAINT uq_code_date UNIQUE (code, date)
    );
    CREATE INDEX IF NOT EXISTS etf_share_history_date_idx ON etf_share_history (date);`

	// Alerts default to enabled; the Telegram channel must be explicitly verified.
	listSubscribersSQL = `SELECT
        id,
        username,
        COALESCE(settings->'telegram'->>'botToken', ''),
        COALESCE(settings->'telegram'->>'chatId', ''),
        COALESCE(settings->'alerts', '{}'::jsonb)
    FROM users
    WHERE is_active
      AND COALESCE((settings->'alerts'->>'enabled')::boolean, TRUE)
      AND COALESCE((settings->'telegram'->>'enabled')::boolean, FALSE)
      AND COALESCE((settings->'telegram'->>'verified')::boolean, FALSE)
    ORDER BY id;`

	listAdminsSQL = `SELECT
        id,
        username,
        settings->'telegram'->>'botToken',
        settings->'telegram'->>'chatId',
        '{}'::jsonb
    FROM users
    WHERE is_admin
      AND is_active
      AND COALESCE((settings->'telegram'->>'enabled')::boolean, FALSE)
      AND COALESCE((settings->'telegram'->>'verified')::boolean, FALSE)
      AND COALESCE(settings->'telegram'->>'botToken', '') <> ''
      AND COALESCE(settings->'telegram'->>'chatId', '') <> ''
    ORDER BY id;`

	listWatchlistSQL = `SELECT
        user_id,
        etf_code,
        etf_name,
        sort_order,
        created_at
    FROM watchlists
    WHERE user_id = $1
    ORDER BY sort_order, created_at;`

	insertAlertSQL = `INSERT INTO alert_history (
        run_id,
        user_id,
        etf_code,
        signal_type,
        signal_detail,
        priority,
        delivered
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id, created_at;`

	listRecentAlertsSQL = `SELECT
        id,
        run_id::text,
        user_id,
        etf_code,
        signal_type,
        signal_detail,
        priority,
        delivered,
        created_at
    FROM alert_history
    WHERE ($1::bigint = 0 OR user_id = $1::bigint)
    ORDER BY created_at DESC
    LIMIT $2;`

	deleteAlertsBeforeSQL = `DELETE FROM alert_history WHERE created_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SubscriberStore lists alert recipients and their watchlists.
type SubscriberStore interface {
	ListSubscribers(ctx context.Context) ([]Subscriber, error)
	ListWatchlist(ctx context.Context, userID int64) ([]WatchItem, error)
}

// AlertStore defines operations for alert auditing.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	ListRecentAlerts(ctx context.Context, userID int64, limit int) ([]AlertRecord, error)
	DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to users, watchlists and alert history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates missing tables.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Best effort: the lock is released with the session anyway.
		_, _ = conn.Exec(ctxUnlock, advisoryUnlockSQL, key)
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListSubscribers returns users eligible for alert delivery.
func (s *Store) ListSubscribers(ctx context.Context) ([]Subscriber, error) {
	return s.listUsers(ctx, listSubscribersSQL, "list subscribers")
}

// ListAdmins returns active administrators with a verified Telegram channel.
func (s *Store) ListAdmins(ctx context.Context) ([]Subscriber, error) {
	return s.listUsers(ctx, listAdminsSQL, "list admins")
}

func (s *Store) listUsers(ctx context.Context, query, op string) ([]Subscriber, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	users := make([]Subscriber, 0)
	for rows.Next() {
		var (
			sub   Subscriber
			prefs []byte
		)
		if err := rows.Scan(&sub.UserID, &sub.Username, &sub.BotToken, &sub.ChatID, &prefs); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		sub.Preferences = prefs
		users = append(users, sub)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return users, nil
}

// ListWatchlist lists one user's instruments in display order.
func (s *Store) ListWatchlist(ctx context.Context, userID int64) ([]WatchItem, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listWatchlistSQL, userID)
	if queryErr != nil {
		return nil, fmt.Errorf("list watchlist: %w", queryErr)
	}
	defer rows.Close()

	items := make([]WatchItem, 0)
	for rows.Next() {
		var item WatchItem
		if err := rows.Scan(&item.UserID, &item.Code, &item.Name, &item.SortOrder, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan watchlist: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return items, nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.RunID.String(),
		alert.UserID,
		alert.Code,
		alert.SignalType,
		alert.Detail,
		alert.Priority,
		alert.Delivered,
	)

	rec := alert
	if scanErr := row.Scan(&rec.ID, &rec.CreatedAt); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// ListRecentAlerts lists most recent alerts; userID 0 lists every user.
func (s *Store) ListRecentAlerts(ctx context.Context, userID int64, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, userID, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanAlert(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// DeleteAlertsBefore deletes historical alerts and reports how many were removed.
func (s *Store) DeleteAlertsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteAlertsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete alerts before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanAlert(rows pgx.Rows) (AlertRecord, error) {
	var (
		rec   AlertRecord
		runID string
	)
	if err := rows.Scan(
		&rec.ID,
		&runID,
		&rec.UserID,
		&rec.Code,
		&rec.SignalType,
		&rec.Detail,
		&rec.Priority,
		&rec.Delivered,
		&rec.CreatedAt,
	); err != nil {
		return AlertRecord{}, err
	}
	id, err := uuid.Parse(runID)
	if err != nil {
		return AlertRecord{}, fmt.Errorf("parse run id: %w", err)
	}
	rec.RunID = id
	return rec, nil
}

var (
	_ SubscriberStore = (*Store)(nil)
	_ AlertStore      = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
	_ ShareStore      = (*Store)(nil)
)
