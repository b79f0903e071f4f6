package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

const (
	insertShareSQL = `INSERT INTO etf_share_history (
        code,
        date,
        shares,
        exchange,
        etf_type
    ) VALUES (
        $1,$2::date,$3,$4,NULLIF($5,'')
    )
    ON CONFLICT (code, date) DO NOTHING;`

	latestShareSQL = `SELECT
        code,
        date::text,
        shares,
        exchange,
        COALESCE(etf_type, ''),
        created_at
    FROM etf_share_history
    WHERE code = $1
    ORDER BY date DESC
    LIMIT 1;`

	// Ranked among funds reported on the code's own latest day.
	shareRankSQL = `WITH latest AS (
        SELECT MAX(date) AS d FROM etf_share_history WHERE code = $1
    ), ranked AS (
        SELECT
            code,
            etf_type,
            RANK() OVER (ORDER BY shares DESC) AS rank,
            COUNT(*) OVER () AS total_count
        FROM etf_share_history
        WHERE date = (SELECT d FROM latest)
    )
    SELECT rank, total_count, COALESCE(etf_type, '')
    FROM ranked
    WHERE code = $1;`

	countSharesSQL = `SELECT COUNT(*) FROM etf_share_history WHERE code = $1;`

	listSharesBetweenSQL = `SELECT
        code,
        date::text,
        shares,
        exchange,
        COALESCE(etf_type, ''),
        created_at
    FROM etf_share_history
    WHERE date BETWEEN $1::date AND $2::date
    ORDER BY date, code;`
)

// ShareStore persists daily share counts.
type ShareStore interface {
	InsertShares(ctx context.Context, records []ShareRecord) (int64, error)
	LatestShare(ctx context.Context, code string) (ShareRecord, bool, error)
	ShareRank(ctx context.Context, code string) (ShareRank, bool, error)
	CountShares(ctx context.Context, code string) (int, error)
	ListSharesBetween(ctx context.Context, from, to string) ([]ShareRecord, error)
}

// InsertShares batches the records and reports how many were new. Rows that
// already exist for (code, date) are left untouched.
func (s *Store) InsertShares(ctx context.Context, records []ShareRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(insertShareSQL, r.Code, r.Date, r.Shares, r.Exchange, r.ETFType)
	}
	results := pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted int64
	for range records {
		tag, execErr := results.Exec()
		if execErr != nil {
			return inserted, fmt.Errorf("insert shares: %w", execErr)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// LatestShare returns the newest record of code.
func (s *Store) LatestShare(ctx context.Context, code string) (ShareRecord, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return ShareRecord{}, false, err
	}

	var rec ShareRecord
	scanErr := pool.QueryRow(ctx, latestShareSQL, code).Scan(
		&rec.Code, &rec.Date, &rec.Shares, &rec.Exchange, &rec.ETFType, &rec.CreatedAt)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ShareRecord{}, false, nil
	}
	if scanErr != nil {
		return ShareRecord{}, false, fmt.Errorf("latest share: %w", scanErr)
	}
	return rec, true, nil
}

// ShareRank ranks code by share count on its latest reported day.
func (s *Store) ShareRank(ctx context.Context, code string) (ShareRank, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return ShareRank{}, false, err
	}

	var rank ShareRank
	scanErr := pool.QueryRow(ctx, shareRankSQL, code).Scan(&rank.Rank, &rank.Total, &rank.Category)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return ShareRank{}, false, nil
	}
	if scanErr != nil {
		return ShareRank{}, false, fmt.Errorf("share rank: %w", scanErr)
	}
	return rank, true, nil
}

// CountShares counts the stored days of code.
func (s *Store) CountShares(ctx context.Context, code string) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var n int
	if scanErr := pool.QueryRow(ctx, countSharesSQL, code).Scan(&n); scanErr != nil {
		return 0, fmt.Errorf("count shares: %w", scanErr)
	}
	return n, nil
}

// ListSharesBetween lists every record with from <= date <= to.
func (s *Store) ListSharesBetween(ctx context.Context, from, to string) ([]ShareRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listSharesBetweenSQL, from, to)
	if queryErr != nil {
		return nil, fmt.Errorf("list shares: %w", queryErr)
	}
	defer rows.Close()

	out := make([]ShareRecord, 0)
	for rows.Next() {
		var rec ShareRecord
		if err := rows.Scan(&rec.Code, &rec.Date, &rec.Shares, &rec.Exchange, &rec.ETFType, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan share: %w", err)
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}
