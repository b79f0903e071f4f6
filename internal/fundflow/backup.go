package fundflow

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"etf-alerts/internal/market"
)

var backupHeader = []string{"code", "date", "shares", "exchange", "etf_type", "created_at"}

// BackupResult describes one written archive.
type BackupResult struct {
	Path  string
	Rows  int
	Bytes int64
}

// countingWriter tracks the archive size.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// ExportCSV writes every record with from <= date <= to. An empty range
// still produces the header row.
func (c *Collector) ExportCSV(ctx context.Context, w io.Writer, from, to string) (int, error) {
	records, err := c.lister.ListSharesBetween(ctx, from, to)
	if err != nil {
		return 0, err
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(backupHeader); err != nil {
		return 0, err
	}
	for _, r := range records {
		created := ""
		if !r.CreatedAt.IsZero() {
			created = r.CreatedAt.UTC().Format(time.RFC3339)
		}
		record := []string{
			r.Code,
			r.Date,
			strconv.FormatFloat(r.Shares, 'f', -1, 64),
			r.Exchange,
			r.ETFType,
			created,
		}
		if err := writer.Write(record); err != nil {
			return 0, err
		}
	}
	writer.Flush()
	return len(records), writer.Error()
}

// BackupMonth archives one calendar month to etf_share_history_YYYY-MM.csv
// under the backup directory, replacing an earlier archive of that month.
func (c *Collector) BackupMonth(ctx context.Context, year int, month time.Month) (BackupResult, error) {
	if month < time.January || month > time.December {
		return BackupResult{}, fmt.Errorf("invalid month %d", month)
	}
	first := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
	last := first.AddDate(0, 1, -1)

	if err := os.MkdirAll(c.opts.BackupDir, 0o755); err != nil {
		return BackupResult{}, err
	}
	path := filepath.Join(c.opts.BackupDir, fmt.Sprintf("etf_share_history_%04d-%02d.csv", year, int(month)))
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return BackupResult{}, err
	}
	counter := &countingWriter{w: file}
	rows, err := c.ExportCSV(ctx, counter, first.Format(market.DateLayout), last.Format(market.DateLayout))
	if closeErr := file.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(tmp)
		return BackupResult{}, fmt.Errorf("export %04d-%02d: %w", year, int(month), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return BackupResult{}, err
	}

	c.logger.Info().Str("path", path).Int("rows", rows).Int64("bytes", counter.n).Msg("monthly share backup saved")
	return BackupResult{Path: path, Rows: rows, Bytes: counter.n}, nil
}
