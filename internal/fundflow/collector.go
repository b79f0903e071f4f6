// Package fundflow collects daily exchange share reports, answers per-fund
// scale queries and archives the share history as monthly CSV files.
package fundflow

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/fetcher"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
)

// sharesPerYi converts 份 to 亿份.
const sharesPerYi = 1e8

// ShareWriter persists collected records.
type ShareWriter interface {
	InsertShares(ctx context.Context, records []storage.ShareRecord) (int64, error)
}

// ShareLister reads a date range for archiving.
type ShareLister interface {
	ListSharesBetween(ctx context.Context, from, to string) ([]storage.ShareRecord, error)
}

// CollectResult summarises one collection pass.
type CollectResult struct {
	Success   bool   `json:"success"`
	Collected int    `json:"collected"`
	Failed    int    `json:"failed"`
	Message   string `json:"message"`
}

// CollectorOptions configure the Collector.
type CollectorOptions struct {
	Location  *time.Location
	BackupDir string
}

// Collector pulls every exchange's share report into the share history.
type Collector struct {
	fetchers []fetcher.ShareFetcher
	writer   ShareWriter
	lister   ShareLister
	opts     CollectorOptions
	now      func() time.Time
	logger   zerolog.Logger
}

// NewCollector wires the exchange fetchers to the share store.
func NewCollector(fetchers []fetcher.ShareFetcher, store storage.ShareStore, opts CollectorOptions, logger zerolog.Logger) *Collector {
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Collector{
		fetchers: fetchers,
		writer:   store,
		lister:   store,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "share_collector").Logger(),
	}
}

// Collect fetches every exchange and stores the new rows. An exchange that
// fails counts toward Failed and does not stop the others.
func (c *Collector) Collect(ctx context.Context) (CollectResult, error) {
	c.logger.Info().Msg("starting daily share collection")
	today := c.now().In(c.opts.Location).Format(market.DateLayout)

	var (
		result CollectResult
		counts = make([]int, len(c.fetchers))
	)
	for i, f := range c.fetchers {
		rows, err := f.FetchShares(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return result, ctx.Err()
			}
			result.Failed++
			c.logger.Error().Err(err).Str("exchange", f.Exchange()).Msg("share fetch failed")
			continue
		}
		records := c.toRecords(f.Exchange(), rows, today)
		n, err := c.writer.InsertShares(ctx, records)
		if err != nil {
			result.Failed++
			c.logger.Error().Err(err).Str("exchange", f.Exchange()).Msg("share insert failed")
			continue
		}
		counts[i] = int(n)
		result.Collected += int(n)
		c.logger.Info().Str("exchange", f.Exchange()).Int("fetched", len(rows)).Int64("saved", n).Msg("shares saved")
	}

	result.Success = result.Collected > 0
	result.Message = fmt.Sprintf("Collected %d records", result.Collected)
	if len(c.fetchers) > 0 {
		result.Message += " ("
		for i, f := range c.fetchers {
			if i > 0 {
				result.Message += ", "
			}
			result.Message += fmt.Sprintf("%s: %d", f.Exchange(), counts[i])
		}
		result.Message += ")"
	}
	if result.Failed > 0 {
		result.Message += fmt.Sprintf(", %d exchange(s) failed", result.Failed)
	}
	c.logger.Info().Msg(result.Message)
	return result, nil
}

// toRecords converts to 亿份 and drops rows without a positive share count.
func (c *Collector) toRecords(exchange string, rows []fetcher.ShareRow, today string) []storage.ShareRecord {
	out := make([]storage.ShareRecord, 0, len(rows))
	var invalid []string
	for _, r := range rows {
		if math.IsNaN(r.Shares) || r.Shares <= 0 {
			invalid = append(invalid, r.Code)
			continue
		}
		date := r.Date
		if date == "" {
			date = today
		}
		out = append(out, storage.ShareRecord{
			Code:     r.Code,
			Date:     date,
			Shares:   r.Shares / sharesPerYi,
			Exchange: exchange,
			ETFType:  r.ETFType,
		})
	}
	if len(invalid) > 0 {
		sample := invalid
		if len(sample) > 10 {
			sample = sample[:10]
		}
		c.logger.Warn().Str("exchange", exchange).Int("count", len(invalid)).Strs("codes", sample).Msg("invalid share counts skipped")
	}
	return out
}
