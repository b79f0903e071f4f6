// Package valuation reports the PE percentile of the index an ETF tracks.
package valuation

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/fetcher"
	"etf-alerts/internal/market"
)

const (
	DefaultCacheTTL    = 12 * time.Hour
	DefaultNegativeTTL = 5 * time.Minute
	// lookbackYears bounds the PE history requested per index.
	lookbackYears = 20
)

// Valuation is the PE position of one index within its own history.
type Valuation struct {
	PE           float64 `json:"pe"`
	PEPercentile float64 `json:"pe_percentile"`
	DistView     string  `json:"dist_view"`
	IndexCode    string  `json:"index_code"`
	IndexName    string  `json:"index_name"`
	DataDate     string  `json:"data_date"`
	HistoryStart string  `json:"history_start"`
	HistoryYears float64 `json:"history_years"`
}

// entry is the cached form; Missing marks a negative answer.
type entry struct {
	Value   *Valuation `json:"value,omitempty"`
	Missing bool       `json:"missing,omitempty"`
}

// Options configure the Service.
type Options struct {
	MapPath     string
	CacheTTL    time.Duration
	NegativeTTL time.Duration
}

// Service maps ETFs to indices and computes index valuations.
type Service struct {
	fetcher fetcher.PEFetcher
	store   cache.Store
	opts    Options
	now     func() time.Time
	logger  zerolog.Logger

	mu      sync.Mutex
	mapping map[string]string
}

// New constructs the valuation service and loads the ETF to index map.
func New(f fetcher.PEFetcher, store cache.Store, opts Options, logger zerolog.Logger) *Service {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.NegativeTTL <= 0 {
		opts.NegativeTTL = DefaultNegativeTTL
	}
	s := &Service{
		fetcher: f,
		store:   store,
		opts:    opts,
		now:     time.Now,
		logger:  logger.With().Str("component", "valuation").Logger(),
	}
	s.mapping = s.loadMapping()
	return s
}

func (s *Service) loadMapping() map[string]string {
	if s.opts.MapPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.opts.MapPath)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", s.opts.MapPath).Msg("etf index map not loaded")
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Error().Err(err).Str("path", s.opts.MapPath).Msg("etf index map is invalid")
		return nil
	}
	s.logger.Info().Int("count", len(m)).Str("path", s.opts.MapPath).Msg("etf index map loaded")
	return m
}

var nonDigits = regexp.MustCompile(`[^0-9]`)

// IndexCode resolves the digits-only index code tracked by etfCode. Hong
// Kong and US indices are not covered.
func (s *Service) IndexCode(etfCode string) (string, bool) {
	s.mu.Lock()
	if len(s.mapping) == 0 {
		s.mapping = s.loadMapping()
	}
	full, ok := s.mapping[etfCode]
	s.mu.Unlock()
	if !ok || strings.Contains(full, "HK") || strings.Contains(full, "US") {
		return "", false
	}
	code := nonDigits.ReplaceAllString(full, "")
	return code, code != ""
}

// Valuation returns the index valuation of etfCode, or nil when the ETF is
// unmapped or the index has no usable PE history. Failures are cached
// briefly so a broken index is not refetched on every request.
func (s *Service) Valuation(ctx context.Context, etfCode string) (*Valuation, error) {
	indexCode, ok := s.IndexCode(etfCode)
	if !ok {
		return nil, nil
	}

	key := cache.ValuationKey(indexCode)
	if s.store != nil {
		var e entry
		err := s.store.Get(ctx, key, &e)
		if err == nil {
			return e.Value, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Str("index", indexCode).Msg("valuation cache read failed")
		}
	}

	now := s.now()
	start := now.AddDate(-lookbackYears, 0, 0).Format(market.DateLayout)
	name, points, err := s.fetcher.FetchPE(ctx, indexCode, start, now.Format(market.DateLayout))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Error().Err(err).Str("index", indexCode).Msg("valuation fetch failed")
		s.remember(ctx, key, entry{Missing: true}, s.opts.NegativeTTL)
		return nil, nil
	}

	v, ok := Compute(indexCode, name, points)
	if !ok {
		s.remember(ctx, key, entry{Missing: true}, s.opts.NegativeTTL)
		return nil, nil
	}
	s.logger.Info().Str("index", indexCode).Float64("pe", v.PE).Float64("percentile", v.PEPercentile).Msg("valuation computed")
	s.remember(ctx, key, entry{Value: v}, s.opts.CacheTTL)
	return v, nil
}

func (s *Service) remember(ctx context.Context, key string, e entry, ttl time.Duration) {
	if s.store == nil {
		return
	}
	if err := s.store.Set(ctx, key, e, ttl); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("valuation cache write failed")
	}
}

// Compute derives the valuation from an ascending PE history. The
// percentile is the share of days strictly cheaper than the latest one.
func Compute(indexCode, name string, points []fetcher.PEPoint) (*Valuation, bool) {
	if len(points) == 0 {
		return nil, false
	}
	first, last := points[0], points[len(points)-1]
	startDay, err1 := time.Parse(market.DateLayout, first.Date)
	endDay, err2 := time.Parse(market.DateLayout, last.Date)
	if err1 != nil || err2 != nil {
		return nil, false
	}

	below := 0
	for _, p := range points {
		if p.PE < last.PE {
			below++
		}
	}
	percentile := float64(below) / float64(len(points)) * 100
	years := market.Round(endDay.Sub(startDay).Hours()/24/365.25, 2)

	if name == "" {
		name = indexCode
	}
	return &Valuation{
		PE:           market.Round(last.PE, 2),
		PEPercentile: market.Round(percentile, 2),
		DistView:     distView(years, percentile),
		IndexCode:    indexCode,
		IndexName:    name,
		DataDate:     last.Date,
		HistoryStart: first.Date,
		HistoryYears: years,
	}, true
}

func distView(years, percentile float64) string {
	switch {
	case years < 1:
		return "参考(短期)"
	case percentile < 30:
		return "低估"
	case percentile > 70:
		return "高估"
	default:
		return "适中"
	}
}
