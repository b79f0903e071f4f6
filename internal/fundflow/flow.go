package fundflow

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
)

// DefaultCacheTTL bounds how long a computed answer is served.
const DefaultCacheTTL = 4 * time.Hour

// ShareReader answers per-fund share queries.
type ShareReader interface {
	LatestShare(ctx context.Context, code string) (storage.ShareRecord, bool, error)
	ShareRank(ctx context.Context, code string) (storage.ShareRank, bool, error)
	CountShares(ctx context.Context, code string) (int, error)
}

// QuoteReader looks up the latest quote of a code.
type QuoteReader interface {
	Get(code string) (market.Quote, bool)
}

// Scale is the newest share count and its market value.
type Scale struct {
	// Shares is in 亿份.
	Shares float64 `json:"shares"`
	// Scale is shares times the last price, in 亿元; null without a price.
	Scale      *float64 `json:"scale"`
	UpdateDate string   `json:"update_date"`
	Exchange   string   `json:"exchange"`
}

// Rank places a fund among all funds reported on the same day.
type Rank struct {
	Rank       int     `json:"rank"`
	TotalCount int     `json:"total_count"`
	Percentile float64 `json:"percentile"`
	Category   string  `json:"category"`
}

// FundFlow is the scale report of one fund.
type FundFlow struct {
	Code                string `json:"code"`
	Name                string `json:"name"`
	CurrentScale        Scale  `json:"current_scale"`
	Rank                *Rank  `json:"rank"`
	HistoricalAvailable bool   `json:"historical_available"`
	DataPoints          int    `json:"data_points"`
}

// Service serves fund scale reports through the shared cache.
type Service struct {
	reader ShareReader
	quotes QuoteReader
	store  cache.Store
	ttl    time.Duration
	logger zerolog.Logger
}

// NewService constructs the fund scale query service.
func NewService(reader ShareReader, quotes QuoteReader, store cache.Store, ttl time.Duration, logger zerolog.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Service{
		reader: reader,
		quotes: quotes,
		store:  store,
		ttl:    ttl,
		logger: logger.With().Str("component", "fund_flow").Logger(),
	}
}

// FundFlow returns the report of code, or nil when no shares were ever
// collected for it. Only non-nil answers are cached.
func (s *Service) FundFlow(ctx context.Context, code string, forceRefresh bool) (*FundFlow, error) {
	key := cache.FundFlowKey(code)
	if !forceRefresh && s.store != nil {
		var cached FundFlow
		err := s.store.Get(ctx, key, &cached)
		if err == nil {
			return &cached, nil
		}
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Warn().Err(err).Str("code", code).Msg("fund flow cache read failed")
		}
	}

	flow, err := s.compute(ctx, code)
	if err != nil || flow == nil {
		return nil, err
	}
	if s.store != nil {
		if err := s.store.Set(ctx, key, flow, s.ttl); err != nil {
			s.logger.Warn().Err(err).Str("code", code).Msg("fund flow cache write failed")
		}
	}
	return flow, nil
}

func (s *Service) compute(ctx context.Context, code string) (*FundFlow, error) {
	latest, ok, err := s.reader.LatestShare(ctx, code)
	if err != nil || !ok {
		return nil, err
	}

	flow := &FundFlow{
		Code: code,
		Name: code,
		CurrentScale: Scale{
			Shares:     latest.Shares,
			UpdateDate: latest.Date,
			Exchange:   latest.Exchange,
		},
	}
	if s.quotes != nil {
		if q, ok := s.quotes.Get(code); ok {
			if q.Name != "" {
				flow.Name = q.Name
			}
			if q.Price != nil && *q.Price > 0 {
				v := latest.Shares * *q.Price
				flow.CurrentScale.Scale = &v
			}
		}
	}

	rank, ok, err := s.reader.ShareRank(ctx, code)
	switch {
	case err != nil:
		s.logger.Warn().Err(err).Str("code", code).Msg("share rank failed")
	case ok && rank.Total > 0:
		category := rank.Category
		if category == "" {
			category = "ETF"
		}
		flow.Rank = &Rank{
			Rank:       rank.Rank,
			TotalCount: rank.Total,
			Percentile: market.Round(float64(rank.Total-rank.Rank+1)/float64(rank.Total)*100, 2),
			Category:   category,
		}
	}

	points, err := s.reader.CountShares(ctx, code)
	if err != nil {
		s.logger.Warn().Err(err).Str("code", code).Msg("share count failed")
	}
	flow.DataPoints = points
	flow.HistoricalAvailable = points > 1
	return flow, nil
}
