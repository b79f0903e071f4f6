package history

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/market"
)

// DefaultTTL bounds how long fetched history is served from cache.
const DefaultTTL = 5 * time.Minute

const periodDaily = "daily"

// Fetcher is the failover history reader.
type Fetcher interface {
	FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error)
}

// QuoteSource supplies realtime quotes.
type QuoteSource interface {
	Ensure(ctx context.Context) error
	Get(code string) (market.Quote, bool)
}

// Options configure the history service.
type Options struct {
	TTL      time.Duration
	Location *time.Location
	// SessionClose is the end of trading as an offset from local midnight.
	SessionClose time.Duration
}

// Series is a history read plus whether its last bar is a partial trading
// day, either patched from a live quote or served by upstream mid-session.
type Series struct {
	Bars     market.Series
	Realtime bool
}

// Service reads daily history through the persistent cache and patches it
// with live quotes on request.
type Service struct {
	fetcher Fetcher
	store   cache.Store
	quotes  QuoteSource
	opts    Options
	logger  zerolog.Logger
	now     func() time.Time
	group   singleflight.Group
}

// New wires the service. quotes may be nil when realtime patching is not needed.
func New(fetcher Fetcher, store cache.Store, quotes QuoteSource, opts Options, logger zerolog.Logger) *Service {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Service{
		fetcher: fetcher,
		store:   store,
		quotes:  quotes,
		opts:    opts,
		logger:  logger.With().Str("component", "history").Logger(),
		now:     time.Now,
	}
}

// Raw returns the full daily history for code. Concurrent callers for the same
// key share one upstream fetch. When every source fails the last good copy is
// served.
func (s *Service) Raw(ctx context.Context, code string, adjust market.Adjust) (market.Series, error) {
	key := cache.HistoryKey(code, periodDaily, string(adjust))

	var cached market.Series
	err := s.store.Get(ctx, key, &cached)
	switch {
	case err == nil && len(cached) > 0:
		s.logger.Debug().Str("code", code).Msg("history cache hit")
		return cached.Clone(), nil
	case err != nil && !errors.Is(err, cache.ErrNotFound):
		s.logger.Warn().Err(err).Str("key", key).Msg("history cache read failed")
	}

	v, err, _ := s.group.Do(key, func() (any, error) {
		return s.fetch(ctx, code, adjust, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(market.Series).Clone(), nil
}

func (s *Service) fetch(ctx context.Context, code string, adjust market.Adjust, key string) (market.Series, error) {
	series, err := s.fetcher.FetchHistory(ctx, code, "", "", adjust)
	if err == nil && len(series) > 0 {
		if werr := s.store.Set(ctx, key, series, s.opts.TTL); werr != nil {
			s.logger.Warn().Err(werr).Str("key", key).Msg("history cache write failed")
		}
		if werr := s.store.Set(ctx, cache.StaleHistoryKey(code, periodDaily, string(adjust)), series, 0); werr != nil {
			s.logger.Warn().Err(werr).Str("key", key).Msg("stale history write failed")
		}
		return series, nil
	}
	if err == nil {
		err = fmt.Errorf("no history for %s", code)
	}

	var stale market.Series
	if serr := s.store.Get(ctx, cache.StaleHistoryKey(code, periodDaily, string(adjust)), &stale); serr == nil && len(stale) > 0 {
		s.logger.Warn().Err(err).Str("code", code).Str("last_date", stale.LastDate()).Msg("serving stale history")
		return stale, nil
	}
	return nil, err
}

// WithRealtime returns Raw history with today's bar patched from the live
// quote. The cached series is never modified.
func (s *Service) WithRealtime(ctx context.Context, code string, adjust market.Adjust) (Series, error) {
	bars, err := s.Raw(ctx, code, adjust)
	if err != nil {
		return Series{}, err
	}
	now := s.now().In(s.opts.Location)
	out := Series{Bars: bars, Realtime: s.Intraday(bars)}
	if s.quotes == nil || len(bars) == 0 {
		return out, nil
	}
	if err := s.quotes.Ensure(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("quote snapshot unavailable")
	}
	quote, ok := s.quotes.Get(code)
	if !ok || quote.Price == nil || *quote.Price <= 0 {
		return out, nil
	}
	if wd := now.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return out, nil
	}
	patched, changed := PatchToday(bars, market.Today(now, s.opts.Location), *quote.Price)
	return Series{Bars: patched, Realtime: changed || out.Realtime}, nil
}

// Intraday reports whether bars ends with today's bar before the session close.
func (s *Service) Intraday(bars market.Series) bool {
	return s.Session().Intraday(bars.LastDate(), s.now())
}

// Session returns the trading session the service judges partial days by.
func (s *Service) Session() market.Session {
	return market.Session{Location: s.opts.Location, Close: s.opts.SessionClose}
}

// PatchToday overwrites today's close (widening high/low) or appends a flat
// synthetic bar for today. bars must be owned by the caller.
func PatchToday(bars market.Series, today string, price float64) (market.Series, bool) {
	last, ok := bars.Last()
	if !ok {
		return bars, false
	}
	switch {
	case last.Date == today:
		last.Close = price
		last.High = math.Max(last.High, price)
		last.Low = math.Min(last.Low, price)
		bars[len(bars)-1] = last
		return bars, true
	case last.Date < today:
		return append(bars, market.Bar{Date: today, Open: price, High: price, Low: price, Close: price}), true
	default:
		return bars, false
	}
}

// Invalidate drops the fresh cache entry for code so the next read refetches.
func (s *Service) Invalidate(ctx context.Context, code string, adjust market.Adjust) error {
	return s.store.Delete(ctx, cache.HistoryKey(code, periodDaily, string(adjust)))
}
