// Package indicache wraps the indicator engines with date-aware caching.
//
// A cached result is reused while the series' last trading day is unchanged.
// Realtime calls, and any series whose last bar is today while the session is
// still open, are computed fresh and never written back so partial-day values
// do not poison the cache.
package indicache

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

type entry[T any] struct {
	LastDate       string              `json:"last_date"`
	YesterdayClose *float64            `json:"yesterday_close,omitempty"`
	YesterdayMA    *indicator.MAValues `json:"yesterday_ma,omitempty"`
	Result         *T                  `json:"result"`
}

// Request describes one wrapped computation.
type Request struct {
	Code   string
	Series market.Series
	// Realtime marks a series whose last bar came from a live quote.
	Realtime bool
	// Force skips the cache read.
	Force bool
}

type cached[T any] struct {
	store   cache.Store
	session market.Session
	logger  zerolog.Logger
	now     func() time.Time
}

func newCached[T any](store cache.Store, session market.Session, logger zerolog.Logger) cached[T] {
	return cached[T]{store: store, session: session, logger: logger, now: time.Now}
}

func (c cached[T]) do(ctx context.Context, key string, req Request, compute func(market.Series) *T, decorate func(*entry[T])) *T {
	lastDate := req.Series.LastDate()
	if lastDate == "" {
		c.logger.Warn().Str("code", req.Code).Msg("empty series, nothing to compute")
		return nil
	}
	if !req.Realtime && c.session.Intraday(lastDate, c.now()) {
		req.Realtime = true
	}

	if !req.Force {
		var e entry[T]
		err := c.store.Get(ctx, key, &e)
		switch {
		case err == nil && market.IsSameTradingDay(lastDate, e.LastDate) == market.DaySame && e.Result != nil:
			if !req.Realtime {
				c.logger.Debug().Str("code", req.Code).Msg("cache hit")
				return e.Result
			}
			c.logger.Debug().Str("code", req.Code).Msg("intraday compute without cache write")
			return compute(req.Series)
		case err != nil && !errors.Is(err, cache.ErrNotFound):
			c.logger.Warn().Err(err).Str("key", key).Msg("cache read failed")
		}
	}

	c.logger.Debug().Str("code", req.Code).Bool("force", req.Force).Msg("computing")
	result := compute(req.Series)
	if result == nil || req.Realtime {
		return result
	}

	e := entry[T]{LastDate: lastDate, Result: result}
	if decorate != nil {
		decorate(&e)
	}
	if err := c.store.Set(ctx, key, e, 0); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return result
}

// Trend caches daily and weekly trend results.
type Trend struct {
	engine *indicator.Engine
	daily  cached[indicator.DailyTrend]
	weekly cached[indicator.WeeklyTrend]
}

// NewTrend wires the trend wrapper.
func NewTrend(engine *indicator.Engine, store cache.Store, session market.Session, logger zerolog.Logger) *Trend {
	l := logger.With().Str("component", "trend_cache").Logger()
	return &Trend{
		engine: engine,
		daily:  newCached[indicator.DailyTrend](store, session, l),
		weekly: newCached[indicator.WeeklyTrend](store, session, l),
	}
}

// Daily returns the cached or freshly computed daily trend.
func (t *Trend) Daily(ctx context.Context, req Request) *indicator.DailyTrend {
	return t.daily.do(ctx, cache.DailyTrendKey(req.Code), req, t.engine.DailyTrend, func(e *entry[indicator.DailyTrend]) {
		if n := len(req.Series); n >= 2 {
			yc := req.Series[n-2].Close
			e.YesterdayClose = &yc
		}
		ma := e.Result.MAValues
		e.YesterdayMA = &ma
	})
}

// Weekly returns the cached or freshly computed weekly trend.
func (t *Trend) Weekly(ctx context.Context, req Request) *indicator.WeeklyTrend {
	return t.weekly.do(ctx, cache.WeeklyTrendKey(req.Code), req, t.engine.WeeklyTrend, nil)
}

// Temperature caches temperature results.
type Temperature struct {
	engine *indicator.Engine
	c      cached[indicator.Temperature]
}

// NewTemperature wires the temperature wrapper.
func NewTemperature(engine *indicator.Engine, store cache.Store, session market.Session, logger zerolog.Logger) *Temperature {
	return &Temperature{
		engine: engine,
		c:      newCached[indicator.Temperature](store, session, logger.With().Str("component", "temperature_cache").Logger()),
	}
}

// Calculate returns the cached or freshly computed temperature.
func (t *Temperature) Calculate(ctx context.Context, req Request) *indicator.Temperature {
	return t.c.do(ctx, cache.TemperatureKey(req.Code), req, t.engine.Temperature, nil)
}
