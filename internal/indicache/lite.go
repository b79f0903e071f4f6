package indicache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

// Lite metrics defaults.
const (
	DefaultDrawdownDays = 120
	DefaultATRPeriod    = 14
	DefaultBaseTTL      = 4 * time.Hour
	defaultBaseTimeout  = time.Minute
)

// HistoryReader supplies full daily history.
type HistoryReader interface {
	Raw(ctx context.Context, code string, adjust market.Adjust) (market.Series, error)
}

// LiteOptions configure the lite metrics path.
type LiteOptions struct {
	DrawdownDays int
	ATRPeriod    int
	BaseTTL      time.Duration
	FetchTimeout time.Duration
}

// Base is the history-derived half of the lite metrics.
type Base struct {
	HistPeakPrice float64  `json:"hist_peak_price"`
	PrevATR       *float64 `json:"prev_atr"`
	LastDate      string   `json:"last_date"`
}

// LiteMetrics pairs the cached ATR with a drawdown against the live price.
// Both are nil while the base snapshot is still loading.
type LiteMetrics struct {
	ATR             *float64 `json:"atr"`
	CurrentDrawdown *float64 `json:"current_drawdown"`
}

// Lite serves realtime drawdown and ATR without recomputing history per call.
type Lite struct {
	history HistoryReader
	store   cache.Store
	opts    LiteOptions
	logger  zerolog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

// NewLite wires the lite metrics service.
func NewLite(history HistoryReader, store cache.Store, opts LiteOptions, logger zerolog.Logger) *Lite {
	if opts.DrawdownDays <= 0 {
		opts.DrawdownDays = DefaultDrawdownDays
	}
	if opts.ATRPeriod <= 0 {
		opts.ATRPeriod = DefaultATRPeriod
	}
	if opts.BaseTTL <= 0 {
		opts.BaseTTL = DefaultBaseTTL
	}
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = defaultBaseTimeout
	}
	return &Lite{
		history:  history,
		store:    store,
		opts:     opts,
		logger:   logger.With().Str("component", "lite_metrics").Logger(),
		inflight: make(map[string]struct{}),
	}
}

// RealtimeMetricsLite never blocks on upstream fetches. When the base
// snapshot is missing a background load is started and empty metrics are
// returned.
func (l *Lite) RealtimeMetricsLite(ctx context.Context, code string, price float64) LiteMetrics {
	key := cache.MetricsBaseKey(code, l.opts.DrawdownDays, l.opts.ATRPeriod)
	var base Base
	if err := l.store.Get(ctx, key, &base); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			l.logger.Warn().Err(err).Str("key", key).Msg("base read failed")
		}
		l.loadInBackground(ctx, code)
		return LiteMetrics{}
	}

	peak := max(base.HistPeakPrice, price)
	var dd float64
	if peak > 0 {
		dd = market.Round((price-peak)/peak, 4)
	}
	return LiteMetrics{
		ATR:             market.RoundPtr(base.PrevATR, 4),
		CurrentDrawdown: &dd,
	}
}

func (l *Lite) loadInBackground(ctx context.Context, code string) {
	l.mu.Lock()
	if _, busy := l.inflight[code]; busy {
		l.mu.Unlock()
		return
	}
	l.inflight[code] = struct{}{}
	l.wg.Add(1)
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.inflight, code)
			l.mu.Unlock()
			l.wg.Done()
		}()
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.opts.FetchTimeout)
		defer cancel()

		l.logger.Info().Str("code", code).Msg("loading metrics base")
		if _, err := l.LoadBase(fetchCtx, code); err != nil {
			l.logger.Error().Err(err).Str("code", code).Msg("metrics base load failed")
		}
	}()
}

// LoadBase computes and stores the base snapshot synchronously.
func (l *Lite) LoadBase(ctx context.Context, code string) (*Base, error) {
	series, err := l.history.Raw(ctx, code, market.AdjustForward)
	if err != nil {
		return nil, fmt.Errorf("load history for %s: %w", code, err)
	}
	if len(series) < 2 {
		return nil, fmt.Errorf("history for %s too short: %d bars", code, len(series))
	}

	base := &Base{LastDate: series.LastDate()}
	for _, c := range series.Tail(l.opts.DrawdownDays).Closes() {
		base.HistPeakPrice = max(base.HistPeakPrice, c)
	}
	highs := make([]float64, len(series))
	lows := make([]float64, len(series))
	for i, b := range series {
		highs[i], lows[i] = b.High, b.Low
	}
	if atr, ok := indicator.ATRSimple(highs, lows, series.Closes(), l.opts.ATRPeriod); ok {
		base.PrevATR = &atr
	}

	key := cache.MetricsBaseKey(code, l.opts.DrawdownDays, l.opts.ATRPeriod)
	if err := l.store.Set(ctx, key, base, l.opts.BaseTTL); err != nil {
		return base, fmt.Errorf("store metrics base: %w", err)
	}
	return base, nil
}

// Wait blocks until background loads finish.
func (l *Lite) Wait() { l.wg.Wait() }
