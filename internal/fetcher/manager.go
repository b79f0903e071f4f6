package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/health"
	"etf-alerts/internal/market"
)

// ErrAllSourcesFailed is returned when every source was skipped or failed.
var ErrAllSourcesFailed = errors.New("fetcher: all history sources failed")

// HealthTracker is the subset of the metrics recorder used by the manager.
type HealthTracker interface {
	RecordSuccess(source string, latency time.Duration) bool
	RecordFailure(source, errMsg string, latency time.Duration)
	IsCircuitOpen(source string, opts health.BreakerOptions) bool
}

// RecoveryHook runs when a source succeeds right after a failure.
type RecoveryHook func(source string)

// ExhaustedHook runs when no source produced data for code.
type ExhaustedHook func(code string)

// ManagerOptions configure failover behaviour.
type ManagerOptions struct {
	Breaker     health.BreakerOptions
	OnRecovered RecoveryHook
	OnExhausted ExhaustedHook
}

// Manager tries history sources in priority order and returns the first
// non-empty result.
type Manager struct {
	sources []HistorySource
	health  HealthTracker
	opts    ManagerOptions
	logger  zerolog.Logger
	now     func() time.Time
}

// NewManager wires the ordered sources to the health tracker.
func NewManager(sources []HistorySource, tracker HealthTracker, opts ManagerOptions, logger zerolog.Logger) *Manager {
	if opts.Breaker.Window <= 0 {
		opts.Breaker = health.DefaultBreakerOptions()
	}
	return &Manager{
		sources: sources,
		health:  tracker,
		opts:    opts,
		logger:  logger.With().Str("component", "source_manager").Logger(),
		now:     time.Now,
	}
}

// Sources returns the configured sources in priority order.
func (m *Manager) Sources() []HistorySource {
	out := make([]HistorySource, len(m.sources))
	copy(out, m.sources)
	return out
}

// FetchHistory walks the sources. Unavailable and circuit-open sources are
// skipped; an empty result counts as a failure for the breaker.
func (m *Manager) FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error) {
	for _, src := range m.sources {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := src.Name()

		if !src.IsAvailable(ctx) {
			m.logger.Info().Str("source", name).Msg("not available, skipping")
			continue
		}
		if m.health.IsCircuitOpen(name, m.opts.Breaker) {
			m.logger.Info().Str("source", name).Msg("circuit open, skipping")
			continue
		}

		started := m.now()
		series, err := src.FetchHistory(ctx, code, start, end, adjust)
		latency := m.now().Sub(started)

		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			m.health.RecordFailure(name, err.Error(), latency)
			m.logger.Warn().Err(err).Str("source", name).Str("code", code).Msg("fetch history failed")
			continue
		}
		if len(series) == 0 {
			m.health.RecordFailure(name, fmt.Sprintf("empty result for %s", code), latency)
			m.logger.Warn().Str("source", name).Str("code", code).Msg("empty result")
			continue
		}

		if recovered := m.health.RecordSuccess(name, latency); recovered && m.opts.OnRecovered != nil {
			m.opts.OnRecovered(name)
		}
		m.logger.Info().
			Str("source", name).
			Str("code", code).
			Int("bars", len(series)).
			Dur("latency", latency).
			Msg("fetch history succeeded")
		return series, nil
	}

	m.logger.Error().Str("code", code).Msg("all history sources failed")
	if m.opts.OnExhausted != nil {
		m.opts.OnExhausted(code)
	}
	return nil, fmt.Errorf("%w for %s", ErrAllSourcesFailed, code)
}
