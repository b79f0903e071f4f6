package alerting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
)

// StateTTL bounds how long a snapshot is kept without a refresh.
const StateTTL = 7 * 24 * time.Hour

// StateStore persists alert snapshots and the per-day sent markers.
// Day boundaries follow loc.
type StateStore struct {
	store  cache.Store
	loc    *time.Location
	logger zerolog.Logger
	now    func() time.Time
}

// NewStateStore wires the store. A nil loc means time.Local.
func NewStateStore(store cache.Store, loc *time.Location, logger zerolog.Logger) *StateStore {
	if loc == nil {
		loc = time.Local
	}
	return &StateStore{
		store:  store,
		loc:    loc,
		logger: logger.With().Str("component", "alert_state").Logger(),
		now:    time.Now,
	}
}

func (s *StateStore) today() (time.Time, string) {
	now := s.now().In(s.loc)
	return now, now.Format("2006-01-02")
}

// Get returns nil when no snapshot exists.
func (s *StateStore) Get(ctx context.Context, userID int64, code string) (*State, error) {
	var st State
	if err := s.store.Get(ctx, cache.AlertStateKey(userID, code), &st); err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get alert state: %w", err)
	}
	return &st, nil
}

// Save overwrites the snapshot for (userID, state.Code).
func (s *StateStore) Save(ctx context.Context, userID int64, st State) error {
	if err := s.store.Set(ctx, cache.AlertStateKey(userID, st.Code), st, StateTTL); err != nil {
		return fmt.Errorf("save alert state: %w", err)
	}
	return nil
}

// IsSentToday reports whether signalType already went out today. Read
// failures count as not sent.
func (s *StateStore) IsSentToday(ctx context.Context, userID int64, code, signalType string) bool {
	_, day := s.today()
	var sent bool
	err := s.store.Get(ctx, cache.AlertSentKey(userID, code, signalType, day), &sent)
	if err != nil && !errors.Is(err, cache.ErrNotFound) {
		s.logger.Error().Err(err).Int64("user_id", userID).Str("code", code).Msg("sent marker read failed")
	}
	return err == nil
}

// MarkSent records signalType as sent until local midnight and bumps the
// daily counter the first time only.
func (s *StateStore) MarkSent(ctx context.Context, userID int64, code, signalType string) error {
	if s.IsSentToday(ctx, userID, code, signalType) {
		return nil
	}
	now, day := s.today()
	ttl := cache.UntilMidnight(now)
	if err := s.store.Set(ctx, cache.AlertSentKey(userID, code, signalType, day), true, ttl); err != nil {
		return fmt.Errorf("mark signal sent: %w", err)
	}
	if _, err := s.store.Incr(ctx, cache.AlertCountKey(userID, day), ttl); err != nil {
		return fmt.Errorf("bump daily count: %w", err)
	}
	return nil
}

// MarkSignal marks sig sent and keeps it for today's summary.
func (s *StateStore) MarkSignal(ctx context.Context, userID int64, sig Signal) error {
	if err := s.MarkSent(ctx, userID, sig.Code, sig.Type); err != nil {
		return err
	}
	now, day := s.today()
	key := cache.TodaySignalsKey(userID, day)
	signals := s.TodaySignals(ctx, userID)
	signals = append(signals, sig)
	if err := s.store.Set(ctx, key, signals, cache.UntilMidnight(now)); err != nil {
		return fmt.Errorf("record today's signal: %w", err)
	}
	return nil
}

// TodaySignals lists the signals marked today, oldest first.
func (s *StateStore) TodaySignals(ctx context.Context, userID int64) []Signal {
	_, day := s.today()
	var signals []Signal
	if err := s.store.Get(ctx, cache.TodaySignalsKey(userID, day), &signals); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("today's signals read failed")
		}
		return nil
	}
	return signals
}

// SummarySentToday reports whether userID already got today's report.
func (s *StateStore) SummarySentToday(ctx context.Context, userID int64) bool {
	_, day := s.today()
	var sent bool
	return s.store.Get(ctx, cache.SummarySentKey(userID, day), &sent) == nil
}

// MarkSummarySent records today's report as delivered.
func (s *StateStore) MarkSummarySent(ctx context.Context, userID int64) error {
	now, day := s.today()
	if err := s.store.Set(ctx, cache.SummarySentKey(userID, day), true, cache.UntilMidnight(now)); err != nil {
		return fmt.Errorf("mark summary sent: %w", err)
	}
	return nil
}

// DailySentCount returns how many signals went out to userID today.
func (s *StateStore) DailySentCount(ctx context.Context, userID int64) int {
	_, day := s.today()
	var n int64
	if err := s.store.Get(ctx, cache.AlertCountKey(userID, day), &n); err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			s.logger.Error().Err(err).Int64("user_id", userID).Msg("daily count read failed")
		}
		return 0
	}
	return int(n)
}

// FilterUnsent drops signals already sent today.
func (s *StateStore) FilterUnsent(ctx context.Context, userID int64, signals []Signal) []Signal {
	out := signals[:0:0]
	for _, sig := range signals {
		if !s.IsSentToday(ctx, userID, sig.Code, sig.Type) {
			out = append(out, sig)
		}
	}
	return out
}

// ClearUser drops every snapshot of userID.
func (s *StateStore) ClearUser(ctx context.Context, userID int64) error {
	if err := s.store.DeletePrefix(ctx, cache.AlertStatePrefix(userID)); err != nil {
		return fmt.Errorf("clear alert state: %w", err)
	}
	return nil
}
