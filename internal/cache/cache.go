package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("cache: key not found")

// Store is the shared persistent key-value cache. Values are JSON encoded.
// Writers to the same key are last-write-wins.
type Store interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	// Incr atomically increments an integer counter, creating it with ttl when absent.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Key builders. Parameterised keys embed their parameters so that a config
// change naturally misses old entries.

func HistoryKey(code, period, adjust string) string {
	if adjust == "" {
		adjust = "none"
	}
	return fmt.Sprintf("history:%s:%s:%s", code, period, adjust)
}

func StaleHistoryKey(code, period, adjust string) string {
	return HistoryKey(code, period, adjust) + ":stale"
}

func DailyTrendKey(code string) string  { return "daily_trend:" + code }
func WeeklyTrendKey(code string) string { return "weekly_trend:" + code }
func TemperatureKey(code string) string { return "temperature:" + code }

func MetricsBaseKey(code string, drawdownDays, atrPeriod int) string {
	return fmt.Sprintf("metrics_base_%s_%d_%d", code, drawdownDays, atrPeriod)
}

func AlertStateKey(userID int64, code string) string {
	return fmt.Sprintf("alert_state:%d:%s", userID, code)
}

func AlertStatePrefix(userID int64) string {
	return fmt.Sprintf("alert_state:%d:", userID)
}

func AlertSentKey(userID int64, code, signalType, day string) string {
	return fmt.Sprintf("alert_sent:%d:%s:%s:%s", userID, code, signalType, day)
}

func AlertCountKey(userID int64, day string) string {
	return fmt.Sprintf("alert_count:%d:%s", userID, day)
}

func TodaySignalsKey(userID int64, day string) string {
	return fmt.Sprintf("today_signals:%d:%s", userID, day)
}

func SummarySentKey(userID int64, day string) string {
	return fmt.Sprintf("summary_sent:%d:%s", userID, day)
}

func FundFlowKey(code string) string { return "fund_flow:" + code }

func ValuationKey(indexCode string) string { return "valuation_" + indexCode }

// UntilMidnight returns the duration from now to the next local midnight, at least one second.
func UntilMidnight(now time.Time) time.Duration {
	y, m, d := now.Date()
	midnight := time.Date(y, m, d+1, 0, 0, 0, 0, now.Location())
	ttl := midnight.Sub(now)
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}
