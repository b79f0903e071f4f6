package indicache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

func series(n int, start float64) market.Series {
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make(market.Series, 0, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*0.1
		out = append(out, market.Bar{
			Date:  day.AddDate(0, 0, i).Format(market.DateLayout),
			Open:  c,
			High:  c + 0.05,
			Low:   c - 0.05,
			Close: c,
		})
	}
	return out
}

func TestDailyCachedOnSameDay(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	tr := NewTrend(indicator.NewEngine(indicator.DefaultConfig()), store, market.Session{}, zerolog.Nop())
	ctx := context.Background()
	s := series(30, 1)

	first := tr.Daily(ctx, Request{Code: "510300", Series: s})
	if first == nil {
		t.Fatal("应能计算日趋势")
	}

	// Same last date but different closes: the cached result must be served.
	changed := s.Clone()
	changed[len(changed)-1].Close = 0.5
	cached := tr.Daily(ctx, Request{Code: "510300", Series: changed})
	if *cached.MAValues.MA5 != *first.MAValues.MA5 {
		t.Fatal("同一交易日应命中缓存")
	}

	forced := tr.Daily(ctx, Request{Code: "510300", Series: changed, Force: true})
	if *forced.MAValues.MA5 == *first.MAValues.MA5 {
		t.Fatal("强制刷新应重新计算")
	}
}

func TestDailyRealtimeDoesNotWrite(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	tr := NewTrend(indicator.NewEngine(indicator.DefaultConfig()), store, market.Session{}, zerolog.Nop())
	ctx := context.Background()

	if tr.Daily(ctx, Request{Code: "510300", Series: series(30, 1), Realtime: true}) == nil {
		t.Fatal("盘中也应返回结果")
	}
	var e entry[indicator.DailyTrend]
	if err := store.Get(ctx, cache.DailyTrendKey("510300"), &e); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("盘中计算不应写入缓存: %v", err)
	}

	s := series(30, 1)
	tr.Daily(ctx, Request{Code: "510300", Series: s})
	if err := store.Get(ctx, cache.DailyTrendKey("510300"), &e); err != nil {
		t.Fatalf("收盘计算应写入缓存: %v", err)
	}
	if e.LastDate != s.LastDate() || e.YesterdayClose == nil || *e.YesterdayClose != s[len(s)-2].Close {
		t.Fatalf("缓存内容错误: %+v", e)
	}

	// Same day in realtime mode recomputes but leaves the cached entry intact.
	patched := s.Clone()
	patched[len(patched)-1].Close = 9
	got := tr.Daily(ctx, Request{Code: "510300", Series: patched, Realtime: true})
	if *got.MAValues.MA5 == *e.Result.MAValues.MA5 {
		t.Fatal("盘中应基于实时数据重新计算")
	}
	var after entry[indicator.DailyTrend]
	_ = store.Get(ctx, cache.DailyTrendKey("510300"), &after)
	if *after.Result.MAValues.MA5 != *e.Result.MAValues.MA5 {
		t.Fatal("盘中计算不应覆盖缓存")
	}
}

func TestSessionOpenDoesNotWrite(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	engine := indicator.NewEngine(indicator.DefaultConfig())
	tr := NewTrend(engine, store, market.Session{Location: time.UTC, Close: 15 * time.Hour}, zerolog.Nop())
	ctx := context.Background()

	// The last bar is 2024-01-30, a Tuesday, served without any quote patch.
	partial := series(30, 1)
	tr.daily.now = func() time.Time { return time.Date(2024, 1, 30, 10, 0, 0, 0, time.UTC) }
	if tr.Daily(ctx, Request{Code: "510300", Series: partial}) == nil {
		t.Fatal("盘中也应返回结果")
	}
	var e entry[indicator.DailyTrend]
	if err := store.Get(ctx, cache.DailyTrendKey("510300"), &e); !errors.Is(err, cache.ErrNotFound) {
		t.Fatalf("收盘前的当日K线不应写入缓存: %v", err)
	}

	final := partial.Clone()
	final[len(final)-1].Close = 5
	tr.daily.now = func() time.Time { return time.Date(2024, 1, 30, 15, 30, 0, 0, time.UTC) }
	got := tr.Daily(ctx, Request{Code: "510300", Series: final})
	want := engine.DailyTrend(final)
	if got == nil || *got.MAValues.MA5 != *want.MAValues.MA5 {
		t.Fatal("收盘后应基于最终K线计算")
	}
	if err := store.Get(ctx, cache.DailyTrendKey("510300"), &e); err != nil || e.LastDate != "2024-01-30" {
		t.Fatalf("收盘后应写入缓存: %v", err)
	}
}

func TestTemperatureAndWeeklyWrappers(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	engine := indicator.NewEngine(indicator.DefaultConfig())
	temp := NewTemperature(engine, store, market.Session{}, zerolog.Nop())
	tr := NewTrend(engine, store, market.Session{}, zerolog.Nop())
	ctx := context.Background()

	if temp.Calculate(ctx, Request{Code: "510300", Series: series(10, 1)}) != nil {
		t.Fatal("数据不足时应返回 nil")
	}
	if temp.Calculate(ctx, Request{Code: "510300"}) != nil {
		t.Fatal("空序列应返回 nil")
	}
	if temp.Calculate(ctx, Request{Code: "510300", Series: series(40, 1)}) == nil {
		t.Fatal("应能计算温度")
	}
	var e entry[indicator.Temperature]
	if err := store.Get(ctx, cache.TemperatureKey("510300"), &e); err != nil || e.Result == nil {
		t.Fatalf("温度应写入缓存: %v", err)
	}

	if tr.Weekly(ctx, Request{Code: "510300", Series: series(40, 1)}) == nil {
		t.Fatal("应能计算周趋势")
	}
	var w entry[indicator.WeeklyTrend]
	if err := store.Get(ctx, cache.WeeklyTrendKey("510300"), &w); err != nil {
		t.Fatalf("周趋势应写入缓存: %v", err)
	}
}

type gatedHistory struct {
	mu     sync.Mutex
	calls  int
	gate   chan struct{}
	series market.Series
}

func (h *gatedHistory) Raw(context.Context, string, market.Adjust) (market.Series, error) {
	h.mu.Lock()
	h.calls++
	h.mu.Unlock()
	<-h.gate
	return h.series.Clone(), nil
}

func TestLiteLoadsBaseInBackground(t *testing.T) {
	store := cache.NewMemoryStore(nil)
	h := &gatedHistory{gate: make(chan struct{}), series: series(30, 1)}
	lite := NewLite(h, store, LiteOptions{DrawdownDays: 10}, zerolog.Nop())
	ctx := context.Background()

	first := lite.RealtimeMetricsLite(ctx, "510300", 3)
	second := lite.RealtimeMetricsLite(ctx, "510300", 3)
	if first.ATR != nil || first.CurrentDrawdown != nil || second.CurrentDrawdown != nil {
		t.Fatal("基础数据缺失时应返回空指标")
	}
	close(h.gate)
	lite.Wait()
	if h.calls != 1 {
		t.Fatalf("同一代码只应触发一次后台加载, 实际 %d 次", h.calls)
	}

	// Peak over the last 10 closes is 3.9.
	got := lite.RealtimeMetricsLite(ctx, "510300", 3.51)
	if got.CurrentDrawdown == nil || *got.CurrentDrawdown != -0.1 {
		t.Fatalf("当前回撤期望 -0.1, 实际 %v", got.CurrentDrawdown)
	}
	if got.ATR == nil || *got.ATR != 0.15 {
		t.Fatalf("ATR 期望 0.15, 实际 %v", got.ATR)
	}

	high := lite.RealtimeMetricsLite(ctx, "510300", 5)
	if *high.CurrentDrawdown != 0 {
		t.Fatalf("创新高时回撤应为 0, 实际 %v", *high.CurrentDrawdown)
	}
}
