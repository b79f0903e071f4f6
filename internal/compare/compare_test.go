package compare

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

type fakeHistory map[string]market.Series

func (f fakeHistory) WithRealtime(_ context.Context, code string, _ market.Adjust) (history.Series, error) {
	bars, ok := f[code]
	if !ok {
		return history.Series{}, errors.New("all sources failed")
	}
	return history.Series{Bars: bars}, nil
}

type fakeTemperature struct{}

func (fakeTemperature) Calculate(_ context.Context, req indicache.Request) *indicator.Temperature {
	if req.Code == "159915" {
		return nil
	}
	return &indicator.Temperature{Score: 50, Level: indicator.LevelCool}
}

type names map[string]string

func (n names) Get(code string) (market.Quote, bool) {
	name, ok := n[code]
	return market.Quote{Code: code, Name: name}, ok
}

// weekdays builds n weekday bars from 2024-01-01 with close = f(i).
func weekdays(n int, f func(i int) float64) market.Series {
	out := make(market.Series, 0, n)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; len(out) < n; day = day.AddDate(0, 0, 1) {
		if day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
			continue
		}
		c := f(i)
		out = append(out, market.Bar{Date: day.Format(market.DateLayout), Open: c, High: c, Low: c, Close: c})
		i++
	}
	return out
}

func wave(i int) float64 { return 10 + math.Sin(float64(i)/5) }

func newService(h fakeHistory) *Service {
	return New(h, fakeTemperature{}, names{"510300": "沪深300ETF"}, 2, zerolog.Nop())
}

func TestComputeAlignsAndCorrelates(t *testing.T) {
	a := weekdays(100, wave)
	b := weekdays(100, func(i int) float64 { return 2 * wave(i) })
	// Drop ten of b's dates so the overlap is 90.
	b = append(b[:20:20], b[30:]...)
	c := weekdays(100, func(i int) float64 { return 30 - wave(i) })

	svc := newService(fakeHistory{"510300": a, "159915": b, "512880": c})
	res, err := svc.Compute(context.Background(), []string{"510300", "159915", "512880"}, PeriodAll)
	if err != nil {
		t.Fatalf("Compute 失败: %v", err)
	}

	if len(res.Normalized.Dates) != 90 {
		t.Fatalf("对齐后应有 90 个交易日, 实际 %d", len(res.Normalized.Dates))
	}
	if res.Normalized.Series["510300"][0] != 100 || res.Normalized.Series["159915"][0] != 100 {
		t.Fatal("归一化起点应为 100")
	}
	if res.PeriodLabel != a[0].Date+" ~ "+a[99].Date {
		t.Fatalf("period_label 错误: %s", res.PeriodLabel)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("重叠少于 120 天应给出提示: %v", res.Warnings)
	}
	if got := res.Correlation["510300_159915"]; got != 1 {
		t.Fatalf("同比例序列的相关系数应为 1, 实际 %v", got)
	}
	if got := res.Correlation["510300_512880"]; got >= 0 {
		t.Fatalf("反向序列应负相关, 实际 %v", got)
	}
	if len(res.Correlation) != 3 {
		t.Fatalf("3 个标的应有 3 组相关系数, 实际 %d", len(res.Correlation))
	}
	if res.Names["510300"] != "沪深300ETF" || res.Names["159915"] != "159915" {
		t.Fatalf("名称解析错误: %v", res.Names)
	}
	if res.Temperatures["159915"] != nil || res.Temperatures["510300"] == nil {
		t.Fatalf("温度计算失败时应为 nil: %v", res.Temperatures)
	}
	if res.Metrics["510300"].MDDTrough == "" {
		t.Fatal("应计算区间指标")
	}
}

func TestComputeErrors(t *testing.T) {
	a := weekdays(100, wave)
	svc := newService(fakeHistory{"510300": a, "159915": a[:20]})

	cases := []struct {
		name  string
		codes []string
		want  error
	}{
		{"too few", []string{"510300"}, ErrInvalid},
		{"bad code", []string{"510300", "abc"}, ErrInvalid},
		{"duplicate", []string{"510300", "510300"}, ErrInvalid},
		{"missing", []string{"510300", "588000"}, ErrNoHistory},
		{"overlap", []string{"510300", "159915"}, ErrInsufficientOverlap},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Compute(context.Background(), tc.codes, Period3Y); !errors.Is(err, tc.want) {
				t.Fatalf("期望 %v, 实际 %v", tc.want, err)
			}
		})
	}
	if _, err := svc.Compute(context.Background(), []string{"510300", "159915"}, "2y"); !errors.Is(err, ErrInvalid) {
		t.Fatalf("非法 period 应返回 ErrInvalid: %v", err)
	}
}

func TestFilterPeriod(t *testing.T) {
	s := market.Series{{Date: "2020-01-02"}, {Date: "2023-05-08"}, {Date: "2023-05-09"}, {Date: "2024-05-08"}}
	if got := FilterPeriod(s, Period1Y); len(got) != 3 || got[0].Date != "2023-05-08" {
		t.Fatalf("1y 筛选错误: %v", got)
	}
	if got := FilterPeriod(s, PeriodAll); len(got) != 4 {
		t.Fatal("all 不应筛选")
	}
}

func TestDownsampleIndices(t *testing.T) {
	if DownsampleIndices(400, MaxPoints) != nil {
		t.Fatal("点数不超过上限时不应降采样")
	}
	idx := DownsampleIndices(1234, MaxPoints)
	if len(idx) != MaxPoints || idx[0] != 0 || idx[MaxPoints-1] != 1233 {
		t.Fatalf("降采样应保留首尾: len=%d first=%d last=%d", len(idx), idx[0], idx[len(idx)-1])
	}
	for i := 1; i < len(idx); i++ {
		if idx[i] <= idx[i-1] {
			t.Fatalf("索引应严格递增: %d", i)
		}
	}
}

func TestPearsonNoVariance(t *testing.T) {
	if got := Pearson([]float64{1, 1, 1}, []float64{1, 2, 3}); got != 0 {
		t.Fatalf("无方差时应返回 0, 实际 %v", got)
	}
}
