package fetcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/health"
	"etf-alerts/internal/market"
)

type fakeSource struct {
	name      string
	available bool
	series    market.Series
	err       error
	calls     int
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) IsAvailable(context.Context) bool { return f.available }

func (f *fakeSource) FetchHistory(context.Context, string, string, string, market.Adjust) (market.Series, error) {
	f.calls++
	return f.series, f.err
}

func sampleSeries() market.Series {
	return market.Series{
		{Date: "2024-05-06", Open: 1, High: 1.1, Low: 0.9, Close: 1.05, Volume: 100},
		{Date: "2024-05-07", Open: 1.05, High: 1.2, Low: 1, Close: 1.1, Volume: 120},
	}
}

func TestManagerShortCircuitsOnFirstSuccess(t *testing.T) {
	first := &fakeSource{name: "a", available: true, series: sampleSeries()}
	second := &fakeSource{name: "b", available: true, series: sampleSeries()}
	rec := health.NewRecorder()
	m := NewManager([]HistorySource{first, second}, rec, ManagerOptions{}, zerolog.Nop())

	got, err := m.FetchHistory(context.Background(), "510300", "", "", market.AdjustForward)
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("应返回第一个数据源的数据, 实际 %d 条", len(got))
	}
	if second.calls != 0 {
		t.Fatal("第一个数据源成功后不应调用后续数据源")
	}
	if rate, ok := rec.SuccessRate("a"); !ok || rate != 1 {
		t.Fatalf("应记录成功: rate=%v ok=%v", rate, ok)
	}
}

func TestManagerFailoverAndEmptyIsFailure(t *testing.T) {
	broken := &fakeSource{name: "a", available: true, err: errors.New("timeout")}
	empty := &fakeSource{name: "b", available: true}
	good := &fakeSource{name: "c", available: true, series: sampleSeries()}
	rec := health.NewRecorder()
	m := NewManager([]HistorySource{broken, empty, good}, rec, ManagerOptions{}, zerolog.Nop())

	if _, err := m.FetchHistory(context.Background(), "159915", "", "", market.AdjustForward); err != nil {
		t.Fatalf("应切换到可用数据源: %v", err)
	}
	if broken.calls != 1 || empty.calls != 1 || good.calls != 1 {
		t.Fatalf("每个数据源应依次调用一次: %d %d %d", broken.calls, empty.calls, good.calls)
	}

	var emptyStatus health.SourceStatus
	for _, st := range rec.Summary() {
		if st.Name == "b" {
			emptyStatus = st
		}
	}
	if emptyStatus.Status != health.StatusError || emptyStatus.LastError != "empty result for 159915" {
		t.Fatalf("空结果应记为失败: %+v", emptyStatus)
	}
}

func TestManagerSkipsUnavailableAndOpenCircuit(t *testing.T) {
	offline := &fakeSource{name: "offline", available: false, series: sampleSeries()}
	tripped := &fakeSource{name: "tripped", available: true, series: sampleSeries()}
	fallback := &fakeSource{name: "fallback", available: true, series: sampleSeries()}

	rec := health.NewRecorder()
	for i := 0; i < 10; i++ {
		rec.RecordFailure("tripped", "down", time.Millisecond)
	}
	m := NewManager([]HistorySource{offline, tripped, fallback}, rec, ManagerOptions{Breaker: health.DefaultBreakerOptions()}, zerolog.Nop())

	if _, err := m.FetchHistory(context.Background(), "510300", "", "", market.AdjustForward); err != nil {
		t.Fatalf("应由 fallback 返回数据: %v", err)
	}
	if offline.calls != 0 {
		t.Fatal("不可用的数据源不应被调用")
	}
	if tripped.calls != 0 {
		t.Fatal("熔断中的数据源不应被调用")
	}
	if fallback.calls != 1 {
		t.Fatal("fallback 应被调用一次")
	}
}

func TestManagerAllFailedAndHooks(t *testing.T) {
	src := &fakeSource{name: "a", available: true, err: errors.New("boom")}
	rec := health.NewRecorder()
	var exhausted, recovered []string
	m := NewManager([]HistorySource{src}, rec, ManagerOptions{
		OnExhausted: func(code string) { exhausted = append(exhausted, code) },
		OnRecovered: func(source string) { recovered = append(recovered, source) },
	}, zerolog.Nop())

	_, err := m.FetchHistory(context.Background(), "510300", "", "", market.AdjustForward)
	if !errors.Is(err, ErrAllSourcesFailed) {
		t.Fatalf("期望 ErrAllSourcesFailed, 实际 %v", err)
	}
	if len(exhausted) != 1 || exhausted[0] != "510300" {
		t.Fatalf("应触发耗尽回调: %v", exhausted)
	}

	src.err = nil
	src.series = sampleSeries()
	if _, err := m.FetchHistory(context.Background(), "510300", "", "", market.AdjustForward); err != nil {
		t.Fatalf("恢复后不应报错: %v", err)
	}
	if len(recovered) != 1 || recovered[0] != "a" {
		t.Fatalf("应触发恢复回调: %v", recovered)
	}
}

func TestManagerStopsOnCancelledContext(t *testing.T) {
	src := &fakeSource{name: "a", available: true, series: sampleSeries()}
	m := NewManager([]HistorySource{src}, health.NewRecorder(), ManagerOptions{}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := m.FetchHistory(ctx, "510300", "", "", market.AdjustForward); !errors.Is(err, context.Canceled) {
		t.Fatalf("已取消的 context 应返回 context.Canceled, 实际 %v", err)
	}
	if src.calls != 0 {
		t.Fatal("取消后不应调用数据源")
	}
}
