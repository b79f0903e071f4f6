package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"etf-alerts/internal/compare"
	"etf-alerts/internal/fundflow"
	"etf-alerts/internal/health"
	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
	"etf-alerts/internal/valuation"
)

func ptr(v float64) *float64 { return &v }

type fakeQuotes map[string]market.Quote

func (f fakeQuotes) Get(code string) (market.Quote, bool) {
	q, ok := f[code]
	return q, ok
}

func (f fakeQuotes) Search(query string, limit int) []market.Quote {
	var out []market.Quote
	for _, q := range f {
		if strings.HasPrefix(q.Code, query) && len(out) < limit {
			out = append(out, q)
		}
	}
	return out
}

func (fakeQuotes) UpdatedAt() time.Time { return time.Date(2024, 5, 8, 14, 0, 0, 0, time.UTC) }

func (fakeQuotes) Ensure(context.Context) error { return nil }

type fakeHistory map[string]market.Series

func (f fakeHistory) WithRealtime(_ context.Context, code string, _ market.Adjust) (history.Series, error) {
	bars, ok := f[code]
	if !ok {
		return history.Series{}, errors.New("all sources failed")
	}
	return history.Series{Bars: bars}, nil
}

type fakeIndicators struct{}

func (fakeIndicators) Calculate(_ context.Context, req indicache.Request) *indicator.Temperature {
	return &indicator.Temperature{Score: 42, Level: indicator.LevelCool}
}

func (fakeIndicators) Daily(context.Context, indicache.Request) *indicator.DailyTrend { return nil }

func (fakeIndicators) Weekly(context.Context, indicache.Request) *indicator.WeeklyTrend { return nil }

type fakeLite struct{}

func (fakeLite) RealtimeMetricsLite(context.Context, string, float64) indicache.LiteMetrics {
	return indicache.LiteMetrics{ATR: ptr(0.05), CurrentDrawdown: ptr(-0.1)}
}

type fakeCompare struct{ err error }

func (f fakeCompare) Compute(_ context.Context, codes []string, _ compare.Period) (*compare.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &compare.Result{Names: map[string]string{codes[0]: "a"}}, nil
}

type fakeHealth struct{}

func (fakeHealth) Summary() []health.SourceStatus {
	return []health.SourceStatus{{Name: "eastmoney", Status: "ok"}}
}

func (fakeHealth) OverallStatus() string { return "degraded" }

type fakeWatchlists map[int64][]storage.WatchItem

func (f fakeWatchlists) ListWatchlist(_ context.Context, userID int64) ([]storage.WatchItem, error) {
	return f[userID], nil
}

func bars(n int) market.Series {
	out := make(market.Series, 0, n)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		c := 1 + float64(i%10)/100
		out = append(out, market.Bar{Date: day.AddDate(0, 0, i).Format(market.DateLayout), Open: c, High: c + 0.01, Low: c - 0.01, Close: c})
	}
	return out
}

func newTestServer(cmp fakeCompare) (*Server, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	deps := Dependencies{
		Quotes: fakeQuotes{
			"510300": {Code: "510300", Name: "沪深300ETF", Price: ptr(3.5), ChangePct: ptr(1.2)},
			"159915": {Code: "159915", Name: "创业板ETF", Price: ptr(2.1)},
		},
		History:     fakeHistory{"510300": bars(80), "159915": bars(10)},
		Trend:       fakeIndicators{},
		Temperature: fakeIndicators{},
		Lite:        fakeLite{},
		Compare:     cmp,
		Health:      fakeHealth{},
		Watchlists: fakeWatchlists{7: {
			{UserID: 7, Code: "159915", SortOrder: 0},
			{UserID: 7, Code: "510300", SortOrder: 1},
			{UserID: 7, Code: "588000", SortOrder: 2},
		}},
		Gatherer:   reg,
		Registerer: reg,
	}
	return New(deps, Options{Workers: 2}, zerolog.Nop()), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestStatusCodes(t *testing.T) {
	srv, _ := newTestServer(fakeCompare{})
	h := srv.Handler()

	cases := []struct {
		path string
		want int
	}{
		{"/api/v1/health", http.StatusOK},
		{"/api/v1/sources", http.StatusOK},
		{"/api/v1/etf/search?q=51", http.StatusOK},
		{"/api/v1/etf/search", http.StatusBadRequest},
		{"/api/v1/etf/search?q=51&limit=0", http.StatusBadRequest},
		{"/api/v1/etf/510300/info", http.StatusOK},
		{"/api/v1/etf/000000/info", http.StatusNotFound},
		{"/api/v1/etf/510300/history", http.StatusOK},
		{"/api/v1/etf/510300/history?adjust=bogus", http.StatusBadRequest},
		{"/api/v1/etf/588000/history", http.StatusNotFound},
		{"/api/v1/etf/510300/metrics?period=1y", http.StatusOK},
		{"/api/v1/etf/510300/metrics?period=2y", http.StatusBadRequest},
		{"/api/v1/etf/510300/indicators", http.StatusOK},
		{"/api/v1/etf/510300/grid", http.StatusOK},
		{"/api/v1/etf/159915/grid", http.StatusNotFound},
		{"/api/v1/compare?codes=510300,159915", http.StatusOK},
		{"/api/v1/watchlist/abc/summary", http.StatusBadRequest},
	}
	for _, tc := range cases {
		if rec := get(t, h, tc.path); rec.Code != tc.want {
			t.Errorf("%s: 期望 %d, 实际 %d (%s)", tc.path, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestHealthBody(t *testing.T) {
	srv, _ := newTestServer(fakeCompare{})
	rec := get(t, srv.Handler(), "/api/v1/health")
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Status != "degraded" || body.SnapshotUpdateAt != "2024-05-08 14:00:00" {
		t.Fatalf("健康检查响应错误: %+v", body)
	}
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Fatal("应返回 JSON")
	}
}

func TestMetricsIncludesLite(t *testing.T) {
	srv, _ := newTestServer(fakeCompare{})
	rec := get(t, srv.Handler(), "/api/v1/etf/510300/metrics")
	var body metricsResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if body.Period != "5y" || body.ATR == nil || *body.ATR != 0.05 || body.CurrentDrawdown == nil {
		t.Fatalf("指标响应错误: %+v", body)
	}
}

func TestCompareErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: x", compare.ErrInvalid), http.StatusBadRequest},
		{fmt.Errorf("%w: x", compare.ErrNoHistory), http.StatusNotFound},
		{fmt.Errorf("%w: x", compare.ErrInsufficientOverlap), http.StatusUnprocessableEntity},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		srv, _ := newTestServer(fakeCompare{err: tc.err})
		if rec := get(t, srv.Handler(), "/api/v1/compare?codes=510300,159915"); rec.Code != tc.want {
			t.Errorf("%v: 期望 %d, 实际 %d", tc.err, tc.want, rec.Code)
		}
	}
}

func TestWatchlistSummaryKeepsOrder(t *testing.T) {
	srv, _ := newTestServer(fakeCompare{})
	rec := get(t, srv.Handler(), "/api/v1/watchlist/7/summary")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var body []watchSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应失败: %v", err)
	}
	if len(body) != 3 || body[0].Code != "159915" || body[1].Code != "510300" || body[2].Code != "588000" {
		t.Fatalf("应保持自选列表顺序: %+v", body)
	}
	if body[1].Name != "沪深300ETF" || body[1].Price == nil || body[1].Temperature == nil {
		t.Fatalf("应补全名称、价格和温度: %+v", body[1])
	}
	if body[2].Temperature != nil {
		t.Fatal("无历史数据的标的不应有温度")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, reg := newTestServer(fakeCompare{})
	h := srv.Handler()
	get(t, h, "/api/v1/health")

	rec := get(t, h, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "etfalerts_http_request_duration_seconds") {
		t.Fatalf("/metrics 应暴露请求耗时: %s", rec.Body.String())
	}
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("采集指标失败: %v", err)
	}
}

type fakeFundFlows struct{ forced []bool }

func (f *fakeFundFlows) FundFlow(_ context.Context, code string, force bool) (*fundflow.FundFlow, error) {
	f.forced = append(f.forced, force)
	if code != "510300" {
		return nil, nil
	}
	return &fundflow.FundFlow{Code: code, Name: "沪深300ETF", CurrentScale: fundflow.Scale{Shares: 900, Scale: ptr(3150)}, DataPoints: 2, HistoricalAvailable: true}, nil
}

type fakeValuations struct{ err error }

func (f fakeValuations) Valuation(_ context.Context, code string) (*valuation.Valuation, error) {
	if f.err != nil {
		return nil, f.err
	}
	if code != "510300" {
		return nil, nil
	}
	return &valuation.Valuation{PE: 12.3, PEPercentile: 25, DistView: "低估", IndexCode: "000300"}, nil
}

func TestFundFlowAndValuationRoutes(t *testing.T) {
	srv, _ := newTestServer(fakeCompare{})
	if rec := get(t, srv.Handler(), "/api/v1/etf/510300/fund-flow"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("未配置份额数据时应返回 503, 实际 %d", rec.Code)
	}
	if rec := get(t, srv.Handler(), "/api/v1/etf/510300/valuation"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("未配置估值时应返回 503, 实际 %d", rec.Code)
	}

	flows := &fakeFundFlows{}
	srv.deps.FundFlows = flows
	srv.deps.Valuations = fakeValuations{}
	h := srv.Handler()

	rec := get(t, h, "/api/v1/etf/510300/fund-flow?force_refresh=true")
	if rec.Code != http.StatusOK {
		t.Fatalf("期望 200, 实际 %d", rec.Code)
	}
	var flow fundflow.FundFlow
	if err := json.Unmarshal(rec.Body.Bytes(), &flow); err != nil || flow.CurrentScale.Scale == nil || *flow.CurrentScale.Scale != 3150 {
		t.Fatalf("规模数据错误: %s", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), `"historical_available":true`) {
		t.Fatalf("字段名应为下划线风格: %s", rec.Body.String())
	}
	if rec := get(t, h, "/api/v1/etf/159915/fund-flow"); rec.Code != http.StatusNotFound {
		t.Fatalf("无份额数据应返回 404, 实际 %d", rec.Code)
	}
	if len(flows.forced) != 2 || !flows.forced[0] || flows.forced[1] {
		t.Fatalf("force_refresh 参数传递错误: %v", flows.forced)
	}

	rec = get(t, h, "/api/v1/etf/510300/valuation")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"dist_view":"低估"`) {
		t.Fatalf("估值响应错误: %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(t, h, "/api/v1/etf/513100/valuation"); rec.Code != http.StatusNotFound {
		t.Fatalf("无估值应返回 404, 实际 %d", rec.Code)
	}

	srv.deps.Valuations = fakeValuations{err: errors.New("boom")}
	if rec := get(t, srv.Handler(), "/api/v1/etf/510300/valuation"); rec.Code != http.StatusInternalServerError {
		t.Fatalf("估值出错应返回 500, 实际 %d", rec.Code)
	}
}
