package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"etf-alerts/internal/alerting"
	"etf-alerts/internal/cache"
	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
)

type fakeSubscribers struct {
	subs      []storage.Subscriber
	watch     map[int64][]storage.WatchItem
	listCalls int
}

func (f *fakeSubscribers) ListSubscribers(context.Context) ([]storage.Subscriber, error) {
	f.listCalls++
	return f.subs, nil
}

func (f *fakeSubscribers) ListWatchlist(_ context.Context, userID int64) ([]storage.WatchItem, error) {
	return f.watch[userID], nil
}

type fakeHistory struct {
	mu       sync.Mutex
	raw      map[string]int
	realtime map[string]int
	fail     map[string]bool
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{raw: map[string]int{}, realtime: map[string]int{}, fail: map[string]bool{}}
}

func (f *fakeHistory) series(code string) (market.Series, error) {
	if f.fail[code] {
		return nil, errors.New("all sources failed")
	}
	return market.Series{{Date: "2024-05-08", Open: 1, High: 1, Low: 1, Close: 1}}, nil
}

func (f *fakeHistory) Raw(_ context.Context, code string, _ market.Adjust) (market.Series, error) {
	f.mu.Lock()
	f.raw[code]++
	f.mu.Unlock()
	return f.series(code)
}

func (f *fakeHistory) WithRealtime(_ context.Context, code string, _ market.Adjust) (history.Series, error) {
	f.mu.Lock()
	f.realtime[code]++
	f.mu.Unlock()
	bars, err := f.series(code)
	return history.Series{Bars: bars, Realtime: true}, err
}

type fakeIndicators struct {
	temperature *indicator.Temperature
	daily       *indicator.DailyTrend
	weekly      *indicator.WeeklyTrend
	requests    []indicache.Request
}

func (f *fakeIndicators) Calculate(_ context.Context, req indicache.Request) *indicator.Temperature {
	f.requests = append(f.requests, req)
	return f.temperature
}

func (f *fakeIndicators) Daily(_ context.Context, req indicache.Request) *indicator.DailyTrend {
	f.requests = append(f.requests, req)
	return f.daily
}

func (f *fakeIndicators) Weekly(_ context.Context, req indicache.Request) *indicator.WeeklyTrend {
	f.requests = append(f.requests, req)
	return f.weekly
}

type sentMessage struct {
	to   alerting.Recipient
	text string
}

type fakeNotifier struct {
	sent []sentMessage
	fail bool
}

func (f *fakeNotifier) Send(_ context.Context, to alerting.Recipient, text string) error {
	if f.fail {
		return errors.New("telegram down")
	}
	f.sent = append(f.sent, sentMessage{to: to, text: text})
	return nil
}

type fakeAlerts struct {
	records []storage.AlertRecord
	cutoff  time.Time
}

func (f *fakeAlerts) InsertAlert(_ context.Context, rec storage.AlertRecord) (storage.AlertRecord, error) {
	rec.ID = int64(len(f.records) + 1)
	f.records = append(f.records, rec)
	return rec, nil
}

func (f *fakeAlerts) ListRecentAlerts(context.Context, int64, int) ([]storage.AlertRecord, error) {
	return f.records, nil
}

func (f *fakeAlerts) DeleteAlertsBefore(_ context.Context, olderThan time.Time) (int64, error) {
	f.cutoff = olderThan
	return 3, nil
}

type fakeLocker struct {
	acquired bool
	released int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

type fixture struct {
	svc        *Service
	subs       *fakeSubscribers
	history    *fakeHistory
	indicators *fakeIndicators
	notifier   *fakeNotifier
	alerts     *fakeAlerts
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		subs: &fakeSubscribers{
			subs: []storage.Subscriber{
				{UserID: 1, BotToken: "t1", ChatID: "c1"},
				{UserID: 2, BotToken: "t2", ChatID: "c2"},
			},
			watch: map[int64][]storage.WatchItem{
				1: {{UserID: 1, Code: "510300", Name: "沪深300ETF"}},
				2: {{UserID: 2, Code: "510300", Name: "沪深300ETF"}, {UserID: 2, Code: "159915"}},
			},
		},
		history: newFakeHistory(),
		indicators: &fakeIndicators{
			temperature: &indicator.Temperature{Score: 75, Level: indicator.LevelHot, RSIValue: 75},
		},
		notifier: &fakeNotifier{},
		alerts:   &fakeAlerts{},
	}
	states := alerting.NewStateStore(cache.NewMemoryStore(nil), time.UTC, zerolog.Nop())
	f.svc = New(Dependencies{
		History:     f.history,
		Trend:       f.indicators,
		Temperature: f.indicators,
		States:      states,
		Notifier:    f.notifier,
		Subscribers: f.subs,
		Alerts:      f.alerts,
	}, Options{Adjust: market.AdjustForward, AlertsEnabled: true, Location: time.UTC}, zerolog.Nop())
	return f
}

func TestRunCheckComputesOncePerInstrument(t *testing.T) {
	f := newFixture(t)
	f.history.fail["159915"] = true

	res, err := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose})
	if err != nil {
		t.Fatalf("RunCheck 失败: %v", err)
	}
	if f.history.raw["510300"] != 1 || f.history.raw["159915"] != 1 {
		t.Fatalf("每个标的只应拉取一次历史: %v", f.history.raw)
	}
	if res.Users != 2 || res.Instruments != 2 || res.Failed != 1 {
		t.Fatalf("运行统计错误: %+v", res)
	}
	if len(f.notifier.sent) != 2 || res.Delivered != 2 || res.Signals != 4 {
		t.Fatalf("应给两位用户各发送一条消息: %+v, %d 条", res, len(f.notifier.sent))
	}
	msg := f.notifier.sent[0].text
	if !strings.Contains(msg, "510300 沪深300ETF") || !strings.Contains(msg, "共 2 个信号") {
		t.Fatalf("消息内容错误: %s", msg)
	}
	if len(f.alerts.records) != 4 {
		t.Fatalf("应记录 4 条告警, 实际 %d", len(f.alerts.records))
	}
	for _, rec := range f.alerts.records {
		if rec.RunID != res.RunID || !rec.Delivered {
			t.Fatalf("告警记录应带上本次 run id 并标记已送达: %+v", rec)
		}
	}
	for _, req := range f.indicators.requests {
		if req.Realtime {
			t.Fatal("收盘检查不应使用实时模式")
		}
	}

	// Same day: every signal is already marked sent.
	res, err = f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose})
	if err != nil {
		t.Fatalf("第二次 RunCheck 失败: %v", err)
	}
	if res.Signals != 0 || len(f.notifier.sent) != 2 {
		t.Fatalf("当天重复信号应被过滤: %+v", res)
	}
}

func TestRunCheckSavesStateOnlyOnSignals(t *testing.T) {
	f := newFixture(t)
	f.subs.subs = f.subs.subs[:1]
	f.indicators.temperature = &indicator.Temperature{Score: 50, Level: indicator.LevelWarm, RSIValue: 50}
	ctx := context.Background()

	res, err := f.svc.RunCheck(ctx, CheckRequest{Kind: KindClose})
	if err != nil || res.Signals != 0 {
		t.Fatalf("温和温度不应产生信号: %+v %v", res, err)
	}
	if st, _ := f.svc.deps.States.Get(ctx, 1, "510300"); st != nil {
		t.Fatalf("无信号时不应保存状态: %+v", st)
	}

	f.indicators.temperature = &indicator.Temperature{Score: 75, Level: indicator.LevelHot, RSIValue: 75}
	if _, err := f.svc.RunCheck(ctx, CheckRequest{Kind: KindClose}); err != nil {
		t.Fatalf("RunCheck 失败: %v", err)
	}
	st, _ := f.svc.deps.States.Get(ctx, 1, "510300")
	if st == nil || st.TemperatureLevel == nil || *st.TemperatureLevel != indicator.LevelHot {
		t.Fatalf("产生信号后应保存当前状态: %+v", st)
	}
}

func TestRunCheckQuota(t *testing.T) {
	f := newFixture(t)
	f.subs.subs = []storage.Subscriber{{UserID: 3, BotToken: "t", ChatID: "c", Preferences: []byte(`{"max_alerts_per_day":1}`)}}
	f.subs.watch = map[int64][]storage.WatchItem{3: {{UserID: 3, Code: "510300", Name: "沪深300ETF"}}}

	res, err := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose})
	if err != nil {
		t.Fatalf("RunCheck 失败: %v", err)
	}
	if res.Signals != 1 || !strings.Contains(f.notifier.sent[0].text, "共 1 个信号") {
		t.Fatalf("超出配额的信号应被截断: %+v", res)
	}

	res, _ = f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose})
	if res.Users != 0 || len(f.notifier.sent) != 1 {
		t.Fatalf("配额用尽后应跳过该用户: %+v", res)
	}
}

func TestRunCheckIntradayUsesRealtime(t *testing.T) {
	f := newFixture(t)
	f.subs.subs = f.subs.subs[:1]

	if _, err := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindIntraday}); err != nil {
		t.Fatalf("RunCheck 失败: %v", err)
	}
	if f.history.realtime["510300"] != 1 || f.history.raw["510300"] != 0 {
		t.Fatalf("盘中检查应读取实时补丁后的历史: raw=%v realtime=%v", f.history.raw, f.history.realtime)
	}
	if len(f.indicators.requests) != 3 {
		t.Fatalf("每个标的应计算三个指标, 实际 %d", len(f.indicators.requests))
	}
	for _, req := range f.indicators.requests {
		if !req.Realtime {
			t.Fatal("盘中检查应以实时模式调用指标缓存")
		}
	}
}

func TestRunCheckSingleUserAndFailedDelivery(t *testing.T) {
	f := newFixture(t)
	f.notifier.fail = true

	res, err := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose, UserID: 2})
	if err != nil {
		t.Fatalf("RunCheck 失败: %v", err)
	}
	if res.Users != 1 || res.Delivered != 0 {
		t.Fatalf("只应检查用户 2 且发送失败: %+v", res)
	}
	for _, rec := range f.alerts.records {
		if rec.UserID != 2 || rec.Delivered {
			t.Fatalf("发送失败的记录应标记未送达: %+v", rec)
		}
	}
}

func TestRunCheckSkips(t *testing.T) {
	f := newFixture(t)
	locker := &fakeLocker{}
	f.svc.deps.Locker = locker
	f.svc.opts.LockKey = 42

	res, err := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose})
	if err != nil || !res.Skipped || f.subs.listCalls != 0 {
		t.Fatalf("未获取到咨询锁时应跳过: %+v %v", res, err)
	}

	locker.acquired = true
	if res, _ := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose}); res.Skipped || locker.released != 1 {
		t.Fatalf("获取锁后应执行并释放: %+v released=%d", res, locker.released)
	}

	f.svc.opts.AlertsEnabled = false
	if res, _ := f.svc.RunCheck(context.Background(), CheckRequest{Kind: KindClose}); !res.Skipped || res.RunID == uuid.Nil {
		t.Fatalf("关闭告警时应跳过: %+v", res)
	}
}

func TestPrune(t *testing.T) {
	f := newFixture(t)
	now := time.Date(2024, 5, 8, 15, 30, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return now }
	f.svc.opts.HistoryRetain = 24 * time.Hour

	if err := f.svc.Prune(context.Background()); err != nil {
		t.Fatalf("Prune 失败: %v", err)
	}
	if !f.alerts.cutoff.Equal(now.Add(-24 * time.Hour)) {
		t.Fatalf("清理截止时间错误: %s", f.alerts.cutoff)
	}
}

func TestParseKind(t *testing.T) {
	if k, err := ParseKind("close"); err != nil || k != KindClose {
		t.Fatalf("解析 close 失败: %v", err)
	}
	if _, err := ParseKind("hourly"); err == nil {
		t.Fatal("未知类型应报错")
	}
}
