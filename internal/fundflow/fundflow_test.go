package fundflow

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"etf-alerts/internal/cache"
	"etf-alerts/internal/fetcher"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
)

type fakeFetcher struct {
	exchange string
	rows     []fetcher.ShareRow
	err      error
}

func (f fakeFetcher) Exchange() string { return f.exchange }

func (f fakeFetcher) FetchShares(context.Context) ([]fetcher.ShareRow, error) {
	return f.rows, f.err
}

type fakeShareStore struct {
	inserted []storage.ShareRecord
	latest   map[string]storage.ShareRecord
	rank     map[string]storage.ShareRank
	count    map[string]int
	listed   [2]string
	latestN  int
}

func (f *fakeShareStore) InsertShares(_ context.Context, records []storage.ShareRecord) (int64, error) {
	f.inserted = append(f.inserted, records...)
	return int64(len(records)), nil
}

func (f *fakeShareStore) LatestShare(_ context.Context, code string) (storage.ShareRecord, bool, error) {
	f.latestN++
	rec, ok := f.latest[code]
	return rec, ok, nil
}

func (f *fakeShareStore) ShareRank(_ context.Context, code string) (storage.ShareRank, bool, error) {
	r, ok := f.rank[code]
	return r, ok, nil
}

func (f *fakeShareStore) CountShares(_ context.Context, code string) (int, error) {
	return f.count[code], nil
}

func (f *fakeShareStore) ListSharesBetween(_ context.Context, from, to string) ([]storage.ShareRecord, error) {
	f.listed = [2]string{from, to}
	return f.inserted, nil
}

type fakeQuotes map[string]market.Quote

func (f fakeQuotes) Get(code string) (market.Quote, bool) {
	q, ok := f[code]
	return q, ok
}

func TestCollectConvertsAndSkipsInvalid(t *testing.T) {
	store := &fakeShareStore{}
	c := NewCollector([]fetcher.ShareFetcher{
		fakeFetcher{exchange: "SSE", rows: []fetcher.ShareRow{
			{Code: "510300", Date: "2024-05-07", Shares: 9.1e10, ETFType: "股票型"},
			{Code: "510500", Date: "2024-05-07", Shares: 0},
		}},
		fakeFetcher{exchange: "SZSE", rows: []fetcher.ShareRow{{Code: "159915", Shares: 2e9}}},
	}, store, CollectorOptions{Location: time.UTC}, zerolog.Nop())
	c.now = func() time.Time { return time.Date(2024, 5, 8, 8, 0, 0, 0, time.UTC) }

	res, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("采集失败: %v", err)
	}
	if !res.Success || res.Collected != 2 || res.Failed != 0 {
		t.Fatalf("采集统计错误: %+v", res)
	}
	if res.Message != "Collected 2 records (SSE: 1, SZSE: 1)" {
		t.Fatalf("采集消息错误: %q", res.Message)
	}
	if store.inserted[0].Shares != 910 || store.inserted[0].Exchange != "SSE" {
		t.Fatalf("份应换算为亿份: %+v", store.inserted[0])
	}
	if store.inserted[1].Date != "2024-05-08" || store.inserted[1].Shares != 20 {
		t.Fatalf("缺少日期时应使用当天: %+v", store.inserted[1])
	}
}

func TestCollectReportsFailedExchange(t *testing.T) {
	c := NewCollector([]fetcher.ShareFetcher{
		fakeFetcher{exchange: "SSE", err: errors.New("timeout")},
		fakeFetcher{exchange: "SZSE", err: fetcher.ErrNoData},
	}, &fakeShareStore{}, CollectorOptions{}, zerolog.Nop())

	res, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("单个交易所失败不应返回错误: %v", err)
	}
	if res.Success || res.Failed != 2 || !strings.HasSuffix(res.Message, ", 2 exchange(s) failed") {
		t.Fatalf("失败统计错误: %+v", res)
	}
}

func TestFundFlowComputesAndCaches(t *testing.T) {
	price := 4.0
	store := &fakeShareStore{
		latest: map[string]storage.ShareRecord{"510300": {Code: "510300", Date: "2024-05-07", Shares: 900, Exchange: "SSE"}},
		rank:   map[string]storage.ShareRank{"510300": {Rank: 2, Total: 4}},
		count:  map[string]int{"510300": 30},
	}
	svc := NewService(store, fakeQuotes{"510300": {Code: "510300", Name: "沪深300ETF", Price: &price}}, cache.NewMemoryStore(nil), 0, zerolog.Nop())
	ctx := context.Background()

	flow, err := svc.FundFlow(ctx, "510300", false)
	if err != nil || flow == nil {
		t.Fatalf("应返回规模数据: %v", err)
	}
	if flow.CurrentScale.Scale == nil || *flow.CurrentScale.Scale != 3600 {
		t.Fatalf("规模应为份额乘价格: %+v", flow.CurrentScale)
	}
	if flow.Rank == nil || flow.Rank.Percentile != 75 || flow.Rank.Category != "ETF" {
		t.Fatalf("排名百分位错误: %+v", flow.Rank)
	}
	if !flow.HistoricalAvailable || flow.DataPoints != 30 || flow.Name != "沪深300ETF" {
		t.Fatalf("历史数据标记错误: %+v", flow)
	}

	if _, err := svc.FundFlow(ctx, "510300", false); err != nil || store.latestN != 1 {
		t.Fatalf("第二次查询应命中缓存, 实际查询 %d 次", store.latestN)
	}
	if _, err := svc.FundFlow(ctx, "510300", true); err != nil || store.latestN != 2 {
		t.Fatalf("强制刷新应跳过缓存, 实际查询 %d 次", store.latestN)
	}
}

func TestFundFlowWithoutData(t *testing.T) {
	store := &fakeShareStore{}
	svc := NewService(store, nil, cache.NewMemoryStore(nil), time.Hour, zerolog.Nop())

	for i := 0; i < 2; i++ {
		flow, err := svc.FundFlow(context.Background(), "159999", false)
		if err != nil || flow != nil {
			t.Fatalf("无数据时应返回 nil: %+v %v", flow, err)
		}
	}
	if store.latestN != 2 {
		t.Fatal("空结果不应写入缓存")
	}
}

func TestBackupMonthWritesCSV(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	store := &fakeShareStore{inserted: []storage.ShareRecord{
		{Code: "510300", Date: "2024-02-29", Shares: 910.5, Exchange: "SSE", ETFType: "股票型", CreatedAt: time.Date(2024, 2, 29, 8, 0, 0, 0, time.UTC)},
	}}
	c := NewCollector(nil, store, CollectorOptions{BackupDir: dir}, zerolog.Nop())

	res, err := c.BackupMonth(context.Background(), 2024, time.February)
	if err != nil {
		t.Fatalf("备份失败: %v", err)
	}
	if store.listed != [2]string{"2024-02-01", "2024-02-29"} {
		t.Fatalf("闰年二月日期范围错误: %v", store.listed)
	}
	if filepath.Base(res.Path) != "etf_share_history_2024-02.csv" || res.Rows != 1 {
		t.Fatalf("备份结果错误: %+v", res)
	}
	data, err := os.ReadFile(res.Path)
	if err != nil || int64(len(data)) != res.Bytes {
		t.Fatalf("文件大小应与结果一致: %v", err)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil || len(records) != 2 {
		t.Fatalf("CSV 解析失败: %v", err)
	}
	if strings.Join(records[0], ",") != "code,date,shares,exchange,etf_type,created_at" {
		t.Fatalf("表头错误: %v", records[0])
	}
	if records[1][2] != "910.5" || records[1][5] != "2024-02-29T08:00:00Z" {
		t.Fatalf("数据行错误: %v", records[1])
	}

	if _, err := c.BackupMonth(context.Background(), 2024, 13); err == nil {
		t.Fatal("非法月份应报错")
	}
}

func TestExportCSVEmptyRange(t *testing.T) {
	c := NewCollector(nil, &fakeShareStore{}, CollectorOptions{}, zerolog.Nop())
	var buf bytes.Buffer
	n, err := c.ExportCSV(context.Background(), &buf, "2024-01-01", "2024-01-31")
	if err != nil || n != 0 {
		t.Fatalf("空区间不应报错: %v", err)
	}
	if strings.TrimSpace(buf.String()) != "code,date,shares,exchange,etf_type,created_at" {
		t.Fatalf("空区间应只输出表头: %q", buf.String())
	}
}
