package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestSSESharesConvertsUnits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") == "" {
			t.Error("上交所接口需要 Referer")
		}
		if r.URL.Query().Get("sqlId") != sseSharesSQLID {
			t.Errorf("sqlId 错误: %s", r.URL.Query().Get("sqlId"))
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"result": []map[string]any{
				{"SEC_CODE": "510300", "STAT_DATE": "2024-05-07", "TOT_VOL": "912345.5", "ETF_TYPE": "股票型"},
				{"SEC_CODE": "510500", "STAT_DATE": "20240507", "TOT_VOL": 100},
				{"SEC_CODE": "", "TOT_VOL": 1},
				{"SEC_CODE": "588000", "STAT_DATE": "", "TOT_VOL": "-"},
			},
		})
	}))
	defer srv.Close()

	rows, err := NewSSEShares(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop()).FetchShares(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("空代码应被跳过, 实际 %d 行", len(rows))
	}
	if rows[0].Shares != 9123455000 || rows[0].Date != "2024-05-07" || rows[0].ETFType != "股票型" {
		t.Fatalf("万份应换算为份: %+v", rows[0])
	}
	if rows[1].Date != "2024-05-07" || rows[1].Shares != 1e6 {
		t.Fatalf("紧凑日期应规范化: %+v", rows[1])
	}
	if rows[2].Shares != 0 || rows[2].Date != "" {
		t.Fatalf("无效份额应保留为 0 交给采集器过滤: %+v", rows[2])
	}
}

func TestSZSESharesPaginates(t *testing.T) {
	pages := map[string]string{
		"1": `[{"metadata":{"pagecount":2},"data":[{"sys_key":"<a href='x'><u>159915</u></a>","kzjcurl":"创业板ETF","jjlb":"股票基金","dqgm":"1,234,500,000"}]}]`,
		"2": `[{"metadata":{"pagecount":2},"data":[{"sys_key":"<u>159919</u>","jjlb":"股票基金","dqgm":"-"}]}]`,
	}
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.URL.Query().Get("CATALOGID") != szseCatalog {
			t.Errorf("CATALOGID 错误: %s", r.URL.Query().Get("CATALOGID"))
		}
		_, _ = w.Write([]byte(pages[r.URL.Query().Get("PAGENO")]))
	}))
	defer srv.Close()

	rows, err := NewSZSEShares(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop()).FetchShares(context.Background())
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if hits != 2 || len(rows) != 2 {
		t.Fatalf("应按 pagecount 翻页: hits=%d rows=%d", hits, len(rows))
	}
	if rows[0].Code != "159915" || rows[0].Shares != 1234500000 || rows[0].Date != "" {
		t.Fatalf("应去掉 HTML 标签与千分位: %+v", rows[0])
	}
}

func TestSZSESharesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	if _, err := NewSZSEShares(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop()).FetchShares(context.Background()); err != ErrNoData {
		t.Fatalf("空报表应返回 ErrNoData: %v", err)
	}
}

func TestCSIndexFetchPE(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("indexCode") != "000300" || q.Get("startDate") != "20140101" {
			t.Errorf("查询参数错误: %s", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":"200","data":[
			{"tradeDate":"20240507","indexNameCn":"沪深300","peg":12.5},
			{"tradeDate":"20240506","indexNameCn":"沪深300","peg":"12.1"},
			{"tradeDate":"20240505","indexNameCn":"沪深300","peg":null}
		]}`))
	}))
	defer srv.Close()

	name, points, err := NewCSIndex(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, zerolog.Nop()).
		FetchPE(context.Background(), "000300", "2014-01-01", "2024-05-07")
	if err != nil {
		t.Fatalf("不应报错: %v", err)
	}
	if name != "沪深300" || len(points) != 2 {
		t.Fatalf("缺少 PE 的交易日应被跳过: %s %d", name, len(points))
	}
	if points[0].Date != "2024-05-06" || points[1].PE != 12.5 {
		t.Fatalf("应按日期升序: %+v", points)
	}
}
