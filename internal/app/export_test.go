package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"etf-alerts/internal/health"
	"etf-alerts/internal/market"
)

func dailyBars(n int) market.Series {
	out := make(market.Series, n)
	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		c := 1 + float64(i)/100
		out[i] = market.Bar{Date: day.AddDate(0, 0, i).Format(market.DateLayout), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return out
}

func TestBuildExportRowsAndFilter(t *testing.T) {
	rows := buildExportRows(dailyBars(70))
	if rows[3].MA[0] != nil || rows[4].MA[0] == nil {
		t.Fatal("MA5 应从第 5 根 K 线开始")
	}
	if rows[58].MA[2] != nil || rows[59].MA[2] == nil {
		t.Fatal("MA60 应从第 60 根 K 线开始")
	}

	filtered := filterRows(rows, "2024-03-01", "2024-03-05")
	if len(filtered) != 5 || filtered[0].Bar.Date != "2024-03-01" {
		t.Fatalf("日期筛选错误: %d", len(filtered))
	}
	if filtered[0].MA[2] == nil {
		t.Fatal("筛选前计算的均线应保留")
	}
	if len(rows) != 70 {
		t.Fatal("筛选不应修改原切片")
	}
}

func TestDownsampleRows(t *testing.T) {
	rows := buildExportRows(dailyBars(100))
	got := downsampleRows(rows, 10)
	if len(got) != 10 {
		t.Fatalf("期望 10 个点, 实际 %d", len(got))
	}
	if got[0].Bar.Date != rows[0].Bar.Date || got[9].Bar.Date != rows[99].Bar.Date {
		t.Fatal("降采样应保留首尾")
	}
	if len(downsampleRows(rows, 0)) != 100 || len(downsampleRows(rows, 200)) != 100 {
		t.Fatal("上限为 0 或大于数据量时不应降采样")
	}
}

func TestWriteRowsCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "510300.csv")
	if err := writeRowsCSV(path, buildExportRows(dailyBars(6))); err != nil {
		t.Fatalf("写入 CSV 失败: %v", err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("打开 CSV 失败: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("解析 CSV 失败: %v", err)
	}
	if len(records) != 7 || records[0][0] != "date" || records[0][6] != "ma5" {
		t.Fatalf("CSV 表头或行数错误: %v", records[0])
	}
	if records[1][6] != "" || records[5][6] != "1.0200" {
		t.Fatalf("MA5 列错误: %q %q", records[1][6], records[5][6])
	}
}

func TestWriteRowsPNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chart.png")
	if err := writeRowsPNG(path, "510300", buildExportRows(dailyBars(80))); err != nil {
		t.Fatalf("渲染 PNG 失败: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil || !bytes.HasPrefix(data, []byte("\x89PNG")) {
		t.Fatalf("应输出 PNG 文件: %v", err)
	}
}

func TestWriteIndicatorsWithoutTrend(t *testing.T) {
	var buf bytes.Buffer
	writeIndicators(&buf, "510300", dailyBars(40), nil, nil, nil)
	out := buf.String()
	if !strings.Contains(out, "510300") || !strings.Contains(out, "Temperature") || !strings.Contains(out, "Grid") {
		t.Fatalf("输出缺少字段: %s", out)
	}
}

func TestWriteSources(t *testing.T) {
	latency := 12.5
	var buf bytes.Buffer
	writeSources(&buf, health.OverallDegraded, []health.SourceStatus{
		{Name: "eastmoney", Status: health.StatusOK, AvgLatencyMS: &latency},
		{Name: "baostock", Status: health.StatusError, CircuitOpen: true, LastError: "login\nfailed"},
	})
	out := buf.String()
	if !strings.Contains(out, "Overall: degraded") || !strings.Contains(out, "12.5") || !strings.Contains(out, "login failed") {
		t.Fatalf("数据源表格错误: %s", out)
	}
}

func TestAdminRecipientsWithoutStore(t *testing.T) {
	got, err := adminRecipients{}.ListAdminRecipients(context.Background())
	if err != nil || got != nil {
		t.Fatalf("未配置数据库时应返回空列表: %v %v", got, err)
	}
}

func TestBackupMonthSelection(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	got, err := backupMonth("", now)
	if err != nil || got.Year() != 2023 || got.Month() != time.December {
		t.Fatalf("默认应备份上个月: %v %v", got, err)
	}
	got, err = backupMonth("2024-03", now)
	if err != nil || got.Month() != time.March {
		t.Fatalf("应解析 YYYY-MM: %v %v", got, err)
	}
	if _, err := backupMonth("2024/03", now); err == nil {
		t.Fatal("非法月份格式应报错")
	}
}
