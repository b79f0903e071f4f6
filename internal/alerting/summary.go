package alerting

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"etf-alerts/internal/indicator"
)

// SummaryItem is one watchlist row of the daily report.
type SummaryItem struct {
	Code             string
	Name             string
	ChangePct        float64
	TemperatureScore *int
	TemperatureLevel string
}

var weekdayNames = [...]string{"周日", "周一", "周二", "周三", "周四", "周五", "周六"}

// SummaryDate renders the report date, e.g. "2026-02-06 (周五)".
func SummaryDate(t time.Time) string {
	return fmt.Sprintf("%s (%s)", t.Format("2006-01-02"), weekdayNames[t.Weekday()])
}

var summaryLevels = []struct {
	level string
	icon  string
}{
	{indicator.LevelFreezing, "🥶"},
	{indicator.LevelCool, "❄️"},
	{indicator.LevelWarm, "☀️"},
	{indicator.LevelHot, "🔥"},
}

// FormatDailySummary 生成自选日报（HTML）。自选不超过 3 只时逐只列出，
// 否则只列涨幅前三和跌幅前三。
func FormatDailySummary(items []SummaryItem, signals []Signal, date string) string {
	lines := []string{fmt.Sprintf("📋 <b>自选日报</b> | %s", date), ""}

	up, down := 0, 0
	for _, it := range items {
		switch {
		case it.ChangePct > 0:
			up++
		case it.ChangePct < 0:
			down++
		}
	}
	lines = append(lines, fmt.Sprintf("📊 涨: %d | 跌: %d | 平: %d", up, down, len(items)-up-down), "")

	sorted := append([]SummaryItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChangePct > sorted[j].ChangePct })

	if len(items) <= 3 {
		for _, it := range sorted {
			lines = append(lines, summaryLine(it))
		}
		lines = append(lines, "")
	} else {
		var gainers, losers []SummaryItem
		for _, it := range sorted {
			switch {
			case it.ChangePct > 0:
				gainers = append(gainers, it)
			case it.ChangePct < 0:
				losers = append(losers, it)
			}
		}
		if len(gainers) > 0 {
			lines = append(lines, "🔴 <b>涨幅前三</b>")
			for _, it := range gainers[:min(3, len(gainers))] {
				lines = append(lines, summaryLine(it))
			}
			lines = append(lines, "")
		}
		if len(losers) > 0 {
			lines = append(lines, "🟢 <b>跌幅前三</b>")
			for i := len(losers) - 1; i >= max(0, len(losers)-3); i-- {
				lines = append(lines, summaryLine(losers[i]))
			}
			lines = append(lines, "")
		}
	}

	if len(signals) > 0 {
		lines = append(lines, fmt.Sprintf("⚡ <b>今日信号</b> (%d)", len(signals)))
		for _, s := range signals {
			lines = append(lines, fmt.Sprintf("• %s %s: %s", s.Code, s.Name, s.Detail))
		}
		lines = append(lines, "")
	}

	counts := make(map[string]int, len(summaryLevels))
	for _, it := range items {
		counts[it.TemperatureLevel]++
	}
	parts := make([]string, 0, len(summaryLevels))
	for _, l := range summaryLevels {
		parts = append(parts, fmt.Sprintf("%s %s: %d", l.icon, l.level, counts[l.level]))
	}
	lines = append(lines, "🌡️ "+strings.Join(parts, " | "))

	return strings.Join(lines, "\n")
}

func summaryLine(it SummaryItem) string {
	sign := ""
	if it.ChangePct > 0 {
		sign = "+"
	}
	temp := ""
	if it.TemperatureScore != nil {
		temp = fmt.Sprintf("  🌡️%d", *it.TemperatureScore)
	}
	return fmt.Sprintf("• %s (%s)  %s%.2f%%%s", it.Name, it.Code, sign, it.ChangePct, temp)
}
