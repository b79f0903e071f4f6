package alerting

import (
	"fmt"
	"strings"
	"time"
)

var priorityHeaders = []struct {
	priority Priority
	header   string
}{
	{PriorityHigh, "🔥 <b>高优先级:</b>"},
	{PriorityMedium, "📈 <b>中优先级:</b>"},
	{PriorityLow, "📋 <b>低优先级:</b>"},
}

// FormatMessage renders one batched HTML message grouped by priority.
func FormatMessage(signals []Signal, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 <b>ETF 信号提醒</b> (%s)\n\n", now.Format("15:04"))
	for _, group := range priorityHeaders {
		first := true
		for _, s := range signals {
			if s.Priority != group.priority {
				continue
			}
			if first {
				b.WriteString(group.header + "\n")
				first = false
			}
			fmt.Fprintf(&b, "• %s %s: %s\n", s.Code, s.Name, s.Detail)
		}
		if !first {
			b.WriteString("\n")
		}
	}
	fmt.Fprintf(&b, "共 %d 个信号", len(signals))
	return b.String()
}
