package indicator

import (
	"fmt"
	"time"

	"etf-alerts/internal/market"
)

// Position of the close relative to a moving average.
type Position string

const (
	PositionAbove        Position = "above"
	PositionBelow        Position = "below"
	PositionCrossingUp   Position = "crossing_up"
	PositionCrossingDown Position = "crossing_down"
)

// Alignment of a set of moving averages.
type Alignment string

const (
	AlignmentBullish Alignment = "bullish"
	AlignmentBearish Alignment = "bearish"
	AlignmentMixed   Alignment = "mixed"
)

// Daily and weekly moving-average periods.
var (
	DailyMAPeriods  = [3]int{5, 20, 60}
	WeeklyMAPeriods = [3]int{5, 10, 20}
)

// MAValues holds the latest daily moving averages; nil when uncomputable.
type MAValues struct {
	MA5  *float64 `json:"ma5"`
	MA20 *float64 `json:"ma20"`
	MA60 *float64 `json:"ma60"`
}

// DailyTrend is the daily moving-average picture of one instrument.
type DailyTrend struct {
	MA5Position  *Position `json:"ma5_position"`
	MA20Position *Position `json:"ma20_position"`
	MA60Position *Position `json:"ma60_position"`
	MAAlignment  Alignment `json:"ma_alignment"`
	LatestSignal *string   `json:"latest_signal"`
	MAValues     MAValues  `json:"ma_values"`
}

// WeeklyTrend summarises the week-ending-Friday series.
type WeeklyTrend struct {
	ConsecutiveWeeks int       `json:"consecutive_weeks"`
	Direction        string    `json:"direction"`
	MAStatus         Alignment `json:"ma_status"`
}

// Week directions.
const (
	DirectionUp   = "up"
	DirectionDown = "down"
	DirectionFlat = "flat"
)

// ClassifyPosition compares today's and yesterday's close against the MA.
func ClassifyPosition(closeToday, maToday, closeYesterday, maYesterday float64) Position {
	switch {
	case closeYesterday < maYesterday && closeToday >= maToday:
		return PositionCrossingUp
	case closeYesterday > maYesterday && closeToday <= maToday:
		return PositionCrossingDown
	case closeToday > maToday:
		return PositionAbove
	default:
		return PositionBelow
	}
}

// PositionFor needs at least period+1 closes.
func PositionFor(closes []float64, period int) *Position {
	n := len(closes)
	if n < period+1 {
		return nil
	}
	maToday, ok1 := SMA(closes, period, n-1)
	maYesterday, ok2 := SMA(closes, period, n-2)
	if !ok1 || !ok2 {
		return nil
	}
	p := ClassifyPosition(closes[n-1], maToday, closes[n-2], maYesterday)
	return &p
}

// AlignmentOf is bullish for strictly decreasing values (short above long),
// bearish for strictly increasing, mixed otherwise or when any is missing.
func AlignmentOf(values ...*float64) Alignment {
	for _, v := range values {
		if v == nil {
			return AlignmentMixed
		}
	}
	bull, bear := true, true
	for i := 1; i < len(values); i++ {
		if !(*values[i-1] > *values[i]) {
			bull = false
		}
		if !(*values[i-1] < *values[i]) {
			bear = false
		}
	}
	switch {
	case bull:
		return AlignmentBullish
	case bear:
		return AlignmentBearish
	default:
		return AlignmentMixed
	}
}

func lastMA(closes []float64, period int) *float64 {
	v, ok := LastSMA(closes, period)
	if !ok {
		return nil
	}
	return &v
}

// DailyTrend returns nil for an empty series, fewer than 5 bars, or when MA5
// cannot be computed.
func (e *Engine) DailyTrend(series market.Series) *DailyTrend {
	if len(series) < DailyMAPeriods[0] {
		return nil
	}
	closes := series.Closes()
	values := MAValues{
		MA5:  lastMA(closes, DailyMAPeriods[0]),
		MA20: lastMA(closes, DailyMAPeriods[1]),
		MA60: lastMA(closes, DailyMAPeriods[2]),
	}
	if values.MA5 == nil {
		return nil
	}
	t := &DailyTrend{
		MA5Position:  PositionFor(closes, DailyMAPeriods[0]),
		MA20Position: PositionFor(closes, DailyMAPeriods[1]),
		MA60Position: PositionFor(closes, DailyMAPeriods[2]),
		MAAlignment:  AlignmentOf(values.MA5, values.MA20, values.MA60),
		MAValues:     values,
	}
	t.LatestSignal = latestSignal(t)
	return t
}

// latestSignal reports the first crossing scanning MA60, MA20, MA5.
func latestSignal(t *DailyTrend) *string {
	checks := []struct {
		period int
		pos    *Position
	}{
		{DailyMAPeriods[2], t.MA60Position},
		{DailyMAPeriods[1], t.MA20Position},
		{DailyMAPeriods[0], t.MA5Position},
	}
	for _, c := range checks {
		if c.pos == nil {
			continue
		}
		var s string
		switch *c.pos {
		case PositionCrossingUp:
			s = fmt.Sprintf("break_above_ma%d", c.period)
		case PositionCrossingDown:
			s = fmt.Sprintf("break_below_ma%d", c.period)
		default:
			continue
		}
		return &s
	}
	return nil
}

// ResampleWeekly folds daily bars into week-ending-Friday bars dated on the
// Friday. Weeks without bars do not appear.
func ResampleWeekly(series market.Series) market.Series {
	var out market.Series
	for _, bar := range series {
		day, err := time.Parse(market.DateLayout, bar.Date)
		if err != nil {
			continue
		}
		label := weekEndingFriday(day).Format(market.DateLayout)
		if n := len(out); n > 0 && out[n-1].Date == label {
			w := &out[n-1]
			if bar.High > w.High {
				w.High = bar.High
			}
			if bar.Low < w.Low {
				w.Low = bar.Low
			}
			w.Close = bar.Close
			w.Volume += bar.Volume
			continue
		}
		out = append(out, market.Bar{
			Date:   label,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
		})
	}
	return out
}

func weekEndingFriday(day time.Time) time.Time {
	offset := (int(time.Friday) - int(day.Weekday()) + 7) % 7
	return day.AddDate(0, 0, offset)
}

// ConsecutiveWeeks walks back from the latest week: leading flat weeks are
// skipped, the streak stops at the first reversal, and down streaks are negative.
func ConsecutiveWeeks(weekly market.Series) (int, string) {
	count := 0
	direction := DirectionFlat
	for i := len(weekly) - 1; i >= 0; i-- {
		current := weekDirection(weekly[i])
		if count == 0 {
			if current == DirectionFlat {
				continue
			}
			direction = current
			count = 1
			continue
		}
		if current != direction {
			break
		}
		count++
	}
	if direction == DirectionDown {
		count = -count
	}
	return count, direction
}

func weekDirection(b market.Bar) string {
	switch change := b.Close - b.Open; {
	case change > 0:
		return DirectionUp
	case change < 0:
		return DirectionDown
	default:
		return DirectionFlat
	}
}

// WeeklyTrend returns nil for an empty series.
func (e *Engine) WeeklyTrend(series market.Series) *WeeklyTrend {
	if len(series) == 0 {
		return nil
	}
	weekly := ResampleWeekly(series)
	if len(weekly) == 0 {
		return nil
	}
	count, direction := ConsecutiveWeeks(weekly)
	closes := weekly.Closes()
	return &WeeklyTrend{
		ConsecutiveWeeks: count,
		Direction:        direction,
		MAStatus: AlignmentOf(
			lastMA(closes, WeeklyMAPeriods[0]),
			lastMA(closes, WeeklyMAPeriods[1]),
			lastMA(closes, WeeklyMAPeriods[2]),
		),
	}
}
