package alerting

import (
	"encoding/json"
	"fmt"
	"time"

	"etf-alerts/internal/indicator"
)

// Priority orders signals inside a message.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Signal types.
const (
	SignalTemperatureChange  = "temperature_change"
	SignalExtremeTemperature = "extreme_temperature"
	SignalRSIOverbought      = "rsi_overbought"
	SignalRSIOversold        = "rsi_oversold"
	SignalMAAlignmentBullish = "ma_alignment_bullish"
	SignalMAAlignmentBearish = "ma_alignment_bearish"
	SignalWeeklyBullish      = "weekly_trend_bullish"
	SignalWeeklyBearish      = "weekly_trend_bearish"
)

// Daily alert quota bounds.
const (
	DefaultMaxAlertsPerDay = 20
	MinMaxAlertsPerDay     = 1
	MaxMaxAlertsPerDay     = 100
)

// Signal is one detected event for an instrument.
type Signal struct {
	Code     string   `json:"etf_code"`
	Name     string   `json:"etf_name"`
	Type     string   `json:"signal_type"`
	Detail   string   `json:"signal_detail"`
	Priority Priority `json:"priority"`
}

// Preferences are a user's per-category alert switches.
type Preferences struct {
	Enabled            bool `json:"enabled"`
	TemperatureChange  bool `json:"temperature_change"`
	ExtremeTemperature bool `json:"extreme_temperature"`
	MACrossover        bool `json:"ma_crossover"`
	MAAlignment        bool `json:"ma_alignment"`
	WeeklySignal       bool `json:"weekly_signal"`
	MaxAlertsPerDay    int  `json:"max_alerts_per_day"`
	// DailySummary sends the watchlist report once per trading day at
	// DailySummaryTime (HH:MM, local).
	DailySummary     bool   `json:"daily_summary_enabled"`
	DailySummaryTime string `json:"daily_summary_time"`
}

// DefaultSummaryTime is when the daily report goes out unless overridden.
const DefaultSummaryTime = "15:30"

// DefaultPreferences enables every category with a quota of 20.
func DefaultPreferences() Preferences {
	return Preferences{
		Enabled:            true,
		TemperatureChange:  true,
		ExtremeTemperature: true,
		MACrossover:        true,
		MAAlignment:        true,
		WeeklySignal:       true,
		MaxAlertsPerDay:    DefaultMaxAlertsPerDay,
		DailySummary:       true,
		DailySummaryTime:   DefaultSummaryTime,
	}
}

// Validate checks the daily quota range and the summary time.
func (p Preferences) Validate() error {
	if p.MaxAlertsPerDay < MinMaxAlertsPerDay || p.MaxAlertsPerDay > MaxMaxAlertsPerDay {
		return fmt.Errorf("max_alerts_per_day must be within %d..%d, got %d", MinMaxAlertsPerDay, MaxMaxAlertsPerDay, p.MaxAlertsPerDay)
	}
	if _, err := time.Parse("15:04", p.DailySummaryTime); err != nil {
		return fmt.Errorf("daily_summary_time must be HH:MM, got %q", p.DailySummaryTime)
	}
	return nil
}

// ParsePreferences overlays a stored settings object on the defaults.
// quota replaces the default daily limit when positive.
func ParsePreferences(raw json.RawMessage, quota int) (Preferences, error) {
	prefs := DefaultPreferences()
	if quota > 0 {
		prefs.MaxAlertsPerDay = quota
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &prefs); err != nil {
			return DefaultPreferences(), fmt.Errorf("parse alert preferences: %w", err)
		}
	}
	if err := prefs.Validate(); err != nil {
		return DefaultPreferences(), err
	}
	return prefs, nil
}

// State is the per user and instrument snapshot compared on the next run.
type State struct {
	Code             string               `json:"etf_code"`
	LastCheckTime    time.Time            `json:"last_check_time"`
	TemperatureLevel *string              `json:"temperature_level"`
	TemperatureScore *float64             `json:"temperature_score"`
	RSIValue         *float64             `json:"rsi_value"`
	MA5Position      *indicator.Position  `json:"ma5_position"`
	MA20Position     *indicator.Position  `json:"ma20_position"`
	MA60Position     *indicator.Position  `json:"ma60_position"`
	MAAlignment      *indicator.Alignment `json:"ma_alignment"`
	WeeklyAlignment  *indicator.Alignment `json:"weekly_alignment"`
}

// Metrics is the indicator bundle computed once per instrument per run.
// Any member may be nil when it could not be computed.
type Metrics struct {
	Temperature *indicator.Temperature
	DailyTrend  *indicator.DailyTrend
	WeeklyTrend *indicator.WeeklyTrend
}

// BuildState snapshots the current metrics.
func BuildState(code string, m Metrics, now time.Time) State {
	s := State{Code: code, LastCheckTime: now}
	if t := m.Temperature; t != nil {
		level, score, rsi := t.Level, float64(t.Score), t.RSIValue
		s.TemperatureLevel = &level
		s.TemperatureScore = &score
		s.RSIValue = &rsi
	}
	if d := m.DailyTrend; d != nil {
		s.MA5Position = d.MA5Position
		s.MA20Position = d.MA20Position
		s.MA60Position = d.MA60Position
		align := d.MAAlignment
		s.MAAlignment = &align
	}
	if w := m.WeeklyTrend; w != nil {
		align := w.MAStatus
		s.WeeklyAlignment = &align
	}
	return s
}

// DetectSignals compares current metrics with the previous snapshot. It is
// pure; de-duplication against already sent signals happens in StateStore.
func DetectSignals(code, name string, current Metrics, previous *State, prefs Preferences) []Signal {
	d := detector{code: code, name: name}
	d.temperature(current.Temperature, previous, prefs)
	d.movingAverages(current.DailyTrend, previous, prefs)
	d.weekly(current.WeeklyTrend, previous, prefs)
	return d.out
}

type detector struct {
	code string
	name string
	out  []Signal
}

func (d *detector) add(kind, detail string, p Priority) {
	d.out = append(d.out, Signal{Code: d.code, Name: d.name, Type: kind, Detail: detail, Priority: p})
}

func (d *detector) temperature(t *indicator.Temperature, prev *State, prefs Preferences) {
	if t == nil {
		return
	}
	var prevLevel *string
	if prev != nil {
		prevLevel = prev.TemperatureLevel
	}

	if prefs.TemperatureChange && prevLevel != nil && *prevLevel != t.Level {
		d.add(SignalTemperatureChange, fmt.Sprintf("温度 %s → %s", *prevLevel, t.Level), PriorityHigh)
	}

	if prefs.ExtremeTemperature {
		entering := prevLevel == nil || *prevLevel != t.Level
		switch {
		case t.Level == indicator.LevelFreezing && entering:
			d.add(SignalExtremeTemperature, fmt.Sprintf("进入冰点区域 (温度=%d)", t.Score), PriorityHigh)
		case t.Level == indicator.LevelHot && entering:
			d.add(SignalExtremeTemperature, fmt.Sprintf("进入过热区域 (温度=%d)", t.Score), PriorityHigh)
		}
	}

	var prevRSI *float64
	if prev != nil {
		prevRSI = prev.RSIValue
	}
	rsi := t.RSIValue
	switch {
	case rsi > 70 && (prevRSI == nil || *prevRSI <= 70):
		d.add(SignalRSIOverbought, fmt.Sprintf("RSI 超买 (%.1f)", rsi), PriorityMedium)
	case rsi < 30 && (prevRSI == nil || *prevRSI >= 30):
		d.add(SignalRSIOversold, fmt.Sprintf("RSI 超卖 (%.1f)", rsi), PriorityMedium)
	}
}

func (d *detector) movingAverages(daily *indicator.DailyTrend, prev *State, prefs Preferences) {
	if daily == nil {
		return
	}
	if prefs.MACrossover {
		crossings := []struct {
			key      string
			label    string
			pos      *indicator.Position
			priority Priority
		}{
			{"ma60", "MA60", daily.MA60Position, PriorityHigh},
			{"ma20", "MA20", daily.MA20Position, PriorityMedium},
		}
		for _, c := range crossings {
			if c.pos == nil {
				continue
			}
			switch *c.pos {
			case indicator.PositionCrossingUp:
				d.add("ma_cross_up_"+c.key, "上穿 "+c.label, c.priority)
			case indicator.PositionCrossingDown:
				d.add("ma_cross_down_"+c.key, "下穿 "+c.label, c.priority)
			}
		}
	}

	if !prefs.MAAlignment || prev == nil || prev.MAAlignment == nil || *prev.MAAlignment == daily.MAAlignment {
		return
	}
	switch daily.MAAlignment {
	case indicator.AlignmentBullish:
		d.add(SignalMAAlignmentBullish, "均线多头排列形成", PriorityMedium)
	case indicator.AlignmentBearish:
		d.add(SignalMAAlignmentBearish, "均线空头排列形成", PriorityMedium)
	}
}

func (d *detector) weekly(weekly *indicator.WeeklyTrend, prev *State, prefs Preferences) {
	if !prefs.WeeklySignal || weekly == nil || prev == nil || prev.WeeklyAlignment == nil {
		return
	}
	switch from, to := *prev.WeeklyAlignment, weekly.MAStatus; {
	case from == indicator.AlignmentBearish && to == indicator.AlignmentBullish:
		d.add(SignalWeeklyBullish, "周线空转多", PriorityHigh)
	case from == indicator.AlignmentBullish && to == indicator.AlignmentBearish:
		d.add(SignalWeeklyBearish, "周线多转空", PriorityHigh)
	}
}
