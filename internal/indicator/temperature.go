package indicator

import (
	"fmt"
	"math"

	"etf-alerts/internal/market"
)

// MinTemperatureBars is the shortest history a temperature is computed for.
const MinTemperatureBars = 15

// Temperature levels.
const (
	LevelFreezing = "freezing"
	LevelCool     = "cool"
	LevelWarm     = "warm"
	LevelHot      = "hot"
)

// Factors are the five 0-100 component scores.
type Factors struct {
	DrawdownScore   float64 `json:"drawdown_score"`
	RSIScore        float64 `json:"rsi_score"`
	PercentileScore float64 `json:"percentile_score"`
	VolatilityScore float64 `json:"volatility_score"`
	TrendScore      float64 `json:"trend_score"`
}

// Temperature is the composite valuation score of one instrument.
type Temperature struct {
	Score           int     `json:"score"`
	Level           string  `json:"level"`
	Factors         Factors `json:"factors"`
	RSIValue        float64 `json:"rsi_value"`
	PercentileValue float64 `json:"percentile_value"`
	PercentileYears float64 `json:"percentile_years"`
	PercentileNote  string  `json:"percentile_note,omitempty"`
}

// PercentileResult is the historical position of the latest close.
type PercentileResult struct {
	Value       float64
	Score       float64
	ActualYears float64
	Note        string
}

// RSI uses Wilder smoothing seeded by the simple mean of the first period
// changes. With exactly period+1 closes the seed alone is used.
func RSI(closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)
	for i := period + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		avgGain = (avgGain*float64(period-1) + up) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + down) / float64(period)
	}
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50, true
	case avgLoss == 0:
		return 100, true
	case avgGain == 0:
		return 0, true
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs), true
}

// DrawdownScore maps the drawdown from the running peak onto 0-100, where a
// 30% drawdown scores 0 and a new high scores 100.
func DrawdownScore(closes []float64) int {
	if len(closes) == 0 {
		return 50
	}
	peak := closes[0]
	for _, c := range closes {
		if c > peak {
			peak = c
		}
	}
	if peak <= 0 {
		return 50
	}
	dd := (closes[len(closes)-1] - peak) / peak
	return int(clamp(100*(1+dd/0.30), 0, 100))
}

// Percentile ranks the latest close inside the last years*252 closes.
// ActualYears reports the coverage of the whole history.
func Percentile(closes []float64, years int) PercentileResult {
	if len(closes) == 0 {
		return PercentileResult{Value: 0.5, Score: 50, ActualYears: 0, Note: "无数据"}
	}
	actual := market.Round(float64(len(closes))/TradingDaysPerYear, 1)
	window := closes
	if target := years * TradingDaysPerYear; len(window) > target {
		window = window[len(window)-target:]
	}
	value := FractionBelow(window, closes[len(closes)-1])
	res := PercentileResult{
		Value:       value,
		Score:       value * 100,
		ActualYears: actual,
	}
	if actual < float64(years) {
		res.Note = fmt.Sprintf("数据仅覆盖 %.1f 年", actual)
	}
	return res
}

// VolatilityScore ranks the latest rolling stdev of returns against its own
// history. Fewer than window+1 closes score 50.
func VolatilityScore(closes []float64, window int) float64 {
	if len(closes) < window+1 {
		return 50
	}
	stds := RollingStd(PctChange(closes), window)
	if len(stds) == 0 {
		return 50
	}
	return FractionBelow(stds, stds[len(stds)-1]) * 100
}

// TrendScore is 80 for a bullish MA5>MA10>MA20>MA60 stack, 20 for the
// reverse, 50 otherwise or with fewer than 60 closes.
func TrendScore(closes []float64) int {
	if len(closes) < 60 {
		return 50
	}
	ma := func(p int) *float64 { return lastMA(closes, p) }
	switch AlignmentOf(ma(5), ma(10), ma(20), ma(60)) {
	case AlignmentBullish:
		return 80
	case AlignmentBearish:
		return 20
	default:
		return 50
	}
}

// Composite weights the factors and rounds half away from zero.
func Composite(f Factors, w Weights) int {
	v := f.DrawdownScore*w.Drawdown +
		f.RSIScore*w.RSI +
		f.PercentileScore*w.Percentile +
		f.VolatilityScore*w.Volatility +
		f.TrendScore*w.Trend
	return int(math.Round(v))
}

// TemperatureLevel buckets a score: <=30 freezing, <=50 cool, <=70 warm, else hot.
func TemperatureLevel(score int) string {
	switch {
	case score <= 30:
		return LevelFreezing
	case score <= 50:
		return LevelCool
	case score <= 70:
		return LevelWarm
	default:
		return LevelHot
	}
}

// Temperature returns nil for fewer than MinTemperatureBars bars.
func (e *Engine) Temperature(series market.Series) *Temperature {
	if len(series) < MinTemperatureBars {
		return nil
	}
	closes := series.Closes()

	rsi, ok := RSI(closes, e.cfg.RSIPeriod)
	if !ok {
		rsi = 50
	}
	pct := Percentile(closes, e.cfg.PercentileYears)
	f := Factors{
		DrawdownScore:   float64(DrawdownScore(closes)),
		RSIScore:        market.Round(rsi, 2),
		PercentileScore: market.Round(pct.Score, 2),
		VolatilityScore: market.Round(VolatilityScore(closes, e.cfg.VolatilityWindow), 2),
		TrendScore:      float64(TrendScore(closes)),
	}
	score := Composite(f, e.cfg.Weights)
	return &Temperature{
		Score:           score,
		Level:           TemperatureLevel(score),
		Factors:         f,
		RSIValue:        market.Round(rsi, 2),
		PercentileValue: market.Round(pct.Value, 4),
		PercentileYears: pct.ActualYears,
		PercentileNote:  pct.Note,
	}
}
