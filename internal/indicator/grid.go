package indicator

import (
	"math"

	"etf-alerts/internal/market"
)

const (
	gridMinBars    = 30
	gridWindow     = 60
	gridATRPeriod  = 14
	gridMinCount   = 5
	gridMaxCount   = 20
	gridMinSpacing = 0.01
	gridMaxSpacing = 0.03
	gridFallback   = 0.015
)

// GridParams is a suggested grid-trading band.
type GridParams struct {
	Upper        float64 `json:"upper"`
	Lower        float64 `json:"lower"`
	SpacingPct   float64 `json:"spacing_pct"`
	GridCount    int     `json:"grid_count"`
	RangeStart   string  `json:"range_start"`
	RangeEnd     string  `json:"range_end"`
	IsOutOfRange bool    `json:"is_out_of_range"`
}

// CalculateGridParams derives the band from the trailing 60 bars. ok is false
// with fewer than 30 bars.
func CalculateGridParams(series market.Series) (GridParams, bool) {
	if len(series) < gridMinBars {
		return GridParams{}, false
	}
	recent := series.Tail(gridWindow)
	closes := recent.Closes()
	highs := make([]float64, len(recent))
	lows := make([]float64, len(recent))
	for i, b := range recent {
		highs[i] = b.High
		lows[i] = b.Low
	}

	upper := Quantile(closes, 0.95)
	lower := Quantile(closes, 0.05)
	price := closes[len(closes)-1]
	avg := (upper + lower) / 2

	spacing := gridFallback
	if atr, ok := ATRSimple(highs, lows, closes, gridATRPeriod); ok && atr > 0 && avg > 0 {
		spacing = clamp(atr/avg*1.5, gridMinSpacing, gridMaxSpacing)
	}

	count := 0
	if step := avg * spacing; step != 0 {
		count = int(math.Round((upper - lower) / step))
	}
	count = max(gridMinCount, min(count, gridMaxCount))

	return GridParams{
		Upper:        market.Round(upper, 3),
		Lower:        market.Round(lower, 3),
		SpacingPct:   market.Round(spacing*100, 2),
		GridCount:    count,
		RangeStart:   recent[0].Date,
		RangeEnd:     recent[len(recent)-1].Date,
		IsOutOfRange: price > upper*1.05 || price < lower*0.95,
	}, true
}
