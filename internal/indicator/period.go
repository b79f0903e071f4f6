package indicator

import (
	"math"
	"time"

	"etf-alerts/internal/market"
)

// Risk levels derived from annualised volatility.
const (
	RiskHigh   = "High"
	RiskMedium = "Medium"
	RiskLow    = "Low"
)

// PeriodMetrics summarises returns and risk over one closing-price window.
type PeriodMetrics struct {
	TotalReturn float64 `json:"total_return"`
	CAGR        float64 `json:"cagr"`
	ActualYears float64 `json:"actual_years"`
	MaxDrawdown float64 `json:"max_drawdown"`
	MDDDate     string  `json:"mdd_date"`
	MDDStart    string  `json:"mdd_start"`
	MDDTrough   string  `json:"mdd_trough"`
	MDDEnd      *string `json:"mdd_end"`
	Volatility  float64 `json:"volatility"`
	RiskLevel   string  `json:"risk_level"`
}

// RiskLevel buckets annualised volatility: >0.25 High, >0.15 Medium.
func RiskLevel(volatility float64) string {
	switch {
	case volatility > 0.25:
		return RiskHigh
	case volatility > 0.15:
		return RiskMedium
	default:
		return RiskLow
	}
}

// CalculatePeriodMetrics never fails: fewer than two bars yield zeros dated
// on the single bar if present.
func CalculatePeriodMetrics(series market.Series) PeriodMetrics {
	if len(series) < 2 {
		first := ""
		if len(series) == 1 {
			first = series[0].Date
		}
		return PeriodMetrics{MDDDate: first, MDDStart: first, MDDTrough: first, RiskLevel: RiskLow}
	}
	closes := series.Closes()
	first, last := closes[0], closes[len(closes)-1]

	var years float64
	start, err1 := time.Parse(market.DateLayout, series[0].Date)
	end, err2 := time.Parse(market.DateLayout, series[len(series)-1].Date)
	if err1 == nil && err2 == nil {
		years = end.Sub(start).Hours() / 24 / 365.25
	}
	totalReturn := last/first - 1
	var cagr float64
	if years > 0 && first > 0 {
		cagr = math.Pow(last/first, 1/years) - 1
	}

	// Running peak; the trough is the first minimum of the drawdown curve.
	peak := closes[0]
	peaks := make([]float64, len(closes))
	trough, maxDD := 0, 0.0
	for i, c := range closes {
		if c > peak {
			peak = c
		}
		peaks[i] = peak
		if dd := (c - peak) / peak; dd < maxDD {
			maxDD = dd
			trough = i
		}
	}
	peakPrice := peaks[trough]
	startIdx := 0
	for i := trough; i >= 0; i-- {
		if closes[i] >= peakPrice {
			startIdx = i
			break
		}
	}
	var recovery *string
	for i := trough + 1; i < len(closes); i++ {
		if closes[i] >= peakPrice {
			d := series[i].Date
			recovery = &d
			break
		}
	}

	var vol float64
	if sd, ok := StdDev(PctChange(closes)); ok {
		vol = sd * math.Sqrt(TradingDaysPerYear)
	}

	troughDate := series[trough].Date
	return PeriodMetrics{
		TotalReturn: market.Round(totalReturn, 4),
		CAGR:        market.Round(cagr, 4),
		ActualYears: market.Round(years, 4),
		MaxDrawdown: market.Round(maxDD, 4),
		MDDDate:     troughDate,
		MDDStart:    series[startIdx].Date,
		MDDTrough:   troughDate,
		MDDEnd:      recovery,
		Volatility:  market.Round(vol, 4),
		RiskLevel:   RiskLevel(vol),
	}
}
