package indicator

import (
	"math"
	"sort"
)

// SMA returns the simple moving average of the period values ending at idx.
func SMA(values []float64, period, idx int) (float64, bool) {
	if period <= 0 || idx < period-1 || idx >= len(values) {
		return 0, false
	}
	var sum float64
	for i := idx - period + 1; i <= idx; i++ {
		sum += values[i]
	}
	return sum / float64(period), true
}

// LastSMA is SMA at the final element; ok is false when fewer than period values exist.
func LastSMA(values []float64, period int) (float64, bool) {
	return SMA(values, period, len(values)-1)
}

// PctChange returns v[i]/v[i-1]-1 for i >= 1.
func PctChange(values []float64) []float64 {
	if len(values) < 2 {
		return nil
	}
	out := make([]float64, 0, len(values)-1)
	for i := 1; i < len(values); i++ {
		out = append(out, values[i]/values[i-1]-1)
	}
	return out
}

// StdDev is the sample standard deviation (n-1 denominator).
func StdDev(values []float64) (float64, bool) {
	n := len(values)
	if n < 2 {
		return 0, false
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(n)
	var ss float64
	for _, v := range values {
		d := v - mean
		ss += d * d
	}
	return math.Sqrt(ss / float64(n-1)), true
}

// RollingStd returns the sample stdev of every full window, oldest first.
func RollingStd(values []float64, window int) []float64 {
	if window < 2 || len(values) < window {
		return nil
	}
	out := make([]float64, 0, len(values)-window+1)
	for end := window; end <= len(values); end++ {
		sd, _ := StdDev(values[end-window : end])
		out = append(out, sd)
	}
	return out
}

// Quantile uses linear interpolation between closest ranks.
func Quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := lo + 1
	if hi >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// FractionBelow is the share of values strictly below x.
func FractionBelow(values []float64, x float64) float64 {
	if len(values) == 0 {
		return 0
	}
	n := 0
	for _, v := range values {
		if v < x {
			n++
		}
	}
	return float64(n) / float64(len(values))
}

// TrueRange per bar; the first bar has no previous close and uses high-low.
func TrueRange(highs, lows, closes []float64) []float64 {
	out := make([]float64, len(closes))
	for i := range closes {
		tr := highs[i] - lows[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(highs[i]-closes[i-1]))
			tr = math.Max(tr, math.Abs(lows[i]-closes[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATRSimple is the plain mean of the last period true ranges. It reports
// false unless at least period+1 bars are present.
func ATRSimple(highs, lows, closes []float64, period int) (float64, bool) {
	if period <= 0 || len(closes) < period+1 {
		return 0, false
	}
	return LastSMA(TrueRange(highs, lows, closes), period)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
