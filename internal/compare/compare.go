package compare

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

// Comparison limits.
const (
	MinCodes       = 2
	MaxCodes       = 5
	MaxPoints      = 500
	MinOverlapDays = 30
	WarnOverlapDay = 120
)

// Error classes; callers map them to transport status codes.
var (
	ErrInvalid             = errors.New("compare: invalid request")
	ErrNoHistory           = errors.New("compare: no history")
	ErrInsufficientOverlap = errors.New("compare: insufficient overlap")
)

var codePattern = regexp.MustCompile(`^\d{6}$`)

// Period selects the trailing window measured from the last aligned date.
type Period string

const (
	Period1Y  Period = "1y"
	Period3Y  Period = "3y"
	Period5Y  Period = "5y"
	PeriodAll Period = "all"
)

// ParsePeriod validates a period name.
func ParsePeriod(s string) (Period, error) {
	switch p := Period(s); p {
	case Period1Y, Period3Y, Period5Y, PeriodAll:
		return p, nil
	default:
		return "", fmt.Errorf("%w: period must be one of 1y, 3y, 5y, all", ErrInvalid)
	}
}

func (p Period) years() int {
	switch p {
	case Period1Y:
		return 1
	case Period3Y:
		return 3
	case Period5Y:
		return 5
	default:
		return 0
	}
}

// FilterPeriod keeps bars on or after lastDate minus the period.
func FilterPeriod(series market.Series, p Period) market.Series {
	years := p.years()
	if years == 0 || len(series) == 0 {
		return series
	}
	end, err := time.Parse(market.DateLayout, series.LastDate())
	if err != nil {
		return series
	}
	return series.Between(end.AddDate(-years, 0, 0).Format(market.DateLayout), "")
}

// HistoryReader reads history with today's live bar patched in.
type HistoryReader interface {
	WithRealtime(ctx context.Context, code string, adjust market.Adjust) (history.Series, error)
}

// TemperatureCalculator serves cached temperatures.
type TemperatureCalculator interface {
	Calculate(ctx context.Context, req indicache.Request) *indicator.Temperature
}

// NameLookup resolves display names.
type NameLookup interface {
	Get(code string) (market.Quote, bool)
}

// Normalized is the rebased price chart.
type Normalized struct {
	Dates  []string             `json:"dates"`
	Series map[string][]float64 `json:"series"`
}

// Result is the comparison of several instruments over their common dates.
type Result struct {
	Names        map[string]string                  `json:"etf_names"`
	PeriodLabel  string                             `json:"period_label"`
	Warnings     []string                           `json:"warnings"`
	Normalized   Normalized                         `json:"normalized"`
	Correlation  map[string]float64                 `json:"correlation"`
	Metrics      map[string]indicator.PeriodMetrics `json:"metrics"`
	Temperatures map[string]*indicator.Temperature  `json:"temperatures"`
}

// Service compares instruments.
type Service struct {
	history     HistoryReader
	temperature TemperatureCalculator
	names       NameLookup
	workers     int
	logger      zerolog.Logger
}

// New wires the comparison service. names may be nil.
func New(hist HistoryReader, temperature TemperatureCalculator, names NameLookup, workers int, logger zerolog.Logger) *Service {
	if workers <= 0 {
		workers = MaxCodes
	}
	return &Service{
		history:     hist,
		temperature: temperature,
		names:       names,
		workers:     workers,
		logger:      logger.With().Str("component", "compare").Logger(),
	}
}

// Compute aligns the instruments on common dates, rebases them to 100 and
// reports pairwise return correlations with per-instrument metrics.
func (s *Service) Compute(ctx context.Context, codes []string, period Period) (*Result, error) {
	if len(codes) < MinCodes || len(codes) > MaxCodes {
		return nil, fmt.Errorf("%w: codes must list %d to %d instruments", ErrInvalid, MinCodes, MaxCodes)
	}
	seen := make(map[string]bool, len(codes))
	for _, c := range codes {
		if !codePattern.MatchString(c) {
			return nil, fmt.Errorf("%w: bad code %q", ErrInvalid, c)
		}
		if seen[c] {
			return nil, fmt.Errorf("%w: duplicate code %q", ErrInvalid, c)
		}
		seen[c] = true
	}
	if _, err := ParsePeriod(string(period)); err != nil {
		return nil, err
	}

	raw, err := s.fetch(ctx, codes)
	if err != nil {
		return nil, err
	}

	dates, closes := align(codes, raw)
	dates, closes = filterAligned(dates, closes, period)
	overlap := len(dates)
	if overlap < MinOverlapDays {
		return nil, fmt.Errorf("%w: 重叠交易日仅 %d 天，不足 %d 天，无法计算有意义的对比", ErrInsufficientOverlap, overlap, MinOverlapDays)
	}

	res := &Result{
		Names:        make(map[string]string, len(codes)),
		PeriodLabel:  dates[0] + " ~ " + dates[overlap-1],
		Warnings:     []string{},
		Correlation:  make(map[string]float64),
		Metrics:      make(map[string]indicator.PeriodMetrics, len(codes)),
		Temperatures: make(map[string]*indicator.Temperature, len(codes)),
	}
	if overlap < WarnOverlapDay {
		res.Warnings = append(res.Warnings, fmt.Sprintf("重叠交易日仅 %d 天，对比结果可能不够稳定", overlap))
	}

	normalized := make(map[string][]float64, len(codes))
	for i, code := range codes {
		base := closes[i][0]
		if base == 0 {
			return nil, fmt.Errorf("%w: %s 基准价格为 0", ErrInvalid, code)
		}
		out := make([]float64, overlap)
		for j, c := range closes[i] {
			out[j] = market.Round(c/base*100, 2)
		}
		normalized[code] = out
	}

	returns := make([][]float64, len(codes))
	for i := range codes {
		returns[i] = indicator.PctChange(closes[i])
	}
	for i := 0; i < len(codes); i++ {
		for j := i + 1; j < len(codes); j++ {
			res.Correlation[codes[i]+"_"+codes[j]] = market.Round(Pearson(returns[i], returns[j]), 4)
		}
	}

	idx := DownsampleIndices(overlap, MaxPoints)
	res.Normalized = Normalized{Dates: pick(dates, idx), Series: make(map[string][]float64, len(codes))}
	for _, code := range codes {
		res.Normalized.Series[code] = pick(normalized[code], idx)
	}

	for i, code := range codes {
		res.Names[code] = s.name(code)
		aligned := make(market.Series, overlap)
		for j, d := range dates {
			c := closes[i][j]
			aligned[j] = market.Bar{Date: d, Open: c, High: c, Low: c, Close: c}
		}
		res.Metrics[code] = indicator.CalculatePeriodMetrics(aligned)
		res.Temperatures[code] = s.temperature.Calculate(ctx, indicache.Request{
			Code:     code,
			Series:   raw[code].Bars,
			Realtime: raw[code].Realtime,
		})
	}
	return res, nil
}

func (s *Service) name(code string) string {
	if s.names != nil {
		if q, ok := s.names.Get(code); ok && q.Name != "" {
			return q.Name
		}
	}
	return code
}

// fetch loads every code in parallel with a bounded pool.
func (s *Service) fetch(ctx context.Context, codes []string) (map[string]history.Series, error) {
	results := make([]history.Series, len(codes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, code := range codes {
		g.Go(func() error {
			hs, err := s.history.WithRealtime(gctx, code, market.AdjustForward)
			if err != nil {
				s.logger.Warn().Err(err).Str("code", code).Msg("history unavailable")
				return fmt.Errorf("%w: ETF %s 无历史数据", ErrNoHistory, code)
			}
			if len(hs.Bars) == 0 {
				return fmt.Errorf("%w: ETF %s 无历史数据", ErrNoHistory, code)
			}
			results[i] = hs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]history.Series, len(codes))
	for i, code := range codes {
		out[code] = results[i]
	}
	return out, nil
}

// align inner-joins the close series on date. closes[i] follows codes[i].
func align(codes []string, raw map[string]history.Series) ([]string, [][]float64) {
	byDate := make([]map[string]float64, len(codes))
	for i, code := range codes {
		m := make(map[string]float64, len(raw[code].Bars))
		for _, b := range raw[code].Bars {
			m[b.Date] = b.Close
		}
		byDate[i] = m
	}

	dates := make([]string, 0, len(byDate[0]))
	for d := range byDate[0] {
		common := true
		for _, m := range byDate[1:] {
			if _, ok := m[d]; !ok {
				common = false
				break
			}
		}
		if common {
			dates = append(dates, d)
		}
	}
	sort.Strings(dates)

	closes := make([][]float64, len(codes))
	for i := range codes {
		closes[i] = make([]float64, len(dates))
		for j, d := range dates {
			closes[i][j] = byDate[i][d]
		}
	}
	return dates, closes
}

func filterAligned(dates []string, closes [][]float64, p Period) ([]string, [][]float64) {
	years := p.years()
	if years == 0 || len(dates) == 0 {
		return dates, closes
	}
	end, err := time.Parse(market.DateLayout, dates[len(dates)-1])
	if err != nil {
		return dates, closes
	}
	start := end.AddDate(-years, 0, 0).Format(market.DateLayout)
	from := sort.SearchStrings(dates, start)
	out := make([][]float64, len(closes))
	for i := range closes {
		out[i] = closes[i][from:]
	}
	return dates[from:], out
}

// Pearson returns the correlation of two equal-length samples, or 0 when
// either has no variance.
func Pearson(a, b []float64) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	if n < 2 {
		return 0
	}
	var ma, mb float64
	for i := 0; i < n; i++ {
		ma += a[i]
		mb += b[i]
	}
	ma /= float64(n)
	mb /= float64(n)
	var cov, va, vb float64
	for i := 0; i < n; i++ {
		da, db := a[i]-ma, b[i]-mb
		cov += da * db
		va += da * da
		vb += db * db
	}
	if va == 0 || vb == 0 {
		return 0
	}
	r := cov / math.Sqrt(va*vb)
	if math.IsNaN(r) {
		return 0
	}
	return r
}

// DownsampleIndices picks max evenly spaced indices out of n, always keeping
// the first and the last. It returns nil when no downsampling is needed.
func DownsampleIndices(n, max int) []int {
	if n <= max || max < 2 {
		return nil
	}
	step := float64(n) / float64(max)
	idx := make([]int, max)
	for i := range idx {
		idx[i] = int(float64(i) * step)
	}
	idx[0] = 0
	idx[max-1] = n - 1
	return idx
}

func pick[T any](values []T, idx []int) []T {
	if idx == nil {
		return values
	}
	out := make([]T, len(idx))
	for i, j := range idx {
		out[i] = values[j]
	}
	return out
}
