package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	eastMoneyName        = "eastmoney"
	eastMoneyDefaultBase = "https://push2his.eastmoney.com"
	eastMoneyKlinePath   = "/api/qt/stock/kline/get"
)

// EastMoney reads daily klines from the EastMoney quote API. It keeps no session.
type EastMoney struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewEastMoney constructs the EastMoney history source.
func NewEastMoney(opts HTTPOptions, logger zerolog.Logger) *EastMoney {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = eastMoneyDefaultBase
	}
	return &EastMoney{
		http:    newHTTPGetter(eastMoneyName, opts, nil),
		baseURL: base,
		logger:  logger.With().Str("component", "eastmoney_source").Logger(),
	}
}

func (e *EastMoney) Name() string { return eastMoneyName }

// IsAvailable is always true; the endpoint is stateless.
func (e *EastMoney) IsAvailable(context.Context) bool { return true }

// FetchHistory implements HistorySource.
func (e *EastMoney) FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error) {
	q := url.Values{}
	q.Set("secid", eastMoneySecID(code))
	q.Set("fields1", "f1,f2,f3,f4,f5,f6")
	q.Set("fields2", "f51,f52,f53,f54,f55,f56,f57")
	q.Set("klt", "101")
	q.Set("fqt", eastMoneyFqt(adjust))
	q.Set("beg", compactDate(start, "19900101"))
	q.Set("end", compactDate(end, "20500101"))

	payload, err := e.http.get(ctx, e.baseURL+eastMoneyKlinePath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp eastMoneyKlineResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode eastmoney kline: %w", err)
	}
	if resp.Data == nil || len(resp.Data.Klines) == 0 {
		return nil, nil
	}
	series, err := parseEastMoneyKlines(resp.Data.Klines)
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("code", code).Int("bars", len(series)).Msg("klines parsed")
	return series, nil
}

type eastMoneyKlineResponse struct {
	RC   int `json:"rc"`
	Data *struct {
		Code   string   `json:"code"`
		Name   string   `json:"name"`
		Klines []string `json:"klines"`
	} `json:"data"`
}

// parseEastMoneyKlines decodes "date,open,close,high,low,volume,amount" rows.
func parseEastMoneyKlines(rows []string) (market.Series, error) {
	series := make(market.Series, 0, len(rows))
	for i, row := range rows {
		parts := strings.Split(row, ",")
		if len(parts) < 6 {
			return nil, fmt.Errorf("eastmoney kline %d: want at least 6 fields, got %d", i, len(parts))
		}
		date, err := market.NormalizeDate(parts[0])
		if err != nil {
			return nil, fmt.Errorf("eastmoney kline %d: %w", i, err)
		}
		vals, err := parseFloats(parts[1:6])
		if err != nil {
			return nil, fmt.Errorf("eastmoney kline %d: %w", i, err)
		}
		series = append(series, market.Bar{
			Date:   date,
			Open:   vals[0],
			Close:  vals[1],
			High:   vals[2],
			Low:    vals[3],
			Volume: vals[4],
		})
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}

// eastMoneySecID prefixes Shanghai listings (5xx/6xx) with 1. and everything else with 0.
func eastMoneySecID(code string) string {
	if strings.HasPrefix(code, "5") || strings.HasPrefix(code, "6") {
		return "1." + code
	}
	return "0." + code
}

func eastMoneyFqt(adjust market.Adjust) string {
	switch adjust {
	case market.AdjustForward:
		return "1"
	case market.AdjustBackward:
		return "2"
	default:
		return "0"
	}
}

func compactDate(s, fallback string) string {
	s = strings.ReplaceAll(strings.TrimSpace(s), "-", "")
	if s == "" {
		return fallback
	}
	return s
}

func parseFloats(fields []string) ([]float64, error) {
	out := make([]float64, len(fields))
	for i, f := range fields {
		v, err := market.ParseDecimal(f)
		if err != nil {
			return nil, fmt.Errorf("field %d %q: %w", i, f, err)
		}
		out[i] = v
	}
	return out, nil
}

var _ HistorySource = (*EastMoney)(nil)
