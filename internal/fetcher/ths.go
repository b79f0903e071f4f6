package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	thsName        = "ths_history"
	thsDefaultBase = "http://d.10jqka.com.cn"
	thsReferer     = "http://stockpage.10jqka.com.cn/"
)

// Ths reads the full listing history from the 10jqka JSONP line endpoint
// and filters it to the requested range locally.
type Ths struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewThs constructs the 10jqka history source.
func NewThs(opts HTTPOptions, logger zerolog.Logger) *Ths {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = thsDefaultBase
	}
	headers := http.Header{}
	headers.Set("Referer", thsReferer)
	return &Ths{
		http:    newHTTPGetter(thsName, opts, headers),
		baseURL: base,
		logger:  logger.With().Str("component", "ths_source").Logger(),
	}
}

func (t *Ths) Name() string { return thsName }

func (t *Ths) IsAvailable(context.Context) bool { return true }

// FetchHistory implements HistorySource.
func (t *Ths) FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error) {
	endpoint := fmt.Sprintf("%s/v6/line/hs_%s/%s/last36000.js", t.baseURL, code, thsFq(adjust))
	payload, err := t.http.get(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	series, err := parseThsJSONP(string(payload))
	if err != nil {
		return nil, err
	}
	if len(series) == 0 {
		return nil, nil
	}

	startDate, endDate := "", ""
	if start != "" {
		if startDate, err = market.NormalizeDate(start); err != nil {
			return nil, err
		}
	}
	if end != "" {
		if endDate, err = market.NormalizeDate(end); err != nil {
			return nil, err
		}
	}
	filtered := series.Between(startDate, endDate)
	if len(filtered) == 0 {
		t.logger.Debug().Str("code", code).Str("start", startDate).Str("end", endDate).Msg("no bars in range")
		return nil, nil
	}
	return filtered, nil
}

type thsPayload struct {
	Data string `json:"data"`
}

// parseThsJSONP unwraps `callback({...})` and decodes the semicolon separated
// "YYYYMMDD,open,high,low,close,volume,amount" rows. Malformed rows are skipped.
func parseThsJSONP(text string) (market.Series, error) {
	open := strings.Index(text, "{")
	closing := strings.LastIndex(text, "}")
	if open < 0 || closing < open {
		return nil, fmt.Errorf("ths: unexpected response %q", truncate(text, 80))
	}

	var payload thsPayload
	if err := json.Unmarshal([]byte(text[open:closing+1]), &payload); err != nil {
		return nil, fmt.Errorf("decode ths payload: %w", err)
	}
	if payload.Data == "" {
		return nil, nil
	}

	rows := strings.Split(payload.Data, ";")
	series := make(market.Series, 0, len(rows))
	for _, row := range rows {
		parts := strings.Split(row, ",")
		if len(parts) < 7 {
			continue
		}
		date, err := market.NormalizeDate(parts[0])
		if err != nil {
			continue
		}
		vals, err := parseFloats(parts[1:6])
		if err != nil {
			continue
		}
		if n := len(series); n > 0 && series[n-1].Date >= date {
			continue
		}
		series = append(series, market.Bar{
			Date:   date,
			Open:   vals[0],
			High:   vals[1],
			Low:    vals[2],
			Close:  vals[3],
			Volume: vals[4],
		})
	}
	return series, nil
}

func thsFq(adjust market.Adjust) string {
	switch adjust {
	case market.AdjustForward:
		return "01"
	case market.AdjustBackward:
		return "02"
	default:
		return "00"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ HistorySource = (*Ths)(nil)
