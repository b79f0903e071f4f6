package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	csindexDefaultBase = "https://www.csindex.com.cn"
	csindexPerfPath    = "/csindex-home/perf/index-perf"
)

// PEPoint is one trading day's index price-earnings ratio.
type PEPoint struct {
	Date string
	PE   float64
}

// PEFetcher downloads an index PE history.
type PEFetcher interface {
	FetchPE(ctx context.Context, indexCode, start, end string) (name string, points []PEPoint, err error)
}

// CSIndex reads index valuations from China Securities Index.
type CSIndex struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewCSIndex constructs the index valuation fetcher.
func NewCSIndex(opts HTTPOptions, logger zerolog.Logger) *CSIndex {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = csindexDefaultBase
	}
	return &CSIndex{
		http:    newHTTPGetter("csindex", opts, nil),
		baseURL: base,
		logger:  logger.With().Str("component", "csindex").Logger(),
	}
}

// FetchPE implements PEFetcher. Points come back sorted by date; days
// without a PE are dropped. Dates are YYYY-MM-DD.
func (c *CSIndex) FetchPE(ctx context.Context, indexCode, start, end string) (string, []PEPoint, error) {
	q := url.Values{}
	q.Set("indexCode", indexCode)
	q.Set("startDate", strings.ReplaceAll(start, "-", ""))
	q.Set("endDate", strings.ReplaceAll(end, "-", ""))

	payload, err := c.http.get(ctx, c.baseURL+csindexPerfPath+"?"+q.Encode())
	if err != nil {
		return "", nil, err
	}

	var resp struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			TradeDate string    `json:"tradeDate"`
			Name      string    `json:"indexNameCn"`
			PE        flexFloat `json:"peg"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return "", nil, fmt.Errorf("decode csindex perf: %w", err)
	}
	if resp.Code != "" && resp.Code != "200" {
		return "", nil, fmt.Errorf("csindex error %s: %s", resp.Code, resp.Msg)
	}

	var name string
	points := make([]PEPoint, 0, len(resp.Data))
	for _, row := range resp.Data {
		pe := row.PE.ptr()
		if pe == nil {
			continue
		}
		day, err := market.NormalizeDate(row.TradeDate)
		if err != nil {
			continue
		}
		if row.Name != "" {
			name = row.Name
		}
		points = append(points, PEPoint{Date: day, PE: *pe})
	}
	if len(points) == 0 {
		return "", nil, ErrNoData
	}
	sort.Slice(points, func(i, j int) bool { return points[i].Date < points[j].Date })
	return name, points, nil
}

var _ PEFetcher = (*CSIndex)(nil)
