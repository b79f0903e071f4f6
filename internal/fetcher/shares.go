package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	sseDefaultBase = "https://query.sse.com.cn"
	sseSharesPath  = "/commonQuery.do"
	sseSharesSQLID = "COMMON_SSE_ZQPZ_ETFZL_XXPL_ETFGM_SEARCH_L"
	sseReferer     = "https://www.sse.com.cn/"

	szseDefaultBase = "https://fund.szse.cn"
	szseReportPath  = "/api/report/ShowReport/data"
	szseCatalog     = "1000_lf"
	// Hard stop in case pagecount is missing or wrong.
	szseMaxPages = 200
)

// ShareRow is one fund's outstanding shares as reported by its exchange.
type ShareRow struct {
	Code string
	// Date is YYYY-MM-DD, or empty when the exchange does not report one.
	Date string
	// Shares is in 份.
	Shares  float64
	ETFType string
}

// ShareFetcher downloads one exchange's daily share report.
type ShareFetcher interface {
	Exchange() string
	FetchShares(ctx context.Context) ([]ShareRow, error)
}

// SSEShares reads the Shanghai exchange ETF scale report.
type SSEShares struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewSSEShares constructs the Shanghai share fetcher.
func NewSSEShares(opts HTTPOptions, logger zerolog.Logger) *SSEShares {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = sseDefaultBase
	}
	headers := http.Header{}
	headers.Set("Referer", sseReferer)
	return &SSEShares{
		http:    newHTTPGetter("sse", opts, headers),
		baseURL: base,
		logger:  logger.With().Str("component", "sse_shares").Logger(),
	}
}

// Exchange implements ShareFetcher.
func (s *SSEShares) Exchange() string { return "SSE" }

// FetchShares implements ShareFetcher. TOT_VOL is published in 万份.
func (s *SSEShares) FetchShares(ctx context.Context) ([]ShareRow, error) {
	q := url.Values{}
	q.Set("isPagination", "true")
	q.Set("pageHelp.pageSize", "10000")
	q.Set("pageHelp.pageNo", "1")
	q.Set("sqlId", sseSharesSQLID)
	q.Set("STAT_DATE", "")

	payload, err := s.http.get(ctx, s.baseURL+sseSharesPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result []struct {
			Code    string    `json:"SEC_CODE"`
			Date    string    `json:"STAT_DATE"`
			Volume  flexFloat `json:"TOT_VOL"`
			ETFType string    `json:"ETF_TYPE"`
		} `json:"result"`
	}
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode sse shares: %w", err)
	}
	if len(resp.Result) == 0 {
		return nil, ErrNoData
	}

	rows := make([]ShareRow, 0, len(resp.Result))
	for _, r := range resp.Result {
		code := strings.TrimSpace(r.Code)
		if code == "" {
			continue
		}
		row := ShareRow{Code: code, ETFType: strings.TrimSpace(r.ETFType)}
		if d, err := market.NormalizeDate(r.Date); err == nil {
			row.Date = d
		}
		if v := r.Volume.ptr(); v != nil {
			row.Shares = *v * 1e4
		}
		rows = append(rows, row)
	}
	s.logger.Info().Int("count", len(rows)).Msg("sse shares loaded")
	return rows, nil
}

// SZSEShares reads the Shenzhen exchange fund list report.
type SZSEShares struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewSZSEShares constructs the Shenzhen share fetcher.
func NewSZSEShares(opts HTTPOptions, logger zerolog.Logger) *SZSEShares {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = szseDefaultBase
	}
	return &SZSEShares{
		http:    newHTTPGetter("szse", opts, nil),
		baseURL: base,
		logger:  logger.With().Str("component", "szse_shares").Logger(),
	}
}

// Exchange implements ShareFetcher.
func (s *SZSEShares) Exchange() string { return "SZSE" }

var htmlTag = regexp.MustCompile(`<[^>]*>`)

type szsePage struct {
	Metadata struct {
		PageCount int `json:"pagecount"`
	} `json:"metadata"`
	Data []struct {
		Key     string `json:"sys_key"`
		Name    string `json:"kzjcurl"`
		Type    string `json:"jjlb"`
		Current string `json:"dqgm"`
	} `json:"data"`
}

// FetchShares implements ShareFetcher. The report has no date column and
// dqgm is in 份 with thousands separators.
func (s *SZSEShares) FetchShares(ctx context.Context) ([]ShareRow, error) {
	var rows []ShareRow
	for page := 1; page <= szseMaxPages; page++ {
		q := url.Values{}
		q.Set("SHOWTYPE", "JSON")
		q.Set("CATALOGID", szseCatalog)
		q.Set("TABKEY", "tab1")
		q.Set("PAGENO", strconv.Itoa(page))

		payload, err := s.http.get(ctx, s.baseURL+szseReportPath+"?"+q.Encode())
		if err != nil {
			return nil, err
		}
		var tabs []szsePage
		if err := json.Unmarshal(payload, &tabs); err != nil {
			return nil, fmt.Errorf("decode szse page %d: %w", page, err)
		}
		if len(tabs) == 0 {
			break
		}
		for _, r := range tabs[0].Data {
			code := strings.TrimSpace(htmlTag.ReplaceAllString(r.Key, ""))
			if code == "" {
				continue
			}
			row := ShareRow{Code: code, ETFType: strings.TrimSpace(r.Type)}
			if v, err := market.ParseDecimal(strings.ReplaceAll(r.Current, ",", "")); err == nil {
				row.Shares = v
			}
			rows = append(rows, row)
		}
		if page >= tabs[0].Metadata.PageCount {
			break
		}
	}
	if len(rows) == 0 {
		return nil, ErrNoData
	}
	s.logger.Info().Int("count", len(rows)).Msg("szse shares loaded")
	return rows, nil
}

var (
	_ ShareFetcher = (*SSEShares)(nil)
	_ ShareFetcher = (*SZSEShares)(nil)
)
