package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	spotDefaultBase = "https://push2.eastmoney.com"
	spotListPath    = "/api/qt/clist/get"
	// Exchange-traded fund boards on both exchanges.
	spotBoards   = "b:MK0021,b:MK0022,b:MK0023,b:MK0024"
	spotPageSize = 5000
)

// Spot downloads the full ETF quote list.
type Spot struct {
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger
}

// NewSpot constructs the ETF list fetcher.
func NewSpot(opts HTTPOptions, logger zerolog.Logger) *Spot {
	base := strings.TrimRight(opts.BaseURL, "/")
	if base == "" {
		base = spotDefaultBase
	}
	return &Spot{
		http:    newHTTPGetter("eastmoney_spot", opts, nil),
		baseURL: base,
		logger:  logger.With().Str("component", "spot_fetcher").Logger(),
	}
}

// FetchSpot implements SpotFetcher.
func (s *Spot) FetchSpot(ctx context.Context) ([]market.Quote, error) {
	q := url.Values{}
	q.Set("pn", "1")
	q.Set("pz", fmt.Sprint(spotPageSize))
	q.Set("po", "1")
	q.Set("np", "1")
	q.Set("fltt", "2")
	q.Set("invt", "2")
	q.Set("fid", "f3")
	q.Set("fs", spotBoards)
	q.Set("fields", "f2,f3,f6,f12,f14")

	payload, err := s.http.get(ctx, s.baseURL+spotListPath+"?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp spotResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("decode spot list: %w", err)
	}
	if resp.Data == nil || len(resp.Data.Diff) == 0 {
		return nil, ErrNoData
	}

	quotes := make([]market.Quote, 0, len(resp.Data.Diff))
	for _, row := range resp.Data.Diff {
		if row.Code == "" {
			continue
		}
		quotes = append(quotes, market.Quote{
			Code:      row.Code,
			Name:      row.Name,
			Price:     row.Price.ptr(),
			ChangePct: row.ChangePct.ptr(),
			Volume:    row.Amount.ptr(),
		})
	}
	s.logger.Info().Int("count", len(quotes)).Msg("spot list loaded")
	return quotes, nil
}

type spotResponse struct {
	Data *struct {
		Total int        `json:"total"`
		Diff  []spotItem `json:"diff"`
	} `json:"data"`
}

type spotItem struct {
	Price     flexFloat `json:"f2"`
	ChangePct flexFloat `json:"f3"`
	Amount    flexFloat `json:"f6"`
	Code      string    `json:"f12"`
	Name      string    `json:"f14"`
}

// flexFloat accepts a JSON number or a placeholder string such as "-".
type flexFloat struct {
	value float64
	valid bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = flexFloat{}
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := market.ParseDecimal(s)
		if err != nil {
			*f = flexFloat{}
			return nil
		}
		*f = flexFloat{value: v, valid: true}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat{value: v, valid: true}
	return nil
}

func (f flexFloat) ptr() *float64 {
	if !f.valid {
		return nil
	}
	v := f.value
	return &v
}

var _ SpotFetcher = (*Spot)(nil)
