package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"etf-alerts/internal/market"
)

const (
	baostockName   = "baostock"
	baostockFields = "date,open,high,low,close,volume,amount,pctChg"
)

// BaostockOptions configure the session gateway.
type BaostockOptions struct {
	HTTPOptions
	UserID   string
	Password string
}

// Baostock talks to a Baostock session gateway. Queries carry a token obtained
// by logging in; a failed query triggers one reconnect and retry.
type Baostock struct {
	opts    BaostockOptions
	http    *httpGetter
	baseURL string
	logger  zerolog.Logger

	mu    sync.Mutex
	token string
}

// NewBaostock constructs the Baostock history source. Login happens lazily.
func NewBaostock(opts BaostockOptions, logger zerolog.Logger) *Baostock {
	if opts.UserID == "" {
		opts.UserID = "anonymous"
		if opts.Password == "" {
			opts.Password = "123456"
		}
	}
	return &Baostock{
		opts:    opts,
		http:    newHTTPGetter(baostockName, opts.HTTPOptions, nil),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		logger:  logger.With().Str("component", "baostock_source").Logger(),
	}
}

func (b *Baostock) Name() string { return baostockName }

// IsAvailable logs in if needed and reports whether a session exists.
func (b *Baostock) IsAvailable(ctx context.Context) bool {
	_, err := b.ensureLogin(ctx)
	if err != nil {
		b.logger.Warn().Err(err).Msg("login failed")
		return false
	}
	return true
}

// FetchHistory implements HistorySource.
func (b *Baostock) FetchHistory(ctx context.Context, code, start, end string, adjust market.Adjust) (market.Series, error) {
	token, err := b.ensureLogin(ctx)
	if err != nil {
		return nil, err
	}

	req := baostockQuery{
		Code:       baostockCode(code),
		Fields:     baostockFields,
		StartDate:  dashedDate(start, "1990-01-01"),
		EndDate:    dashedDate(end, "2050-12-31"),
		Frequency:  "d",
		AdjustFlag: baostockAdjust(adjust),
	}

	res, err := b.query(ctx, token, req)
	if err != nil {
		b.logger.Warn().Err(err).Str("code", code).Msg("query failed, reconnecting")
		token, rerr := b.reconnect(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("baostock reconnect: %w", rerr)
		}
		if res, err = b.query(ctx, token, req); err != nil {
			return nil, fmt.Errorf("baostock query after reconnect: %w", err)
		}
	}
	if len(res.Rows) == 0 {
		return nil, nil
	}
	return parseBaostockRows(res.Fields, res.Rows)
}

// Close ends the session, if any.
func (b *Baostock) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token == "" {
		return nil
	}
	err := b.logout(ctx, b.token)
	b.token = ""
	return err
}

func (b *Baostock) ensureLogin(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" {
		return b.token, nil
	}
	token, err := b.login(ctx)
	if err != nil {
		return "", err
	}
	b.token = token
	b.logger.Info().Msg("login succeeded")
	return token, nil
}

func (b *Baostock) reconnect(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.token != "" {
		if err := b.logout(ctx, b.token); err != nil {
			b.logger.Debug().Err(err).Msg("logout before reconnect failed")
		}
		b.token = ""
	}
	token, err := b.login(ctx)
	if err != nil {
		return "", err
	}
	b.token = token
	b.logger.Info().Msg("reconnected")
	return token, nil
}

type baostockEnvelope struct {
	ErrorCode string `json:"error_code"`
	ErrorMsg  string `json:"error_msg"`
}

func (e baostockEnvelope) err() error {
	if e.ErrorCode == "0" {
		return nil
	}
	return fmt.Errorf("baostock error %s: %s", e.ErrorCode, e.ErrorMsg)
}

type baostockLogin struct {
	baostockEnvelope
	Token string `json:"token"`
}

type baostockQuery struct {
	Token      string `json:"token"`
	Code       string `json:"code"`
	Fields     string `json:"fields"`
	StartDate  string `json:"start_date"`
	EndDate    string `json:"end_date"`
	Frequency  string `json:"frequency"`
	AdjustFlag string `json:"adjustflag"`
}

type baostockResult struct {
	baostockEnvelope
	Fields []string   `json:"fields"`
	Rows   [][]string `json:"rows"`
}

func (b *Baostock) login(ctx context.Context) (string, error) {
	if b.baseURL == "" {
		return "", errors.New("baostock gateway url not configured")
	}
	var res baostockLogin
	body := map[string]string{"user_id": b.opts.UserID, "password": b.opts.Password}
	if err := b.post(ctx, "/login", body, &res); err != nil {
		return "", err
	}
	if err := res.err(); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", errors.New("baostock login returned empty token")
	}
	return res.Token, nil
}

func (b *Baostock) logout(ctx context.Context, token string) error {
	var res baostockEnvelope
	if err := b.post(ctx, "/logout", map[string]string{"token": token}, &res); err != nil {
		return err
	}
	return res.err()
}

func (b *Baostock) query(ctx context.Context, token string, req baostockQuery) (*baostockResult, error) {
	req.Token = token
	var res baostockResult
	if err := b.post(ctx, "/query_history_k_data_plus", req, &res); err != nil {
		return nil, err
	}
	if err := res.err(); err != nil {
		return nil, err
	}
	return &res, nil
}

func (b *Baostock) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	payload, err := b.http.do(ctx, http.MethodPost, b.baseURL+path, body, "application/json")
	if err != nil {
		return err
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode baostock %s: %w", path, err)
	}
	return nil
}

// parseBaostockRows maps rows by field name. Rows with blank prices, which
// Baostock emits for suspended days, are dropped.
func parseBaostockRows(fields []string, rows [][]string) (market.Series, error) {
	idx := make(map[string]int, len(fields))
	for i, f := range fields {
		idx[f] = i
	}
	for _, want := range []string{"date", "open", "high", "low", "close", "volume"} {
		if _, ok := idx[want]; !ok {
			return nil, fmt.Errorf("baostock result missing field %q", want)
		}
	}

	series := make(market.Series, 0, len(rows))
	for _, row := range rows {
		if len(row) < len(fields) {
			continue
		}
		date, err := market.NormalizeDate(row[idx["date"]])
		if err != nil {
			continue
		}
		vals, err := parseFloats([]string{row[idx["open"]], row[idx["high"]], row[idx["low"]], row[idx["close"]], row[idx["volume"]]})
		if err != nil {
			continue
		}
		series = append(series, market.Bar{Date: date, Open: vals[0], High: vals[1], Low: vals[2], Close: vals[3], Volume: vals[4]})
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	return series, nil
}

// baostockCode maps 0/1/3-prefixed codes to Shenzhen and the rest to Shanghai.
func baostockCode(code string) string {
	if code == "" {
		return code
	}
	switch code[0] {
	case '0', '1', '3':
		return "sz." + code
	default:
		return "sh." + code
	}
}

func baostockAdjust(adjust market.Adjust) string {
	switch adjust {
	case market.AdjustForward:
		return "2"
	case market.AdjustBackward:
		return "1"
	default:
		return "3"
	}
}

func dashedDate(s, fallback string) string {
	if strings.TrimSpace(s) == "" {
		return fallback
	}
	if d, err := market.NormalizeDate(s); err == nil {
		return d
	}
	return s
}

var _ HistorySource = (*Baostock)(nil)
