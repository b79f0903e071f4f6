package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"etf-alerts/internal/compare"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/version"
)

const (
	searchLimit    = 20
	maxSearchLimit = 100
)

type healthResponse struct {
	Status           string       `json:"status"`
	Version          version.Info `json:"version"`
	SnapshotUpdateAt string       `json:"snapshot_updated_at,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Version: version.Get()}
	if s.deps.Health != nil {
		resp.Status = s.deps.Health.OverallStatus()
	}
	if s.deps.Quotes != nil {
		if ts := s.deps.Quotes.UpdatedAt(); !ts.IsZero() {
			resp.SnapshotUpdateAt = ts.Format("2006-01-02 15:04:05")
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Health == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Health.Summary())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}
	limit := searchLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > maxSearchLimit {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
			return
		}
		limit = n
	}
	if err := s.deps.Quotes.Ensure(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot not ready")
	}
	results := s.deps.Quotes.Search(q, limit)
	if results == nil {
		results = []market.Quote{}
	}
	writeJSON(w, http.StatusOK, results)
}

type infoResponse struct {
	market.Quote
	UpdateTime string `json:"update_time"`
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if err := s.deps.Quotes.Ensure(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot not ready")
	}
	q, ok := s.deps.Quotes.Get(code)
	if !ok {
		writeError(w, http.StatusNotFound, "ETF not found")
		return
	}
	writeJSON(w, http.StatusOK, infoResponse{
		Quote:      q,
		UpdateTime: s.deps.Quotes.UpdatedAt().Format("2006-01-02 15:04:05"),
	})
}

func (s *Server) adjust(w http.ResponseWriter, r *http.Request) (market.Adjust, bool) {
	raw := r.URL.Query().Get("adjust")
	if raw == "" {
		return market.AdjustForward, true
	}
	adj, err := market.ParseAdjust(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return "", false
	}
	return adj, true
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	adj, ok := s.adjust(w, r)
	if !ok {
		return
	}
	hs, err := s.deps.History.WithRealtime(r.Context(), r.PathValue("code"), adj)
	if err != nil || len(hs.Bars) == 0 {
		writeError(w, http.StatusNotFound, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, hs.Bars)
}

type metricsResponse struct {
	indicator.PeriodMetrics
	Period          string   `json:"period"`
	ATR             *float64 `json:"atr"`
	CurrentDrawdown *float64 `json:"current_drawdown"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	period := compare.Period5Y
	if raw := r.URL.Query().Get("period"); raw != "" {
		p, err := compare.ParsePeriod(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		period = p
	}
	hs, err := s.deps.History.WithRealtime(r.Context(), code, market.AdjustForward)
	if err != nil || len(hs.Bars) == 0 {
		writeError(w, http.StatusNotFound, "history unavailable")
		return
	}
	resp := metricsResponse{
		PeriodMetrics: indicator.CalculatePeriodMetrics(compare.FilterPeriod(hs.Bars, period)),
		Period:        string(period),
	}
	if s.deps.Lite != nil {
		if last, ok := hs.Bars.Last(); ok {
			lite := s.deps.Lite.RealtimeMetricsLite(r.Context(), code, last.Close)
			resp.ATR, resp.CurrentDrawdown = lite.ATR, lite.CurrentDrawdown
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type indicatorsResponse struct {
	Code        string                 `json:"code"`
	Temperature *indicator.Temperature `json:"temperature"`
	Daily       *indicator.DailyTrend  `json:"daily_trend"`
	Weekly      *indicator.WeeklyTrend `json:"weekly_trend"`
}

func (s *Server) handleIndicators(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	hs, err := s.deps.History.WithRealtime(r.Context(), code, market.AdjustForward)
	if err != nil || len(hs.Bars) == 0 {
		writeError(w, http.StatusNotFound, "history unavailable")
		return
	}
	req := indicache.Request{Code: code, Series: hs.Bars, Realtime: hs.Realtime}
	resp := indicatorsResponse{
		Code:        code,
		Temperature: s.deps.Temperature.Calculate(r.Context(), req),
		Daily:       s.deps.Trend.Daily(r.Context(), req),
		Weekly:      s.deps.Trend.Weekly(r.Context(), req),
	}
	if resp.Temperature == nil && resp.Daily == nil && resp.Weekly == nil {
		writeError(w, http.StatusNotFound, "not enough history for indicators")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGrid(w http.ResponseWriter, r *http.Request) {
	hs, err := s.deps.History.WithRealtime(r.Context(), r.PathValue("code"), market.AdjustForward)
	if err != nil {
		writeError(w, http.StatusNotFound, "history unavailable")
		return
	}
	params, ok := indicator.CalculateGridParams(hs.Bars)
	if !ok {
		writeError(w, http.StatusNotFound, "not enough history for grid")
		return
	}
	writeJSON(w, http.StatusOK, params)
}

func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	var codes []string
	for _, c := range strings.Split(r.URL.Query().Get("codes"), ",") {
		if c = strings.TrimSpace(c); c != "" {
			codes = append(codes, c)
		}
	}
	period := compare.Period3Y
	if raw := r.URL.Query().Get("period"); raw != "" {
		period = compare.Period(raw)
	}
	res, err := s.deps.Compare.Compute(r.Context(), codes, period)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, compare.ErrInvalid):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, compare.ErrNoHistory):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, compare.ErrInsufficientOverlap):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		s.logger.Error().Err(err).Strs("codes", codes).Msg("compare failed")
		writeError(w, http.StatusInternalServerError, "compare failed")
	}
}

type watchSummary struct {
	Code        string                 `json:"code"`
	Name        string                 `json:"name"`
	Price       *float64               `json:"price"`
	ChangePct   *float64               `json:"change_pct"`
	AddedAt     string                 `json:"added_at"`
	Temperature *indicator.Temperature `json:"temperature"`
	Daily       *indicator.DailyTrend  `json:"daily_trend"`
	Weekly      *indicator.WeeklyTrend `json:"weekly_trend"`
}

// handleWatchlistSummary computes every watched instrument on a bounded pool
// and returns them in watchlist order.
func (s *Server) handleWatchlistSummary(w http.ResponseWriter, r *http.Request) {
	if s.deps.Watchlists == nil {
		writeError(w, http.StatusServiceUnavailable, "storage not configured")
		return
	}
	userID, err := strconv.ParseInt(r.PathValue("user"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}
	items, err := s.deps.Watchlists.ListWatchlist(r.Context(), userID)
	if err != nil {
		s.logger.Error().Err(err).Int64("user_id", userID).Msg("list watchlist failed")
		writeError(w, http.StatusInternalServerError, "watchlist unavailable")
		return
	}
	if err := s.deps.Quotes.Ensure(r.Context()); err != nil {
		s.logger.Warn().Err(err).Msg("snapshot not ready")
	}

	out := make([]watchSummary, len(items))
	g, ctx := errgroup.WithContext(r.Context())
	g.SetLimit(s.opts.Workers)
	for i, item := range items {
		g.Go(func() error {
			sum := watchSummary{Code: item.Code, Name: item.Name}
			if !item.CreatedAt.IsZero() {
				sum.AddedAt = item.CreatedAt.Format("2006-01-02 15:04:05")
			}
			if q, ok := s.deps.Quotes.Get(item.Code); ok {
				if sum.Name == "" {
					sum.Name = q.Name
				}
				sum.Price, sum.ChangePct = q.Price, q.ChangePct
			}
			hs, err := s.deps.History.WithRealtime(ctx, item.Code, market.AdjustForward)
			if err != nil || len(hs.Bars) == 0 {
				s.logger.Warn().Err(err).Str("code", item.Code).Msg("watchlist history unavailable")
				out[i] = sum
				return nil
			}
			req := indicache.Request{Code: item.Code, Series: hs.Bars, Realtime: hs.Realtime}
			sum.Temperature = s.deps.Temperature.Calculate(ctx, req)
			sum.Daily = s.deps.Trend.Daily(ctx, req)
			sum.Weekly = s.deps.Trend.Weekly(ctx, req)
			out[i] = sum
			return nil
		})
	}
	_ = g.Wait()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleFundFlow(w http.ResponseWriter, r *http.Request) {
	if s.deps.FundFlows == nil {
		writeError(w, http.StatusServiceUnavailable, "fund flow not configured")
		return
	}
	code := r.PathValue("code")
	force, _ := strconv.ParseBool(r.URL.Query().Get("force_refresh"))
	flow, err := s.deps.FundFlows.FundFlow(r.Context(), code, force)
	if err != nil {
		s.logger.Error().Err(err).Str("code", code).Msg("fund flow failed")
		writeError(w, http.StatusInternalServerError, "fund flow unavailable")
		return
	}
	if flow == nil {
		writeError(w, http.StatusNotFound, "no share data")
		return
	}
	writeJSON(w, http.StatusOK, flow)
}

func (s *Server) handleValuation(w http.ResponseWriter, r *http.Request) {
	if s.deps.Valuations == nil {
		writeError(w, http.StatusServiceUnavailable, "valuation not configured")
		return
	}
	code := r.PathValue("code")
	v, err := s.deps.Valuations.Valuation(r.Context(), code)
	if err != nil {
		s.logger.Error().Err(err).Str("code", code).Msg("valuation failed")
		writeError(w, http.StatusInternalServerError, "valuation unavailable")
		return
	}
	if v == nil {
		writeError(w, http.StatusNotFound, "valuation unavailable for this ETF")
		return
	}
	writeJSON(w, http.StatusOK, v)
}
