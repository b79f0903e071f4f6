package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"etf-alerts/internal/compare"
	"etf-alerts/internal/fundflow"
	"etf-alerts/internal/health"
	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/storage"
	"etf-alerts/internal/valuation"
)

// Quotes is the realtime snapshot view used by the handlers.
type Quotes interface {
	Get(code string) (market.Quote, bool)
	Search(query string, limit int) []market.Quote
	UpdatedAt() time.Time
	Ensure(ctx context.Context) error
}

// HistoryReader reads history with today's live bar patched in.
type HistoryReader interface {
	WithRealtime(ctx context.Context, code string, adjust market.Adjust) (history.Series, error)
}

// TrendCalculator serves cached daily and weekly trends.
type TrendCalculator interface {
	Daily(ctx context.Context, req indicache.Request) *indicator.DailyTrend
	Weekly(ctx context.Context, req indicache.Request) *indicator.WeeklyTrend
}

// TemperatureCalculator serves cached temperatures.
type TemperatureCalculator interface {
	Calculate(ctx context.Context, req indicache.Request) *indicator.Temperature
}

// LiteMetrics serves realtime ATR and drawdown.
type LiteMetrics interface {
	RealtimeMetricsLite(ctx context.Context, code string, price float64) indicache.LiteMetrics
}

// Comparer runs multi-instrument comparisons.
type Comparer interface {
	Compute(ctx context.Context, codes []string, period compare.Period) (*compare.Result, error)
}

// Health reports data source status.
type Health interface {
	Summary() []health.SourceStatus
	OverallStatus() string
}

// Watchlists lists one user's instruments.
type Watchlists interface {
	ListWatchlist(ctx context.Context, userID int64) ([]storage.WatchItem, error)
}

// FundFlows serves share scale reports.
type FundFlows interface {
	FundFlow(ctx context.Context, code string, forceRefresh bool) (*fundflow.FundFlow, error)
}

// Valuations serves tracked-index valuations.
type Valuations interface {
	Valuation(ctx context.Context, etfCode string) (*valuation.Valuation, error)
}

// Dependencies are the collaborators of the API. Watchlists, FundFlows,
// Valuations and Gatherer are optional.
type Dependencies struct {
	Quotes      Quotes
	History     HistoryReader
	Trend       TrendCalculator
	Temperature TemperatureCalculator
	Lite        LiteMetrics
	Compare     Comparer
	Health      Health
	Watchlists  Watchlists
	FundFlows   FundFlows
	Valuations  Valuations
	Gatherer    prometheus.Gatherer
	Registerer  prometheus.Registerer
}

// Options configure the HTTP server.
type Options struct {
	Listen          string
	Workers         int
	ShutdownTimeout time.Duration
}

// Server is the read-only REST façade.
type Server struct {
	deps     Dependencies
	opts     Options
	logger   zerolog.Logger
	requests *prometheus.HistogramVec
}

// New builds the server and registers its request metrics.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Server {
	if opts.Listen == "" {
		opts.Listen = ":8080"
	}
	if opts.Workers <= 0 {
		opts.Workers = 5
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "api").Logger(),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "etfalerts_http_request_duration_seconds",
			Help:    "API request latency by route and status",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "status"}),
	}
	if deps.Registerer != nil {
		deps.Registerer.MustRegister(s.requests)
	}
	return s
}

// Handler returns the routed mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "GET /api/v1/health", s.handleHealth)
	s.route(mux, "GET /api/v1/sources", s.handleSources)
	s.route(mux, "GET /api/v1/etf/search", s.handleSearch)
	s.route(mux, "GET /api/v1/etf/{code}/info", s.handleInfo)
	s.route(mux, "GET /api/v1/etf/{code}/history", s.handleHistory)
	s.route(mux, "GET /api/v1/etf/{code}/metrics", s.handleMetrics)
	s.route(mux, "GET /api/v1/etf/{code}/indicators", s.handleIndicators)
	s.route(mux, "GET /api/v1/etf/{code}/grid", s.handleGrid)
	s.route(mux, "GET /api/v1/etf/{code}/fund-flow", s.handleFundFlow)
	s.route(mux, "GET /api/v1/etf/{code}/valuation", s.handleValuation)
	s.route(mux, "GET /api/v1/compare", s.handleCompare)
	s.route(mux, "GET /api/v1/watchlist/{user}/summary", s.handleWatchlistSummary)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.opts.Listen).Msg("api server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	return ctx.Err()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) route(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		s.requests.WithLabelValues(pattern, strconv.Itoa(rec.status)).Observe(time.Since(start).Seconds())
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("latency", time.Since(start)).
			Msg("request served")
	})
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
