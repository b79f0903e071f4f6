package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"etf-alerts/internal/alerting"
	"etf-alerts/internal/api"
	"etf-alerts/internal/cache"
	"etf-alerts/internal/compare"
	"etf-alerts/internal/config"
	"etf-alerts/internal/fetcher"
	"etf-alerts/internal/fundflow"
	"etf-alerts/internal/health"
	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/scheduler"
	"etf-alerts/internal/service"
	"etf-alerts/internal/snapshot"
	"etf-alerts/internal/storage"
	"etf-alerts/internal/valuation"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// components is the wired object graph shared by every command.
type components struct {
	location    *time.Location
	registry    *prometheus.Registry
	cache       cache.Store
	store       *storage.Store
	recorder    *health.Recorder
	manager     *fetcher.Manager
	baostock    *fetcher.Baostock
	snapshot    *snapshot.Cache
	history     *history.Service
	engine      *indicator.Engine
	trend       *indicache.Trend
	temperature *indicache.Temperature
	lite        *indicache.Lite
	states      *alerting.StateStore
	notifier    alerting.Notifier
	admin       *alerting.AdminAlerter
	compare     *compare.Service
	shares      *fundflow.Collector
	fundFlow    *fundflow.Service
	valuation   *valuation.Service
}

// close drains background work, then releases connections.
func (c *components) close(logger zerolog.Logger) {
	if c.lite != nil {
		c.lite.Wait()
	}
	if c.snapshot != nil {
		c.snapshot.Wait()
	}
	if c.admin != nil {
		c.admin.Wait()
	}
	if c.baostock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := c.baostock.Close(ctx); err != nil {
			logger.Warn().Err(err).Msg("baostock logout failed")
		}
		cancel()
	}
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			logger.Warn().Err(err).Msg("close cache failed")
		}
	}
	c.store.Close()
}

// adminRecipients adapts the user store to the admin alerter.
type adminRecipients struct {
	store *storage.Store
}

func (a adminRecipients) ListAdminRecipients(ctx context.Context) ([]alerting.Recipient, error) {
	if a.store == nil {
		return nil, nil
	}
	admins, err := a.store.ListAdmins(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]alerting.Recipient, 0, len(admins))
	for _, u := range admins {
		out = append(out, alerting.Recipient{UserID: u.UserID, BotToken: u.BotToken, ChatID: u.ChatID})
	}
	return out, nil
}

var _ alerting.AdminLister = adminRecipients{}

func (a *App) openCache(ctx context.Context) (cache.Store, error) {
	cfg := a.Config.Cache
	switch cfg.Backend {
	case config.CacheRedis:
		return cache.NewRedisStore(ctx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.RedisPrefix,
		}, a.Logger)
	case config.CacheMemory:
		return cache.NewMemoryStore(nil), nil
	default:
		return cache.NewDiskStore(cache.DiskOptions{Path: cfg.Path}, a.Logger)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, error) {
	if a.Config.Database.DSN == "" {
		return nil, nil
	}
	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, err
	}
	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

func httpOptions(src config.HTTPSource) fetcher.HTTPOptions {
	return fetcher.HTTPOptions{
		BaseURL:       src.BaseURL,
		Timeout:       src.Timeout,
		Retries:       src.Retries,
		RetryBackoff:  src.RetryBackoff,
		RatePerSecond: src.RatePerSecond,
		Burst:         src.Burst,
		UserAgent:     src.UserAgent,
	}
}

// newSources builds the history providers in configured priority order.
func (a *App) newSources() ([]fetcher.HistorySource, *fetcher.Baostock) {
	cfg := a.Config.Sources
	var bs *fetcher.Baostock
	sources := make([]fetcher.HistorySource, 0, len(cfg.Priority))
	for _, name := range cfg.Priority {
		switch name {
		case "eastmoney":
			sources = append(sources, fetcher.NewEastMoney(httpOptions(cfg.EastMoney), a.Logger))
		case "ths_history":
			sources = append(sources, fetcher.NewThs(httpOptions(cfg.Ths), a.Logger))
		case "baostock":
			bs = fetcher.NewBaostock(fetcher.BaostockOptions{
				HTTPOptions: httpOptions(cfg.Baostock.HTTPSource),
				UserID:      cfg.Baostock.UserID,
				Password:    cfg.Baostock.Password,
			}, a.Logger)
			sources = append(sources, bs)
		}
	}
	return sources, bs
}

// build wires the object graph. The caller must close the result.
func (a *App) build(ctx context.Context) (*components, error) {
	loc, err := a.Config.Location()
	if err != nil {
		return nil, err
	}
	c := &components{location: loc, registry: prometheus.NewRegistry()}
	c.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	c.cache, err = a.openCache(ctx)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	c.store, err = a.openStore(ctx)
	if err != nil {
		c.close(a.Logger)
		return nil, err
	}
	if c.store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; alerts and watchlists disabled")
	}

	alertCfg := a.Config.Alerting
	c.notifier = alerting.NewTelegramNotifier(alertCfg.Telegram.APIBase, alertCfg.Telegram.Timeout, a.Logger)
	c.admin = alerting.NewAdminAlerter(c.notifier, adminRecipients{store: c.store}, alerting.AdminOptions{
		Cooldown: alertCfg.AdminCooldown,
		Location: loc,
	}, a.Logger)

	c.recorder = health.NewRecorder(health.WithObserver(health.NewPromCollector(c.registry)))
	sources, bs := a.newSources()
	c.baostock = bs
	breaker := a.Config.Sources.Breaker
	c.manager = fetcher.NewManager(sources, c.recorder, fetcher.ManagerOptions{
		Breaker: health.BreakerOptions{
			Threshold: breaker.Threshold,
			Window:    breaker.Window,
			Cooldown:  breaker.Cooldown,
		},
		OnRecovered: c.admin.OnSourceRecovered,
		OnExhausted: c.admin.OnAllSourcesDown,
	}, a.Logger)

	c.snapshot = snapshot.New(fetcher.NewSpot(httpOptions(a.Config.Sources.Spot), a.Logger), snapshot.Options{
		TTL:            a.Config.Snapshot.TTL,
		RefreshTimeout: a.Config.Snapshot.RefreshTimeout,
	}, a.Logger)
	sessionClose, err := scheduler.ParseClock(a.Config.Scheduler.TradingEnd)
	if err != nil {
		c.close(a.Logger)
		return nil, err
	}
	c.history = history.New(c.manager, c.cache, c.snapshot, history.Options{
		TTL:          a.Config.Cache.HistoryTTL,
		Location:     loc,
		SessionClose: sessionClose.Offset(),
	}, a.Logger)

	ind := a.Config.Indicators
	c.engine = indicator.NewEngine(ind.Engine())
	c.trend = indicache.NewTrend(c.engine, c.cache, c.history.Session(), a.Logger)
	c.temperature = indicache.NewTemperature(c.engine, c.cache, c.history.Session(), a.Logger)
	c.lite = indicache.NewLite(c.history, c.cache, indicache.LiteOptions{
		DrawdownDays: ind.DrawdownDays,
		ATRPeriod:    ind.ATRPeriod,
		BaseTTL:      ind.MetricsBaseTTL,
	}, a.Logger)
	c.states = alerting.NewStateStore(c.cache, loc, a.Logger)
	c.compare = compare.New(c.history, c.temperature, c.snapshot, a.Config.API.Workers, a.Logger)

	ff := a.Config.FundFlow
	if c.store != nil && ff.Enabled {
		c.shares = fundflow.NewCollector([]fetcher.ShareFetcher{
			fetcher.NewSSEShares(httpOptions(ff.SSE), a.Logger),
			fetcher.NewSZSEShares(httpOptions(ff.SZSE), a.Logger),
		}, c.store, fundflow.CollectorOptions{Location: loc, BackupDir: ff.BackupDir}, a.Logger)
		c.fundFlow = fundflow.NewService(c.store, c.snapshot, c.cache, ff.CacheTTL, a.Logger)
	}
	vc := a.Config.Valuation
	c.valuation = valuation.New(fetcher.NewCSIndex(httpOptions(vc.CSIndex), a.Logger), c.cache, valuation.Options{
		MapPath:     vc.MapPath,
		CacheTTL:    vc.CacheTTL,
		NegativeTTL: vc.NegativeTTL,
	}, a.Logger)
	return c, nil
}

func (a *App) newService(c *components) *service.Service {
	deps := service.Dependencies{
		History:     c.history,
		Trend:       c.trend,
		Temperature: c.temperature,
		States:      c.states,
		Notifier:    c.notifier,
		Snapshot:    c.snapshot,
		Quotes:      c.snapshot,
	}
	if c.shares != nil {
		deps.Shares = c.shares
	}
	enabled := a.Config.Alerting.Enabled
	if c.store != nil {
		deps.Subscribers = c.store
		deps.Alerts = c.store
		deps.Locker = c.store
	} else {
		enabled = false
	}
	return service.New(deps, service.Options{
		Adjust:         market.AdjustForward,
		AlertsEnabled:  enabled,
		SummaryEnabled: enabled && a.Config.Alerting.SummaryEnabled,
		DefaultQuota:   a.Config.Alerting.DefaultQuota,
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
		HistoryRetain:  a.Config.Alerting.HistoryRetain,
		Location:       c.location,
	}, a.Logger)
}

func (a *App) newAPI(c *components) *api.Server {
	deps := api.Dependencies{
		Quotes:      c.snapshot,
		History:     c.history,
		Trend:       c.trend,
		Temperature: c.temperature,
		Lite:        c.lite,
		Compare:     c.compare,
		Health:      c.recorder,
		Gatherer:    c.registry,
		Registerer:  c.registry,
	}
	if c.store != nil {
		deps.Watchlists = c.store
	}
	if c.fundFlow != nil {
		deps.FundFlows = c.fundFlow
	}
	if c.valuation != nil {
		deps.Valuations = c.valuation
	}
	cfg := a.Config.API
	return api.New(deps, api.Options{
		Listen:          cfg.Listen,
		Workers:         cfg.Workers,
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, a.Logger)
}

// newJobs builds the schedules of the long-running service.
func (a *App) newJobs(loc *time.Location) (service.Jobs, error) {
	cfg := a.Config.Scheduler
	clocks := make(map[string]scheduler.Clock, 5)
	for name, raw := range map[string]string{
		"trading_start": cfg.TradingStart,
		"trading_end":   cfg.TradingEnd,
		"close_time":    cfg.CloseTime,
		"collect_time":  a.Config.FundFlow.CollectTime,
		"backup_time":   a.Config.FundFlow.BackupTime,
	} {
		clock, err := scheduler.ParseClock(raw)
		if err != nil {
			return service.Jobs{}, fmt.Errorf("%s: %w", name, err)
		}
		clocks[name] = clock
	}

	intraday := scheduler.New(scheduler.Options{
		Interval:     cfg.Interval,
		AlignToStart: cfg.AlignToBucket,
		StartupDelay: cfg.StartupDelay,
		Window: &scheduler.Window{
			Start:        clocks["trading_start"],
			End:          clocks["trading_end"],
			SkipWeekends: cfg.SkipWeekends,
			Location:     loc,
		},
	}, a.Logger)
	summary := scheduler.New(scheduler.Options{
		Interval:     time.Minute,
		AlignToStart: true,
		Window: &scheduler.Window{
			Start:        clocks["close_time"],
			End:          scheduler.Clock{Hour: 23, Minute: 59},
			SkipWeekends: true,
			Location:     loc,
		},
	}, a.Logger)

	return service.Jobs{
		Intraday:     intraday,
		CloseAt:      clocks["close_time"],
		SkipWeekends: cfg.SkipWeekends,
		RefreshEvery: a.Config.Snapshot.RefreshInterval,
		Summary:      summary,
		CollectAt:    clocks["collect_time"],
		BackupAt:     clocks["backup_time"],
	}, nil
}

// Run executes the long-running alert service and the HTTP API.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	jobs, err := a.newJobs(c.location)
	if err != nil {
		return err
	}
	svc := a.newService(c)

	if err := c.snapshot.Refresh(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("initial snapshot refresh failed")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return svc.Run(gctx, jobs)
	})
	if a.Config.API.Enabled {
		srv := a.newAPI(c)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Msg("starting etf alert service")
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("etf alert service stopped")
	return nil
}

// CheckOptions configure a one-off alert run.
type CheckOptions struct {
	Kind   string
	UserID int64
}

// Check runs a single alert check and reports its summary.
func (a *App) Check(ctx context.Context, opts CheckOptions) (service.RunResult, error) {
	kind, err := service.ParseKind(opts.Kind)
	if err != nil {
		return service.RunResult{}, err
	}
	c, err := a.build(ctx)
	if err != nil {
		return service.RunResult{}, err
	}
	defer c.close(a.Logger)

	if c.store == nil {
		return service.RunResult{}, errors.New("database not configured; cannot run alert check")
	}
	if kind == service.KindIntraday {
		if err := c.snapshot.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("snapshot refresh failed")
		}
	}
	return a.newService(c).RunCheck(ctx, service.CheckRequest{Kind: kind, UserID: opts.UserID})
}

// ExportOptions hold parameters for exporting one instrument's history.
type ExportOptions struct {
	Code      string
	Adjust    string
	From      string
	To        string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code     string
	Realtime bool
}

// BackfillOptions configure the history warm-up job.
type BackfillOptions struct {
	Codes   []string
	All     bool
	Adjust  string
	Workers int
	DryRun  bool
}
