package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"etf-alerts/internal/alerting"
	"etf-alerts/internal/fundflow"
	"etf-alerts/internal/history"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
	"etf-alerts/internal/scheduler"
	"etf-alerts/internal/storage"
)

// Kind distinguishes intraday checks from the close-of-day run.
type Kind string

const (
	// KindIntraday patches today's bar from live quotes and never writes indicator caches.
	KindIntraday Kind = "intraday"
	// KindClose persists indicator results.
	KindClose Kind = "close"
)

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindIntraday, KindClose:
		return Kind(s), nil
	default:
		return "", fmt.Errorf("unknown check kind %q", s)
	}
}

var errNoHistory = errors.New("no history available")

// HistoryReader reads cached daily history.
type HistoryReader interface {
	Raw(ctx context.Context, code string, adjust market.Adjust) (market.Series, error)
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

// SnapshotRefresher reloads the realtime quote list.
type SnapshotRefresher interface {
	Refresh(ctx context.Context) error
}

// QuoteReader reads the latest snapshot quote of one instrument.
type QuoteReader interface {
	Get(code string) (market.Quote, bool)
}

// ShareJobs collects exchange share data and archives it monthly.
type ShareJobs interface {
	Collect(ctx context.Context) (fundflow.CollectResult, error)
	BackupMonth(ctx context.Context, year int, month time.Month) (fundflow.BackupResult, error)
}

// Dependencies are the collaborators of a Service. Alerts, Locker and
// Snapshot are optional.
type Dependencies struct {
	History     HistoryReader
	Trend       TrendCalculator
	Temperature TemperatureCalculator
	States      *alerting.StateStore
	Notifier    alerting.Notifier
	Subscribers storage.SubscriberStore
	Alerts      storage.AlertStore
	Locker      storage.AdvisoryLocker
	Snapshot    SnapshotRefresher
	Quotes      QuoteReader
	Shares      ShareJobs
}

// Options tune a Service.
type Options struct {
	Adjust         market.Adjust
	AlertsEnabled  bool
	SummaryEnabled bool
	DefaultQuota   int
	LockKey        int64
	HistoryRetain  time.Duration
	Location       *time.Location
}

// CheckRequest selects the run kind and optionally a single user.
type CheckRequest struct {
	Kind   Kind
	UserID int64
}

// RunResult summarises one alert run.
type RunResult struct {
	RunID       uuid.UUID
	Skipped     bool
	Users       int
	Instruments int
	Failed      int
	Signals     int
	Delivered   int
}

// Service orchestrates alert checks and periodic data collection.
type Service struct {
	deps   Dependencies
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs the alert service.
func New(deps Dependencies, opts Options, logger zerolog.Logger) *Service {
	if opts.DefaultQuota <= 0 {
		opts.DefaultQuota = alerting.DefaultMaxAlertsPerDay
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &Service{
		deps:   deps,
		opts:   opts,
		logger: logger.With().Str("component", "service").Logger(),
		now:    time.Now,
	}
}

// Jobs are the schedules Run drives.
type Jobs struct {
	// Intraday ticks inside the trading window and also drives the daily jobs.
	Intraday     *scheduler.Scheduler
	CloseAt      scheduler.Clock
	SkipWeekends bool
	RefreshEvery time.Duration
	// Summary ticks every minute; users get their report at the first tick
	// at or after their configured time. Nil disables reports.
	Summary *scheduler.Scheduler
	// CollectAt and BackupAt time the share jobs when Dependencies.Shares is set.
	CollectAt scheduler.Clock
	BackupAt  scheduler.Clock
}

// Run drives intraday checks, the close-of-day check and the optional
// summary, snapshot and share jobs until ctx is cancelled.
func (s *Service) Run(ctx context.Context, jobs Jobs) error {
	sched := jobs.Intraday
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	var loops []func() error
	loops = append(loops,
		func() error {
			return sched.Run(ctx, func(ctx context.Context, _ time.Time) error {
				_, err := s.RunCheck(ctx, CheckRequest{Kind: KindIntraday})
				return err
			})
		},
		func() error {
			return sched.Daily(ctx, jobs.CloseAt, s.opts.Location, jobs.SkipWeekends, func(ctx context.Context, _ time.Time) error {
				if _, err := s.RunCheck(ctx, CheckRequest{Kind: KindClose}); err != nil {
					return err
				}
				return s.Prune(ctx)
			})
		})
	if jobs.RefreshEvery > 0 && s.deps.Snapshot != nil {
		loops = append(loops, func() error { return s.refreshLoop(ctx, jobs.RefreshEvery) })
	}
	if jobs.Summary != nil && s.opts.SummaryEnabled {
		loops = append(loops, func() error {
			return jobs.Summary.Run(ctx, func(ctx context.Context, bucket time.Time) error {
				_, err := s.RunDailySummary(ctx, bucket)
				return err
			})
		})
	}
	if s.deps.Shares != nil {
		loops = append(loops,
			func() error {
				return sched.Daily(ctx, jobs.CollectAt, s.opts.Location, true, func(ctx context.Context, _ time.Time) error {
					_, err := s.deps.Shares.Collect(ctx)
					return err
				})
			},
			func() error {
				return sched.Daily(ctx, jobs.BackupAt, s.opts.Location, false, func(ctx context.Context, at time.Time) error {
					return s.backupPreviousMonth(ctx, at)
				})
			})
	}

	errs := make(chan error, len(loops))
	for _, loop := range loops {
		go func() { errs <- loop() }()
	}
	var first error
	for range loops {
		if err := <-errs; err != nil && first == nil {
			first = err
		}
	}
	return first
}

// backupPreviousMonth archives last month's share history on the 1st.
func (s *Service) backupPreviousMonth(ctx context.Context, at time.Time) error {
	local := at.In(s.opts.Location)
	if local.Day() != 1 {
		return nil
	}
	prev := local.AddDate(0, -1, 0)
	res, err := s.deps.Shares.BackupMonth(ctx, prev.Year(), prev.Month())
	if err != nil {
		return err
	}
	s.logger.Info().Str("path", res.Path).Int("rows", res.Rows).Msg("share history backup written")
	return nil
}

func (s *Service) refreshLoop(ctx context.Context, every time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.RefreshSnapshot(ctx); err != nil {
				s.logger.Warn().Err(err).Msg("snapshot refresh failed")
			}
		}
	}
}

// RefreshSnapshot reloads the full quote list.
func (s *Service) RefreshSnapshot(ctx context.Context) error {
	if s.deps.Snapshot == nil {
		return nil
	}
	if err := s.deps.Snapshot.Refresh(ctx); err != nil {
		return fmt.Errorf("refresh snapshot: %w", err)
	}
	return nil
}

// Prune deletes alert history older than the retention window.
func (s *Service) Prune(ctx context.Context) error {
	if s.deps.Alerts == nil || s.opts.HistoryRetain <= 0 {
		return nil
	}
	removed, err := s.deps.Alerts.DeleteAlertsBefore(ctx, s.now().Add(-s.opts.HistoryRetain))
	if err != nil {
		return fmt.Errorf("prune alert history: %w", err)
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("alert history pruned")
	}
	return nil
}

// watcher is one user's interest in an instrument.
type watcher struct {
	box  *outbox
	name string
}

// outbox accumulates one user's signals across instruments.
type outbox struct {
	sub       storage.Subscriber
	prefs     alerting.Preferences
	remaining int
	signals   []alerting.Signal
}

// RunCheck performs one alert run. Instruments are processed sequentially and
// each is fetched and computed once no matter how many users watch it.
func (s *Service) RunCheck(ctx context.Context, req CheckRequest) (RunResult, error) {
	result := RunResult{RunID: uuid.New()}
	if !s.opts.AlertsEnabled {
		result.Skipped = true
		return result, nil
	}

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return result, err
	}
	if !proceed {
		s.logger.Debug().Str("kind", string(req.Kind)).Msg("skip run because advisory lock held elsewhere")
		result.Skipped = true
		return result, nil
	}
	if unlock != nil {
		defer unlock()
	}

	logger := s.logger.With().Str("run_id", result.RunID.String()).Str("kind", string(req.Kind)).Logger()

	boxes, watchers, err := s.collect(ctx, req.UserID, logger)
	if err != nil {
		return result, err
	}
	result.Users = len(boxes)

	codes := make([]string, 0, len(watchers))
	for code := range watchers {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	result.Instruments = len(codes)

	for _, code := range codes {
		metrics, err := s.compute(ctx, code, req.Kind)
		if err != nil {
			result.Failed++
			logger.Warn().Err(err).Str("code", code).Msg("skip instrument")
			continue
		}
		for _, w := range watchers[code] {
			if err := s.checkUser(ctx, w, code, metrics); err != nil {
				logger.Error().Err(err).Int64("user_id", w.box.sub.UserID).Str("code", code).Msg("alert check failed")
			}
		}
	}

	for _, box := range boxes {
		if len(box.signals) == 0 {
			continue
		}
		sent, delivered := s.deliver(ctx, result.RunID, box, logger)
		result.Signals += sent
		if delivered {
			result.Delivered++
		}
	}

	logger.Info().
		Int("users", result.Users).
		Int("instruments", result.Instruments).
		Int("failed", result.Failed).
		Int("signals", result.Signals).
		Int("delivered", result.Delivered).
		Msg("alert run finished")
	return result, nil
}

// collect builds the instrument to watchers map. Users whose daily quota is
// already used up are left out of the run.
func (s *Service) collect(ctx context.Context, onlyUser int64, logger zerolog.Logger) ([]*outbox, map[string][]watcher, error) {
	subs, err := s.deps.Subscribers.ListSubscribers(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("list subscribers: %w", err)
	}

	boxes := make([]*outbox, 0, len(subs))
	watchers := make(map[string][]watcher)
	for _, sub := range subs {
		if onlyUser != 0 && sub.UserID != onlyUser {
			continue
		}
		prefs, err := alerting.ParsePreferences(sub.Preferences, s.opts.DefaultQuota)
		if err != nil {
			logger.Warn().Err(err).Int64("user_id", sub.UserID).Msg("invalid alert preferences, using defaults")
		}
		if !prefs.Enabled {
			continue
		}

		remaining := prefs.MaxAlertsPerDay - s.deps.States.DailySentCount(ctx, sub.UserID)
		if remaining <= 0 {
			logger.Info().Int64("user_id", sub.UserID).Msg("daily alert limit reached")
			continue
		}

		items, err := s.deps.Subscribers.ListWatchlist(ctx, sub.UserID)
		if err != nil {
			logger.Error().Err(err).Int64("user_id", sub.UserID).Msg("list watchlist failed")
			continue
		}
		if len(items) == 0 {
			continue
		}

		box := &outbox{sub: sub, prefs: prefs, remaining: remaining}
		boxes = append(boxes, box)
		for _, item := range items {
			name := item.Name
			if name == "" {
				name = item.Code
			}
			watchers[item.Code] = append(watchers[item.Code], watcher{box: box, name: name})
		}
	}
	return boxes, watchers, nil
}

// compute loads history and the three indicator bundles for code.
func (s *Service) compute(ctx context.Context, code string, kind Kind) (alerting.Metrics, error) {
	var (
		series market.Series
		err    error
	)
	if kind == KindIntraday {
		var hs history.Series
		hs, err = s.deps.History.WithRealtime(ctx, code, s.opts.Adjust)
		series = hs.Bars
	} else {
		series, err = s.deps.History.Raw(ctx, code, s.opts.Adjust)
	}
	if err != nil {
		return alerting.Metrics{}, err
	}
	if len(series) == 0 {
		return alerting.Metrics{}, errNoHistory
	}

	req := indicache.Request{Code: code, Series: series, Realtime: kind == KindIntraday}
	m := alerting.Metrics{
		Temperature: s.deps.Temperature.Calculate(ctx, req),
		DailyTrend:  s.deps.Trend.Daily(ctx, req),
		WeeklyTrend: s.deps.Trend.Weekly(ctx, req),
	}
	if m.Temperature == nil && m.DailyTrend == nil && m.WeeklyTrend == nil {
		return alerting.Metrics{}, fmt.Errorf("insufficient history for %s (%d bars)", code, len(series))
	}
	return m, nil
}

// checkUser detects and records signals for one user and instrument. The
// state snapshot is only replaced when something fired.
func (s *Service) checkUser(ctx context.Context, w watcher, code string, m alerting.Metrics) error {
	userID := w.box.sub.UserID
	prev, err := s.deps.States.Get(ctx, userID, code)
	if err != nil {
		return err
	}

	signals := alerting.DetectSignals(code, w.name, m, prev, w.box.prefs)
	signals = s.deps.States.FilterUnsent(ctx, userID, signals)
	if len(signals) == 0 {
		return nil
	}

	if err := s.deps.States.Save(ctx, userID, alerting.BuildState(code, m, s.now())); err != nil {
		return err
	}
	for _, sig := range signals {
		if err := s.deps.States.MarkSignal(ctx, userID, sig); err != nil {
			return err
		}
	}
	w.box.signals = append(w.box.signals, signals...)
	return nil
}

// deliver sends one batched message and records each signal.
func (s *Service) deliver(ctx context.Context, runID uuid.UUID, box *outbox, logger zerolog.Logger) (int, bool) {
	signals := box.signals
	if len(signals) > box.remaining {
		logger.Info().Int64("user_id", box.sub.UserID).
			Int("signals", len(signals)).
			Int("remaining", box.remaining).
			Msg("truncating signals to daily quota")
		signals = signals[:box.remaining]
	}

	text := alerting.FormatMessage(signals, s.now().In(s.opts.Location))
	to := alerting.Recipient{UserID: box.sub.UserID, BotToken: box.sub.BotToken, ChatID: box.sub.ChatID}
	delivered := true
	if err := s.deps.Notifier.Send(ctx, to, text); err != nil {
		delivered = false
		logger.Error().Err(err).Int64("user_id", box.sub.UserID).Msg("failed to dispatch alert")
	} else {
		logger.Info().Int64("user_id", box.sub.UserID).Int("signals", len(signals)).Msg("alerts sent")
	}

	if s.deps.Alerts != nil {
		for _, sig := range signals {
			record := storage.AlertRecord{
				RunID:      runID,
				UserID:     box.sub.UserID,
				Code:       sig.Code,
				SignalType: sig.Type,
				Detail:     sig.Detail,
				Priority:   string(sig.Priority),
				Delivered:  delivered,
			}
			if _, err := s.deps.Alerts.InsertAlert(ctx, record); err != nil {
				logger.Error().Err(err).Int64("user_id", box.sub.UserID).Msg("failed to persist alert record")
			}
		}
	}
	return len(signals), delivered
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
