package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// System alert types.
const (
	AdminAllSourcesDown  = "all_sources_down"
	AdminSourceRecovered = "source_recovered"
)

// DefaultAdminCooldown suppresses repeats of one alert type.
const DefaultAdminCooldown = 5 * time.Minute

// AdminLister returns administrators with a verified Telegram channel.
type AdminLister interface {
	ListAdminRecipients(ctx context.Context) ([]Recipient, error)
}

// AdminOptions configure the admin alerter.
type AdminOptions struct {
	Cooldown time.Duration
	Timeout  time.Duration
	Location *time.Location
}

// AdminAlerter broadcasts system-level alerts to administrators.
type AdminAlerter struct {
	notifier Notifier
	admins   AdminLister
	opts     AdminOptions
	logger   zerolog.Logger
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
	wg       sync.WaitGroup
}

// NewAdminAlerter wires the alerter.
func NewAdminAlerter(notifier Notifier, admins AdminLister, opts AdminOptions, logger zerolog.Logger) *AdminAlerter {
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultAdminCooldown
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	return &AdminAlerter{
		notifier: notifier,
		admins:   admins,
		opts:     opts,
		logger:   logger.With().Str("component", "admin_alert").Logger(),
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

func (a *AdminAlerter) coolingDown(alertType string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	last, ok := a.lastSent[alertType]
	return ok && a.now().Sub(last) < a.opts.Cooldown
}

// Send delivers alertType to every admin and returns how many succeeded.
// The cooldown starts only after at least one delivery.
func (a *AdminAlerter) Send(ctx context.Context, alertType, detail string) int {
	if a.coolingDown(alertType) {
		a.logger.Debug().Str("type", alertType).Msg("admin alert in cooldown")
		return 0
	}
	admins, err := a.admins.ListAdminRecipients(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("list admins failed")
		return 0
	}
	if len(admins) == 0 {
		a.logger.Info().Msg("no admin with verified telegram, skipping alert")
		return 0
	}

	text := FormatAdminMessage(alertType, detail, a.now().In(a.opts.Location))
	sent := 0
	for _, admin := range admins {
		if err := a.notifier.Send(ctx, admin, text); err != nil {
			a.logger.Error().Err(err).Int64("user_id", admin.UserID).Str("type", alertType).Msg("admin alert failed")
			continue
		}
		sent++
	}
	if sent > 0 {
		a.mu.Lock()
		a.lastSent[alertType] = a.now()
		a.mu.Unlock()
	}
	return sent
}

// OnAllSourcesDown is a failover hook; delivery runs in the background.
func (a *AdminAlerter) OnAllSourcesDown(code string) {
	a.sendAsync(AdminAllSourcesDown, fmt.Sprintf("获取 %s 历史数据时所有数据源均失败", code))
}

// OnSourceRecovered is a failover hook; delivery runs in the background.
func (a *AdminAlerter) OnSourceRecovered(source string) {
	a.sendAsync(AdminSourceRecovered, fmt.Sprintf("数据源 %s 已恢复", source))
}

func (a *AdminAlerter) sendAsync(alertType, detail string) {
	if a.coolingDown(alertType) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.Timeout)
		defer cancel()
		a.Send(ctx, alertType, detail)
	}()
}

// Wait blocks until background deliveries finish.
func (a *AdminAlerter) Wait() { a.wg.Wait() }

// FormatAdminMessage renders a system alert as HTML.
func FormatAdminMessage(alertType, detail string, now time.Time) string {
	ts := now.Format("2006-01-02 15:04:05")
	switch alertType {
	case AdminAllSourcesDown:
		return fmt.Sprintf("🚨 <b>系统告警</b>\n\n<b>类型</b>: 所有数据源不可用\n<b>时间</b>: %s\n<b>详情</b>: %s\n\n请检查网络连接和数据源状态。", ts, detail)
	case AdminSourceRecovered:
		return fmt.Sprintf("✅ <b>数据源恢复</b>\n\n<b>时间</b>: %s\n<b>详情</b>: %s", ts, detail)
	default:
		return fmt.Sprintf("⚠️ <b>系统通知</b>\n\n<b>类型</b>: %s\n<b>时间</b>: %s\n<b>详情</b>: %s", alertType, ts, detail)
	}
}
