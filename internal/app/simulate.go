package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"etf-alerts/internal/alerting"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/market"
)

// SimulateOptions configure an alert preview.
type SimulateOptions struct {
	Code string
	Send bool
}

// SimulateAlert 以空的历史状态计算一次信号，打印消息并可选地推送给管理员。
func (a *App) SimulateAlert(ctx context.Context, w io.Writer, opts SimulateOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	if err := c.snapshot.Refresh(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("snapshot refresh failed")
	}
	hs, err := c.history.WithRealtime(ctx, opts.Code, market.AdjustForward)
	if err != nil {
		return err
	}
	if len(hs.Bars) == 0 {
		return fmt.Errorf("no history for %s", opts.Code)
	}

	req := indicache.Request{Code: opts.Code, Series: hs.Bars, Realtime: true}
	m := alerting.Metrics{
		Temperature: c.temperature.Calculate(ctx, req),
		DailyTrend:  c.trend.Daily(ctx, req),
		WeeklyTrend: c.trend.Weekly(ctx, req),
	}
	name := opts.Code
	if q, ok := c.snapshot.Get(opts.Code); ok && q.Name != "" {
		name = q.Name
	}

	signals := alerting.DetectSignals(opts.Code, name, m, nil, alerting.DefaultPreferences())
	if len(signals) == 0 {
		fmt.Fprintln(w, "no signals")
		return nil
	}
	text := alerting.FormatMessage(signals, time.Now().In(c.location))
	fmt.Fprintln(w, text)
	if !opts.Send {
		return nil
	}

	admins, err := adminRecipients{store: c.store}.ListAdminRecipients(ctx)
	if err != nil {
		return err
	}
	if len(admins) == 0 {
		return errors.New("未找到已验证 Telegram 的管理员")
	}
	sent := 0
	for _, admin := range admins {
		if err := c.notifier.Send(ctx, admin, text); err != nil {
			a.Logger.Error().Err(err).Int64("user_id", admin.UserID).Msg("simulated alert failed")
			continue
		}
		sent++
	}
	a.Logger.Info().Int("signals", len(signals)).Int("sent", sent).Msg("simulated alert delivered")
	return nil
}
