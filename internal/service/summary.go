package service

import (
	"context"
	"fmt"
	"time"

	"etf-alerts/internal/alerting"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/storage"
)

// SummaryResult counts one report pass.
type SummaryResult struct {
	Due  int
	Sent int
}

// RunDailySummary sends the watchlist report to every subscriber whose
// summary time has passed at and who has not had today's report yet.
// Weekends produce nothing.
func (s *Service) RunDailySummary(ctx context.Context, at time.Time) (SummaryResult, error) {
	var result SummaryResult
	if !s.opts.SummaryEnabled || s.deps.Subscribers == nil {
		return result, nil
	}
	local := at.In(s.opts.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return result, nil
	}
	slot := local.Format("15:04")

	subs, err := s.deps.Subscribers.ListSubscribers(ctx)
	if err != nil {
		return result, fmt.Errorf("list subscribers: %w", err)
	}

	temps := make(map[string]*indicator.Temperature)
	for _, sub := range subs {
		prefs, err := alerting.ParsePreferences(sub.Preferences, s.opts.DefaultQuota)
		if err != nil {
			s.logger.Warn().Err(err).Int64("user_id", sub.UserID).Msg("invalid alert preferences, using defaults")
		}
		if !prefs.DailySummary || prefs.DailySummaryTime > slot {
			continue
		}
		if s.deps.States.SummarySentToday(ctx, sub.UserID) {
			continue
		}
		items, err := s.deps.Subscribers.ListWatchlist(ctx, sub.UserID)
		if err != nil {
			s.logger.Error().Err(err).Int64("user_id", sub.UserID).Msg("list watchlist failed")
			continue
		}
		if len(items) == 0 {
			continue
		}
		result.Due++

		rows := make([]alerting.SummaryItem, 0, len(items))
		for _, item := range items {
			rows = append(rows, s.summaryItem(ctx, item, temps))
		}
		text := alerting.FormatDailySummary(rows, s.deps.States.TodaySignals(ctx, sub.UserID), alerting.SummaryDate(local))
		to := alerting.Recipient{UserID: sub.UserID, BotToken: sub.BotToken, ChatID: sub.ChatID}
		if err := s.deps.Notifier.Send(ctx, to, text); err != nil {
			s.logger.Error().Err(err).Int64("user_id", sub.UserID).Msg("failed to send daily summary")
			continue
		}
		if err := s.deps.States.MarkSummarySent(ctx, sub.UserID); err != nil {
			s.logger.Error().Err(err).Int64("user_id", sub.UserID).Msg("failed to mark daily summary")
		}
		result.Sent++
	}

	if result.Due > 0 {
		s.logger.Info().Str("slot", slot).Int("due", result.Due).Int("sent", result.Sent).Msg("daily summaries sent")
	}
	return result, nil
}

// summaryItem fills one report row. Temperatures are computed once per code.
func (s *Service) summaryItem(ctx context.Context, item storage.WatchItem, temps map[string]*indicator.Temperature) alerting.SummaryItem {
	row := alerting.SummaryItem{Code: item.Code, Name: item.Name}
	if s.deps.Quotes != nil {
		if q, ok := s.deps.Quotes.Get(item.Code); ok {
			if row.Name == "" {
				row.Name = q.Name
			}
			if q.ChangePct != nil {
				row.ChangePct = *q.ChangePct
			}
		}
	}
	if row.Name == "" {
		row.Name = item.Code
	}

	temp, seen := temps[item.Code]
	if !seen {
		if series, err := s.deps.History.Raw(ctx, item.Code, s.opts.Adjust); err == nil && len(series) > 0 {
			temp = s.deps.Temperature.Calculate(ctx, indicache.Request{Code: item.Code, Series: series})
		} else if err != nil {
			s.logger.Warn().Err(err).Str("code", item.Code).Msg("summary temperature unavailable")
		}
		temps[item.Code] = temp
	}
	if temp != nil {
		score := temp.Score
		row.TemperatureScore = &score
		row.TemperatureLevel = temp.Level
	}
	return row
}
