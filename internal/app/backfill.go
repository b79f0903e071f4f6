package app

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"etf-alerts/internal/indicache"
	"etf-alerts/internal/market"
)

// Backfill warms the history and indicator caches for the given codes, or for
// every listed instrument when opts.All is set.
func (a *App) Backfill(ctx context.Context, opts BackfillOptions) error {
	adjust, err := market.ParseAdjust(opts.Adjust)
	if err != nil {
		return err
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	codes := opts.Codes
	if opts.All {
		if err := c.snapshot.Refresh(ctx); err != nil {
			return err
		}
		codes = codes[:0:0]
		for _, q := range c.snapshot.List() {
			codes = append(codes, q.Code)
		}
	}
	if len(codes) == 0 {
		return errors.New("回填列表为空，请指定代码或使用 --all")
	}

	if opts.DryRun {
		a.Logger.Warn().Int("codes", len(codes)).Strs("sample", head(codes, 10)).Msg("回填 dry-run：不会请求数据源")
		return nil
	}

	var processed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Workers)
	for _, code := range codes {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			bars, err := c.history.Raw(gctx, code, adjust)
			if err != nil || len(bars) == 0 {
				failed.Add(1)
				a.Logger.Error().Err(err).Str("code", code).Msg("回填失败")
				return nil
			}
			if adjust == market.AdjustForward {
				req := indicache.Request{Code: code, Series: bars, Force: true}
				c.temperature.Calculate(gctx, req)
				c.trend.Daily(gctx, req)
				c.trend.Weekly(gctx, req)
			}
			processed.Add(1)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	a.Logger.Info().Int64("processed", processed.Load()).Int64("failed", failed.Load()).Msg("回填完成")
	if failed.Load() > 0 {
		return errors.New("部分代码回填失败，请检查日志")
	}
	return nil
}

func head(values []string, n int) []string {
	if len(values) <= n {
		return values
	}
	return values[:n]
}
