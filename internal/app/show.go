package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"etf-alerts/internal/health"
	"etf-alerts/internal/indicache"
	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

// Show prints the indicator bundle of one instrument.
func (a *App) Show(ctx context.Context, w io.Writer, opts ShowOptions) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	var bars market.Series
	realtime := false
	if opts.Realtime {
		if err := c.snapshot.Refresh(ctx); err != nil {
			a.Logger.Warn().Err(err).Msg("snapshot refresh failed")
		}
		hs, err := c.history.WithRealtime(ctx, opts.Code, market.AdjustForward)
		if err != nil {
			return err
		}
		bars, realtime = hs.Bars, hs.Realtime
	} else {
		bars, err = c.history.Raw(ctx, opts.Code, market.AdjustForward)
		if err != nil {
			return err
		}
	}
	if len(bars) == 0 {
		return fmt.Errorf("no history for %s", opts.Code)
	}

	req := indicache.Request{Code: opts.Code, Series: bars, Realtime: realtime}
	writeIndicators(w, opts.Code, bars,
		c.temperature.Calculate(ctx, req),
		c.trend.Daily(ctx, req),
		c.trend.Weekly(ctx, req))
	return nil
}

func writeIndicators(out io.Writer, code string, bars market.Series, temp *indicator.Temperature, daily *indicator.DailyTrend, weekly *indicator.WeeklyTrend) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	last, _ := bars.Last()
	fmt.Fprintf(writer, "Code\t%s\n", code)
	fmt.Fprintf(writer, "Bars\t%d (%s ~ %s)\n", len(bars), bars[0].Date, last.Date)
	fmt.Fprintf(writer, "Close\t%.3f\n", last.Close)

	if temp != nil {
		fmt.Fprintf(writer, "Temperature\t%d (%s)\n", temp.Score, temp.Level)
		fmt.Fprintf(writer, "RSI\t%.2f\n", temp.RSIValue)
	} else {
		fmt.Fprintln(writer, "Temperature\t-")
	}
	if daily != nil {
		fmt.Fprintf(writer, "Daily alignment\t%s\n", daily.MAAlignment)
		if daily.LatestSignal != nil {
			fmt.Fprintf(writer, "Daily signal\t%s\n", *daily.LatestSignal)
		}
	} else {
		fmt.Fprintln(writer, "Daily trend\t-")
	}
	if weekly != nil {
		fmt.Fprintf(writer, "Weekly alignment\t%s\n", weekly.MAStatus)
		fmt.Fprintf(writer, "Weekly streak\t%d %s\n", weekly.ConsecutiveWeeks, weekly.Direction)
	} else {
		fmt.Fprintln(writer, "Weekly trend\t-")
	}
	if grid, ok := indicator.CalculateGridParams(bars); ok {
		fmt.Fprintf(writer, "Grid\t%.3f ~ %.3f, %d grids @ %.2f%%\n", grid.Lower, grid.Upper, grid.GridCount, grid.SpacingPct)
	}
}

// Sources probes every history source with one short request and prints
// the resulting health table.
func (a *App) Sources(ctx context.Context, w io.Writer, probeCode string) error {
	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	end := time.Now().In(c.location)
	start := end.AddDate(0, 0, -14).Format(market.DateLayout)
	for _, src := range c.manager.Sources() {
		began := time.Now()
		if !src.IsAvailable(ctx) {
			c.recorder.RecordFailure(src.Name(), "unavailable", time.Since(began))
			continue
		}
		bars, err := src.FetchHistory(ctx, probeCode, start, end.Format(market.DateLayout), market.AdjustForward)
		switch {
		case err != nil:
			c.recorder.RecordFailure(src.Name(), err.Error(), time.Since(began))
		case len(bars) == 0:
			c.recorder.RecordFailure(src.Name(), "empty result", time.Since(began))
		default:
			c.recorder.RecordSuccess(src.Name(), time.Since(began))
		}
	}

	writeSources(w, c.recorder.OverallStatus(), c.recorder.Summary())
	return nil
}

func writeSources(out io.Writer, overall string, statuses []health.SourceStatus) {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer writer.Flush()

	fmt.Fprintf(writer, "Overall: %s\n", overall)
	fmt.Fprintln(writer, "Source\tStatus\tLatency(ms)\tCircuit\tError")
	for _, st := range statuses {
		latency := "-"
		if st.AvgLatencyMS != nil {
			latency = fmt.Sprintf("%.1f", *st.AvgLatencyMS)
		}
		circuit := "closed"
		if st.CircuitOpen {
			circuit = "open"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n", st.Name, st.Status, latency, circuit, sanitizeInline(st.LastError))
	}
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
