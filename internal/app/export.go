package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"etf-alerts/internal/indicator"
	"etf-alerts/internal/market"
)

// exportRow is one bar with its trailing daily moving averages.
type exportRow struct {
	Bar market.Bar
	MA  [3]*float64
}

// Export renders one instrument's history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	adjust, err := market.ParseAdjust(opts.Adjust)
	if err != nil {
		return err
	}
	if opts.From != "" && opts.To != "" && opts.From > opts.To {
		return errors.New("from must not be after to")
	}
	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer c.close(a.Logger)

	bars, err := c.history.Raw(ctx, opts.Code, adjust)
	if err != nil {
		return err
	}
	rows := buildExportRows(bars)
	rows = filterRows(rows, opts.From, opts.To)
	if len(rows) == 0 {
		a.Logger.Info().Str("code", opts.Code).Msg("no bars found for export window")
		return nil
	}

	downsampled := downsampleRows(rows, opts.MaxPoints)
	a.Logger.Info().Str("code", opts.Code).Int("total", len(rows)).Int("exported", len(downsampled)).Msg("exporting history")

	if opts.CSVPath != "" {
		if err := writeRowsCSV(a.exportPath(opts.CSVPath), downsampled); err != nil {
			return err
		}
	}
	if opts.PNGPath != "" {
		if err := writeRowsPNG(a.exportPath(opts.PNGPath), opts.Code, downsampled); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) exportPath(path string) string {
	if filepath.IsAbs(path) || a.Config.Export.Directory == "" {
		return path
	}
	return filepath.Join(a.Config.Export.Directory, path)
}

// buildExportRows computes the moving averages over the full series so the
// first rows of a filtered window still carry values.
func buildExportRows(bars market.Series) []exportRow {
	closes := bars.Closes()
	rows := make([]exportRow, len(bars))
	for i, b := range bars {
		rows[i].Bar = b
		for j, period := range indicator.DailyMAPeriods {
			if v, ok := indicator.SMA(closes, period, i); ok {
				rows[i].MA[j] = &v
			}
		}
	}
	return rows
}

func filterRows(rows []exportRow, from, to string) []exportRow {
	out := rows[:0:0]
	for _, r := range rows {
		if from != "" && r.Bar.Date < from {
			continue
		}
		if to != "" && r.Bar.Date > to {
			continue
		}
		out = append(out, r)
	}
	return out
}

func downsampleRows(rows []exportRow, max int) []exportRow {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]exportRow, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func formatOptional(v *float64, places int) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', places, 64)
}

func writeRowsCSV(path string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"date", "open", "high", "low", "close", "volume", "ma5", "ma20", "ma60"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, r := range rows {
		record := []string{
			r.Bar.Date,
			strconv.FormatFloat(r.Bar.Open, 'f', 3, 64),
			strconv.FormatFloat(r.Bar.High, 'f', 3, 64),
			strconv.FormatFloat(r.Bar.Low, 'f', 3, 64),
			strconv.FormatFloat(r.Bar.Close, 'f', 3, 64),
			strconv.FormatFloat(r.Bar.Volume, 'f', 0, 64),
			formatOptional(r.MA[0], 4),
			formatOptional(r.MA[1], 4),
			formatOptional(r.MA[2], 4),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeRowsPNG(path, code string, rows []exportRow) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, 0, len(rows))
	closes := make([]float64, 0, len(rows))
	for _, r := range rows {
		day, err := time.Parse(market.DateLayout, r.Bar.Date)
		if err != nil {
			return fmt.Errorf("bad bar date %q: %w", r.Bar.Date, err)
		}
		x = append(x, day)
		closes = append(closes, r.Bar.Close)
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	series := []chart.Series{
		chart.TimeSeries{Name: "Close", XValues: x, YValues: closes},
	}
	for j, period := range indicator.DailyMAPeriods {
		var mx []time.Time
		var my []float64
		for i, r := range rows {
			if r.MA[j] != nil {
				mx = append(mx, x[i])
				my = append(my, *r.MA[j])
			}
		}
		if len(mx) < 2 {
			continue
		}
		series = append(series, chart.TimeSeries{Name: fmt.Sprintf("MA%d", period), XValues: mx, YValues: my})
	}

	graph := chart.Chart{
		Title:  code,
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price",
			ValueFormatter: priceFormatter,
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
