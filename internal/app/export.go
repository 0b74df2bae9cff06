package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"elec-balance-alerts/internal/storage"
)

// Export renders the reading history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now()
	if opts.To != nil {
		to = *opts.To
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.Scheduler.Interval)
	if opts.From != nil {
		from = *opts.From
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	readings, err := store.ListReadingsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		a.Logger.Info().Msg("no readings found for export window")
		return nil
	}

	downsampled := downsampleReadings(readings, opts.MaxPoints)
	a.Logger.Info().Int("total", len(readings)).Int("exported", len(downsampled)).Msg("exporting readings")

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeReadingsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReadings(readings []storage.Reading, max int) []storage.Reading {
	if max <= 0 || len(readings) <= max {
		return readings
	}

	result := make([]storage.Reading, 0, max)
	step := float64(len(readings)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(readings) {
			idx = len(readings) - 1
		}
		result = append(result, readings[idx])
	}
	return result
}

func writeReadingsCSV(path string, readings []storage.Reading) error {
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

	header := []string{"id", "ts", "balance", "total_usage", "price", "usage_today", "usage_month", "status"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, reading := range readings {
		usageToday := ""
		if reading.UsageToday != nil {
			usageToday = reading.UsageToday.String()
		}
		usageMonth := ""
		if reading.UsageMonth != nil {
			usageMonth = reading.UsageMonth.String()
		}
		record := []string{
			formatID(reading.ID),
			reading.Timestamp.Format(time.RFC3339),
			reading.Balance.String(),
			reading.TotalUsage.String(),
			reading.Price.String(),
			usageToday,
			usageMonth,
			reading.Status,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeReadingsPNG(path string, readings []storage.Reading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(readings))
	balance := make([]float64, len(readings))
	usageToday := make([]float64, len(readings))

	for i, reading := range readings {
		x[i] = reading.Timestamp
		balance[i] = reading.Balance.InexactFloat64()
		if reading.UsageToday != nil {
			usageToday[i] = reading.UsageToday.InexactFloat64()
		}
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.2f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Balance (CNY)",
			ValueFormatter: valueFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Usage (kWh)",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Balance",
				XValues: x,
				YValues: balance,
			},
			chart.TimeSeries{
				Name:    "Usage today",
				XValues: x,
				YValues: usageToday,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
