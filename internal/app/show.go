package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/usage"
)

// Show prints the current statistics and the most recent readings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show readings")
	}
	if closeStore != nil {
		defer closeStore()
	}

	now := time.Now()
	stats, err := store.GetStatistics(ctx, now, usage.StartOfDay(now), usage.StartOfMonth(now))
	if err != nil {
		return err
	}

	if stats.Latest != nil {
		fmt.Fprintf(os.Stdout, "当前余额: %s 元 (%s)\n",
			stats.Latest.Balance.StringFixed(2),
			stats.Latest.Timestamp.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(os.Stdout, "今日用电: %s 度\n", formatUsage(stats.TodayUsage))
	fmt.Fprintf(os.Stdout, "本月用电: %s 度\n\n", formatUsage(stats.MonthUsage))

	readings, err := store.ListRecentReadings(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(readings) == 0 {
		fmt.Fprintln(os.Stdout, "no readings found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTime\tBalance\tToday\tMonth\tStatus")

	for _, reading := range readings {
		fmt.Fprintf(
			writer,
			"%d\t%s\t%s\t%s\t%s\t%s\n",
			reading.ID,
			reading.Timestamp.Local().Format("2006-01-02 15:04"),
			reading.Balance.StringFixed(2),
			formatUsage(reading.UsageToday),
			formatUsage(reading.UsageMonth),
			sanitizeInline(reading.Status),
		)
	}

	writer.Flush()
	return nil
}

func formatUsage(v *decimal.Decimal) string {
	if v == nil {
		return "-"
	}
	return v.StringFixed(2)
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
