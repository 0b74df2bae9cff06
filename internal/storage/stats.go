package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

const (
	latestReadingSQL = `SELECT ` + readingColumns + `
    FROM readings
    ORDER BY ts DESC
    LIMIT 1;`

	latestUsageTodaySQL = `SELECT usage_today FROM readings
    WHERE ts >= $1
      AND usage_today IS NOT NULL
    ORDER BY ts DESC
    LIMIT 1;`

	latestUsageMonthSQL = `SELECT usage_month FROM readings
    WHERE ts >= $1
      AND usage_month IS NOT NULL
    ORDER BY ts DESC
    LIMIT 1;`

	balanceTrendSQL = `SELECT date_trunc($1, ts) AS period, AVG(balance)
    FROM readings
    WHERE ts > $2
    GROUP BY period
    ORDER BY period;`
)

// GetStatistics assembles the dashboard read model: latest reading, the
// freshest usage figures of the current day/month, and averaged balance
// trends over three horizons. Plain reads; never touches the pipeline lock.
func (s *Store) GetStatistics(ctx context.Context, now time.Time, startOfDay, startOfMonth time.Time) (Statistics, error) {
	pool, err := s.getPool()
	if err != nil {
		return Statistics{}, err
	}

	var stats Statistics

	latest, err := s.queryOneReading(ctx, latestReadingSQL)
	if err != nil {
		return Statistics{}, err
	}
	stats.Latest = latest

	if stats.TodayUsage, err = s.queryNullDecimal(ctx, latestUsageTodaySQL, startOfDay); err != nil {
		return Statistics{}, fmt.Errorf("today usage: %w", err)
	}
	if stats.MonthUsage, err = s.queryNullDecimal(ctx, latestUsageMonthSQL, startOfMonth); err != nil {
		return Statistics{}, fmt.Errorf("month usage: %w", err)
	}

	trends := []struct {
		unit   string
		window time.Duration
		out    *[]BalancePoint
	}{
		{"hour", 24 * time.Hour, &stats.TrendHourly},
		{"day", 30 * 24 * time.Hour, &stats.TrendDaily},
		{"month", 365 * 24 * time.Hour, &stats.TrendMonthly},
	}

	for _, trend := range trends {
		rows, queryErr := pool.Query(ctx, balanceTrendSQL, trend.unit, now.Add(-trend.window))
		if queryErr != nil {
			return Statistics{}, fmt.Errorf("balance trend (%s): %w", trend.unit, queryErr)
		}

		points := make([]BalancePoint, 0)
		for rows.Next() {
			var period time.Time
			var avgStr string
			if err := rows.Scan(&period, &avgStr); err != nil {
				rows.Close()
				return Statistics{}, err
			}
			avg, parseErr := decimal.NewFromString(avgStr)
			if parseErr != nil {
				rows.Close()
				return Statistics{}, fmt.Errorf("parse trend avg: %w", parseErr)
			}
			points = append(points, BalancePoint{Period: period, AvgBalance: avg})
		}
		rowsErr := rows.Err()
		rows.Close()
		if rowsErr != nil {
			return Statistics{}, rowsErr
		}
		*trend.out = points
	}

	return stats, nil
}

func (s *Store) queryNullDecimal(ctx context.Context, query string, args ...interface{}) (*decimal.Decimal, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	var value sql.NullString
	if scanErr := pool.QueryRow(ctx, query, args...).Scan(&value); scanErr != nil {
		if errors.Is(scanErr, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, scanErr
	}
	return parseNullDecimal(value)
}
