package storage

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Alert kinds persisted in the alerts table.
const (
	AlertLowBalance        = "low_balance"
	AlertPredictionWarning = "prediction_warning"
)

// Reading represents one persisted balance sample. Rows are append-only:
// usage columns are derived from the history visible at insert time and
// never recomputed.
type Reading struct {
	ID         int64
	Timestamp  time.Time
	Balance    decimal.Decimal
	TotalUsage decimal.Decimal
	Price      decimal.Decimal
	UsageToday *decimal.Decimal
	UsageMonth *decimal.Decimal
	Status     string
	Apartment  string
	Floor      string
	RawPayload json.RawMessage
	CreatedAt  time.Time
}

// AlertRecord captures a dispatched notification for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	Timestamp time.Time
	Kind      string
	Message   string
	Sent      bool
	CreatedAt time.Time
}

// PredictionRecord is a depletion forecast snapshot kept for later scoring.
// Once IsEvaluated is set, ActualDays and AccuracyScore are frozen.
type PredictionRecord struct {
	ID             int64
	Timestamp      time.Time
	CurrentBalance decimal.Decimal
	Threshold      decimal.Decimal
	PredictedDays  *float64
	PredictedDate  *time.Time
	DailyAvg       *decimal.Decimal
	WeekdayAvg     *decimal.Decimal
	WeekendAvg     *decimal.Decimal
	Method         string
	Confidence     string
	ActualDays     *float64
	AccuracyScore  *float64
	IsEvaluated    bool
}

// BalancePoint is one aggregated point of a balance trend series.
type BalancePoint struct {
	Period     time.Time
	AvgBalance decimal.Decimal
}

// Statistics is the read model consumed by the show command and the
// dashboard layer.
type Statistics struct {
	Latest       *Reading
	TodayUsage   *decimal.Decimal
	MonthUsage   *decimal.Decimal
	TrendHourly  []BalancePoint
	TrendDaily   []BalancePoint
	TrendMonthly []BalancePoint
}
