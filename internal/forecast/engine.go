// Package forecast turns the balance history into a depletion forecast with
// a confidence rating, and scores past forecasts against what actually
// happened.
package forecast

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/storage"
)

// Confidence is the qualitative reliability rating of a forecast.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Method discriminates which estimator (or fallback path) produced a result.
type Method string

const (
	MethodBasic            Method = "basic"
	MethodBasic30Day       Method = "basic_30d_fallback"
	MethodAdvanced         Method = "advanced"
	MethodAdvancedFallback Method = "advanced_fallback_basic"
)

// Result is the common shape both estimators return. Callers switch on
// Method for reporting; evaluation is estimator-agnostic.
type Result struct {
	Success        bool
	CurrentBalance decimal.Decimal
	Threshold      decimal.Decimal
	DaysRemaining  *float64
	PredictedDate  *time.Time
	DailyUsageAvg  decimal.Decimal
	WeekdayAvg     *decimal.Decimal
	WeekendAvg     *decimal.Decimal
	Confidence     Confidence
	Method         Method
	QualifyingDays int
}

// ReadingSource supplies the history slices the estimators work over.
type ReadingSource interface {
	ListReadingsSince(ctx context.Context, since time.Time) ([]storage.Reading, error)
	FirstReadingBelowAfter(ctx context.Context, after time.Time, threshold decimal.Decimal) (*storage.Reading, error)
}

// PredictionStore records forecast snapshots and their evaluation outcomes.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, rec storage.PredictionRecord) (int64, error)
	ListUnevaluatedPredictions(ctx context.Context) ([]storage.PredictionRecord, error)
	MarkPredictionEvaluated(ctx context.Context, id int64, actualDays, score float64) error
}

// Options tune the estimators.
type Options struct {
	Method      Method
	UsePatterns bool
	TopUpCutoff decimal.Decimal
	MinDailyAvg decimal.Decimal
}

// Engine dispatches between the estimators and keeps the accuracy loop.
type Engine struct {
	opts     Options
	readings ReadingSource
	preds    PredictionStore
	logger   zerolog.Logger
}

// New constructs a forecast engine.
func New(opts Options, readings ReadingSource, preds PredictionStore, logger zerolog.Logger) *Engine {
	if opts.TopUpCutoff.Sign() <= 0 {
		opts.TopUpCutoff = decimal.NewFromInt(50)
	}
	if opts.MinDailyAvg.Sign() <= 0 {
		opts.MinDailyAvg = decimal.NewFromFloat(0.1)
	}
	if opts.Method == "" {
		opts.Method = MethodBasic
	}
	return &Engine{
		opts:     opts,
		readings: readings,
		preds:    preds,
		logger:   logger.With().Str("component", "forecast").Logger(),
	}
}

// Predict runs the configured estimator against the trailing 30-day history
// and records the resulting snapshot for later evaluation.
func (e *Engine) Predict(ctx context.Context, now time.Time, current, threshold decimal.Decimal) (Result, error) {
	history, err := e.readings.ListReadingsSince(ctx, now.AddDate(0, 0, -30))
	if err != nil {
		return Result{}, err
	}

	var result Result
	if e.opts.Method == MethodAdvanced {
		result = e.predictAdvanced(now, current, threshold, history, e.opts.UsePatterns)
	} else {
		result = e.predictBasic(now, current, threshold, history)
	}

	if e.preds != nil && result.Success {
		if err := e.record(ctx, now, result); err != nil {
			e.logger.Error().Err(err).Msg("failed to persist prediction record")
		}
	}

	return result, nil
}

func (e *Engine) record(ctx context.Context, now time.Time, result Result) error {
	rec := storage.PredictionRecord{
		Timestamp:      now,
		CurrentBalance: result.CurrentBalance,
		Threshold:      result.Threshold,
		PredictedDays:  result.DaysRemaining,
		PredictedDate:  result.PredictedDate,
		Method:         string(result.Method),
		Confidence:     string(result.Confidence),
		WeekdayAvg:     result.WeekdayAvg,
		WeekendAvg:     result.WeekendAvg,
	}
	if result.DailyUsageAvg.Sign() > 0 {
		avg := result.DailyUsageAvg
		rec.DailyAvg = &avg
	}

	_, err := e.preds.InsertPrediction(ctx, rec)
	return err
}
