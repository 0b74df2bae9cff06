package forecast

import (
	"context"
	"math"
)

// EvaluatePredictions scores every open prediction against readings that
// arrived after it. A record is resolved by the first reading at or below
// its threshold; records whose threshold was never reached stay open
// indefinitely. Evaluation is lazy and idempotent: a resolved record is
// frozen and never re-scored.
func (e *Engine) EvaluatePredictions(ctx context.Context) (int, error) {
	open, err := e.preds.ListUnevaluatedPredictions(ctx)
	if err != nil {
		return 0, err
	}

	evaluated := 0
	for _, rec := range open {
		if rec.PredictedDays == nil {
			continue
		}

		hit, err := e.readings.FirstReadingBelowAfter(ctx, rec.Timestamp, rec.Threshold)
		if err != nil {
			return evaluated, err
		}
		if hit == nil {
			continue
		}

		actualDays := hit.Timestamp.Sub(rec.Timestamp).Hours() / 24
		score := accuracyScore(*rec.PredictedDays, actualDays)

		if err := e.preds.MarkPredictionEvaluated(ctx, rec.ID, actualDays, score); err != nil {
			return evaluated, err
		}
		evaluated++

		e.logger.Info().
			Int64("prediction_id", rec.ID).
			Float64("predicted_days", *rec.PredictedDays).
			Float64("actual_days", actualDays).
			Float64("accuracy", score).
			Msg("prediction evaluated")
	}

	return evaluated, nil
}

// accuracyScore maps the relative error between predicted and actual days
// onto [0, 100]. A zero-day prediction cannot be scored relatively and
// yields 0.
func accuracyScore(predicted, actual float64) float64 {
	if predicted == 0 {
		return 0
	}
	score := 100 - 100*math.Abs(actual-predicted)/predicted
	return math.Max(0, score)
}
