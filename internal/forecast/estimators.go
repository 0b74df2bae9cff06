package forecast

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/storage"
)

const simulationCapDays = 365

// predictBasic estimates depletion from a flat daily average: per-day
// balance swings over the trailing 7 days, with a 30-day fallback when too
// few days qualify.
func (e *Engine) predictBasic(now time.Time, current, threshold decimal.Decimal, history []storage.Reading) Result {
	result := Result{
		Success:        true,
		CurrentBalance: current,
		Threshold:      threshold,
		Method:         MethodBasic,
	}

	if depleted := e.immediateResult(&result, now, current, threshold); depleted {
		return result
	}

	deltas := e.dailyDeltas(filterSince(history, now.AddDate(0, 0, -7)))
	result.QualifyingDays = len(deltas)

	var avg decimal.Decimal
	switch {
	case len(deltas) >= 3:
		avg = average(deltas)
		if len(deltas) >= 5 {
			result.Confidence = ConfidenceHigh
		} else {
			result.Confidence = ConfidenceMedium
		}
	default:
		// Too few qualifying days; fall back to a coarse trailing-30-day
		// average.
		fallbackAvg, ok := e.windowAverage(history)
		if !ok {
			result.Success = false
			result.Confidence = ConfidenceLow
			return result
		}
		avg = fallbackAvg
		result.Method = MethodBasic30Day
		result.Confidence = ConfidenceLow
	}

	avg = e.clampAvg(avg)
	result.DailyUsageAvg = avg

	days, _ := current.Sub(threshold).Div(avg).Float64()
	e.finishResult(&result, now, days)
	return result
}

// predictAdvanced splits qualifying days into weekday/weekend buckets and
// simulates forward day-by-day. Falls back to the basic estimator when the
// 30-day window has fewer than 7 qualifying days or the simulation does not
// converge; the fallback is transparent apart from the method tag.
func (e *Engine) predictAdvanced(now time.Time, current, threshold decimal.Decimal, history []storage.Reading, usePatterns bool) Result {
	result := Result{
		Success:        true,
		CurrentBalance: current,
		Threshold:      threshold,
		Method:         MethodAdvanced,
	}

	if depleted := e.immediateResult(&result, now, current, threshold); depleted {
		return result
	}

	weekdayDeltas, weekendDeltas := e.bucketedDeltas(history)
	qualifying := len(weekdayDeltas) + len(weekendDeltas)
	result.QualifyingDays = qualifying

	if qualifying < 7 {
		return e.fallbackToBasic(now, current, threshold, history)
	}

	overall := average(append(append([]decimal.Decimal{}, weekdayDeltas...), weekendDeltas...))

	var weekdayAvg, weekendAvg decimal.Decimal
	if !usePatterns || len(weekdayDeltas) == 0 || len(weekendDeltas) == 0 {
		weekdayAvg, weekendAvg = overall, overall
	} else {
		weekdayAvg = average(weekdayDeltas)
		weekendAvg = average(weekendDeltas)
	}

	weekdayAvg = e.clampAvg(weekdayAvg)
	weekendAvg = e.clampAvg(weekendAvg)
	result.WeekdayAvg = &weekdayAvg
	result.WeekendAvg = &weekendAvg
	result.DailyUsageAvg = e.clampAvg(overall)

	days, converged := simulateDepletion(now, current.Sub(threshold), weekdayAvg, weekendAvg)
	if !converged {
		e.logger.Warn().Int("cap_days", simulationCapDays).
			Msg("simulation hit cap without depleting; falling back to basic estimator")
		return e.fallbackToBasic(now, current, threshold, history)
	}

	result.Confidence = blendedConfidence(qualifying, weekdayAvg, weekendAvg)
	e.finishResult(&result, now, float64(days))
	return result
}

func (e *Engine) fallbackToBasic(now time.Time, current, threshold decimal.Decimal, history []storage.Reading) Result {
	fallback := e.predictBasic(now, current, threshold, history)
	fallback.Method = MethodAdvancedFallback
	return fallback
}

// immediateResult handles the already-depleted case; returns true when the
// balance is at or below the threshold.
func (e *Engine) immediateResult(result *Result, now time.Time, current, threshold decimal.Decimal) bool {
	if current.GreaterThan(threshold) {
		return false
	}
	zero := 0.0
	today := startOfDay(now)
	result.DaysRemaining = &zero
	result.PredictedDate = &today
	result.Confidence = ConfidenceHigh
	return true
}

func (e *Engine) finishResult(result *Result, now time.Time, days float64) {
	result.DaysRemaining = &days
	date := startOfDay(now.AddDate(0, 0, int(math.Floor(days))))
	result.PredictedDate = &date
}

func (e *Engine) clampAvg(avg decimal.Decimal) decimal.Decimal {
	if avg.LessThan(e.opts.MinDailyAvg) {
		return e.opts.MinDailyAvg
	}
	return avg
}

// dailyDeltas computes per-day balance swings (max-min) for every calendar
// day with at least two samples, discarding days whose swing reaches the
// top-up cutoff (a same-day recharge would masquerade as usage).
func (e *Engine) dailyDeltas(readings []storage.Reading) []decimal.Decimal {
	deltas := make([]decimal.Decimal, 0)
	for _, day := range groupByDay(readings) {
		if delta, ok := e.qualifyingDelta(day); ok {
			deltas = append(deltas, delta)
		}
	}
	return deltas
}

// bucketedDeltas splits qualifying per-day swings into weekday (Mon-Fri)
// and weekend (Sat/Sun) buckets.
func (e *Engine) bucketedDeltas(readings []storage.Reading) (weekday, weekend []decimal.Decimal) {
	for _, day := range groupByDay(readings) {
		delta, ok := e.qualifyingDelta(day)
		if !ok {
			continue
		}
		if isWeekend(day[0].Timestamp) {
			weekend = append(weekend, delta)
		} else {
			weekday = append(weekday, delta)
		}
	}
	return weekday, weekend
}

func (e *Engine) qualifyingDelta(day []storage.Reading) (decimal.Decimal, bool) {
	if len(day) < 2 {
		return decimal.Decimal{}, false
	}
	lo, hi := day[0].Balance, day[0].Balance
	for _, r := range day[1:] {
		if r.Balance.LessThan(lo) {
			lo = r.Balance
		}
		if r.Balance.GreaterThan(hi) {
			hi = r.Balance
		}
	}
	delta := hi.Sub(lo)
	if delta.GreaterThanOrEqual(e.opts.TopUpCutoff) {
		return decimal.Decimal{}, false
	}
	return delta, true
}

// windowAverage is the coarse fallback: total swing of the window over the
// elapsed days between its first and last sample.
func (e *Engine) windowAverage(readings []storage.Reading) (decimal.Decimal, bool) {
	if len(readings) < 2 {
		return decimal.Decimal{}, false
	}

	lo, hi := readings[0].Balance, readings[0].Balance
	for _, r := range readings[1:] {
		if r.Balance.LessThan(lo) {
			lo = r.Balance
		}
		if r.Balance.GreaterThan(hi) {
			hi = r.Balance
		}
	}

	elapsed := readings[len(readings)-1].Timestamp.Sub(readings[0].Timestamp).Hours() / 24
	if elapsed < 1 {
		elapsed = 1
	}
	return hi.Sub(lo).Div(decimal.NewFromFloat(elapsed)), true
}

// simulateDepletion walks forward from today, charging each simulated day
// its weekday or weekend average, until the budget is consumed or the cap
// is hit.
func simulateDepletion(now time.Time, budget, weekdayAvg, weekendAvg decimal.Decimal) (int, bool) {
	cum := decimal.Zero
	for i := 0; i < simulationCapDays; i++ {
		day := now.AddDate(0, 0, i)
		if isWeekend(day) {
			cum = cum.Add(weekendAvg)
		} else {
			cum = cum.Add(weekdayAvg)
		}
		if cum.GreaterThanOrEqual(budget) {
			return i + 1, true
		}
	}
	return 0, false
}

// blendedConfidence combines how much data backs the buckets with how
// distinct the weekday/weekend pattern is.
func blendedConfidence(qualifyingDays int, weekdayAvg, weekendAvg decimal.Decimal) Confidence {
	quality := math.Min(float64(qualifyingDays), 20) / 20

	max := weekdayAvg
	if weekendAvg.GreaterThan(max) {
		max = weekendAvg
	}
	clarity := 0.0
	if max.Sign() > 0 {
		diff, _ := weekdayAvg.Sub(weekendAvg).Abs().Div(max).Float64()
		clarity = diff
	}

	score := (quality + clarity) / 2
	switch {
	case score > 0.7:
		return ConfidenceHigh
	case score > 0.4:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}

func average(deltas []decimal.Decimal) decimal.Decimal {
	if len(deltas) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, d := range deltas {
		sum = sum.Add(d)
	}
	return sum.Div(decimal.NewFromInt(int64(len(deltas))))
}

// groupByDay clusters readings by local calendar day, preserving order.
func groupByDay(readings []storage.Reading) [][]storage.Reading {
	groups := make([][]storage.Reading, 0)
	var currentKey string
	for _, r := range readings {
		key := r.Timestamp.Local().Format("2006-01-02")
		if len(groups) == 0 || key != currentKey {
			groups = append(groups, []storage.Reading{r})
			currentKey = key
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], r)
	}
	return groups
}

func isWeekend(t time.Time) bool {
	w := t.Local().Weekday()
	return w == time.Saturday || w == time.Sunday
}

func startOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

func filterSince(readings []storage.Reading, since time.Time) []storage.Reading {
	out := make([]storage.Reading, 0, len(readings))
	for _, r := range readings {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out
}
