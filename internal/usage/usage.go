// Package usage derives per-period consumption from the balance history.
package usage

import (
	"time"

	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/storage"
)

// Enrich computes usage_today and usage_month for a new sample from the
// earliest readings of the current day and month. A nil result means "not
// enough history": either no earlier reading exists in the period, or the
// balance did not decrease (a top-up raises the balance and must never be
// reported as negative usage).
func Enrich(balance, price decimal.Decimal, dayFirst, monthFirst *storage.Reading) (usageToday, usageMonth *decimal.Decimal) {
	return derive(dayFirst, balance, price), derive(monthFirst, balance, price)
}

func derive(first *storage.Reading, balance, price decimal.Decimal) *decimal.Decimal {
	if first == nil {
		return nil
	}

	spent := first.Balance.Sub(balance)
	if spent.Sign() <= 0 {
		return nil
	}
	if price.Sign() <= 0 {
		return nil
	}

	used := spent.Div(price)
	return &used
}

// StartOfDay returns midnight of t's local calendar day.
func StartOfDay(t time.Time) time.Time {
	year, month, day := t.Date()
	return time.Date(year, month, day, 0, 0, 0, 0, t.Location())
}

// StartOfMonth returns midnight of the first day of t's local month.
func StartOfMonth(t time.Time) time.Time {
	year, month, _ := t.Date()
	return time.Date(year, month, 1, 0, 0, 0, 0, t.Location())
}
