package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertReadingSQL = `INSERT INTO readings (
        ts,
        balance,
        total_usage,
        price,
        usage_today,
        usage_month,
        status,
        apartment,
        floor,
        raw_payload
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id;`

	readingColumns = `id, ts, balance, total_usage, price, usage_today, usage_month,
        status, apartment, floor, raw_payload, created_at`

	listRecentReadingsSQL = `SELECT ` + readingColumns + `
    FROM readings
    ORDER BY ts DESC
    LIMIT $1;`

	listReadingsBetweenSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ts >= $1
      AND ts < $2
    ORDER BY ts;`

	listReadingsSinceSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ts >= $1
    ORDER BY ts;`

	firstReadingSinceSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ts >= $1
    ORDER BY ts
    LIMIT 1;`

	firstReadingBelowAfterSQL = `SELECT ` + readingColumns + `
    FROM readings
    WHERE ts > $1
      AND balance <= $2
    ORDER BY ts
    LIMIT 1;`

	countReadingsSQL = `SELECT COUNT(*) FROM readings;`

	deleteReadingSQL     = `DELETE FROM readings WHERE id = $1;`
	deleteAllReadingsSQL = `DELETE FROM readings;`
	deleteAllAlertsSQL   = `DELETE FROM alerts;`

	insertAlertSQL = `INSERT INTO alerts (
        ts,
        kind,
        message,
        sent
    ) VALUES (
        $1,$2,$3,$4
    )
    RETURNING id, ts, kind, message, sent, created_at;`

	hasRecentSentAlertSQL = `SELECT EXISTS (
        SELECT 1 FROM alerts
        WHERE kind = $1
          AND sent = TRUE
          AND ts > $2
    );`

	listRecentAlertsSQL = `SELECT id, ts, kind, message, sent, created_at
    FROM alerts
    ORDER BY ts DESC
    LIMIT $1;`

	insertPredictionSQL = `INSERT INTO prediction_records (
        ts,
        current_balance,
        threshold,
        predicted_days,
        predicted_date,
        daily_avg,
        weekday_avg,
        weekend_avg,
        method,
        confidence
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10
    )
    RETURNING id;`

	listUnevaluatedPredictionsSQL = `SELECT
        id, ts, current_balance, threshold, predicted_days, predicted_date,
        daily_avg, weekday_avg, weekend_avg, method, confidence,
        actual_days, accuracy_score, is_evaluated
    FROM prediction_records
    WHERE is_evaluated = FALSE
      AND predicted_days IS NOT NULL
    ORDER BY ts;`

	markPredictionEvaluatedSQL = `UPDATE prediction_records
    SET actual_days = $2, accuracy_score = $3, is_evaluated = TRUE
    WHERE id = $1
      AND is_evaluated = FALSE;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// ReadingStore defines operations for balance reading persistence.
type ReadingStore interface {
	InsertReading(ctx context.Context, r Reading) (int64, error)
	ListRecentReadings(ctx context.Context, limit int) ([]Reading, error)
	ListReadingsBetween(ctx context.Context, from, to time.Time) ([]Reading, error)
	ListReadingsSince(ctx context.Context, since time.Time) ([]Reading, error)
	FirstReadingSince(ctx context.Context, since time.Time) (*Reading, error)
	FirstReadingBelowAfter(ctx context.Context, after time.Time, threshold decimal.Decimal) (*Reading, error)
	CountReadings(ctx context.Context) (int64, error)
	DeleteReading(ctx context.Context, id int64) error
	DeleteAllReadings(ctx context.Context) error
}

// AlertStore defines operations for alert auditing and de-duplication.
type AlertStore interface {
	InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error)
	HasRecentSentAlert(ctx context.Context, kind string, since time.Time) (bool, error)
	ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error)
}

// PredictionStore defines operations for forecast snapshots.
type PredictionStore interface {
	InsertPrediction(ctx context.Context, rec PredictionRecord) (int64, error)
	ListUnevaluatedPredictions(ctx context.Context) ([]PredictionRecord, error)
	MarkPredictionEvaluated(ctx context.Context, id int64, actualDays, score float64) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to readings, alerts, and prediction records.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func. The lock serialises scheduled and manual pipeline runs.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertReading appends one reading and returns the assigned id. Readings
// are immutable after insert; there is no update path.
func (s *Store) InsertReading(ctx context.Context, r Reading) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertReadingSQL,
		r.Timestamp,
		r.Balance.String(),
		r.TotalUsage.String(),
		r.Price.String(),
		nullableDecimal(r.UsageToday),
		nullableDecimal(r.UsageMonth),
		r.Status,
		r.Apartment,
		r.Floor,
		[]byte(r.RawPayload),
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert reading: %w", scanErr)
	}
	return id, nil
}

// ListRecentReadings lists the most recent readings, newest first.
func (s *Store) ListRecentReadings(ctx context.Context, limit int) ([]Reading, error) {
	return s.queryReadings(ctx, listRecentReadingsSQL, limit)
}

// ListReadingsBetween lists readings within [from, to) in ascending order.
func (s *Store) ListReadingsBetween(ctx context.Context, from, to time.Time) ([]Reading, error) {
	return s.queryReadings(ctx, listReadingsBetweenSQL, from, to)
}

// ListReadingsSince lists readings at or after since in ascending order.
func (s *Store) ListReadingsSince(ctx context.Context, since time.Time) ([]Reading, error) {
	return s.queryReadings(ctx, listReadingsSinceSQL, since)
}

// FirstReadingSince returns the earliest reading at or after since, or nil.
func (s *Store) FirstReadingSince(ctx context.Context, since time.Time) (*Reading, error) {
	return s.queryOneReading(ctx, firstReadingSinceSQL, since)
}

// FirstReadingBelowAfter returns the earliest reading strictly after the
// given instant whose balance is at or below threshold, or nil.
func (s *Store) FirstReadingBelowAfter(ctx context.Context, after time.Time, threshold decimal.Decimal) (*Reading, error) {
	return s.queryOneReading(ctx, firstReadingBelowAfterSQL, after, threshold.String())
}

// CountReadings counts stored readings.
func (s *Store) CountReadings(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

// DeleteReading removes a single reading by id.
func (s *Store) DeleteReading(ctx context.Context, id int64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	cmdTag, execErr := pool.Exec(ctx, deleteReadingSQL, id)
	if execErr != nil {
		return fmt.Errorf("delete reading: %w", execErr)
	}
	if cmdTag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// DeleteAllReadings purges all readings and alerts. User-initiated only.
func (s *Store) DeleteAllReadings(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, deleteAllReadingsSQL); execErr != nil {
		return fmt.Errorf("delete readings: %w", execErr)
	}
	if _, execErr := pool.Exec(ctx, deleteAllAlertsSQL); execErr != nil {
		return fmt.Errorf("delete alerts: %w", execErr)
	}
	return nil
}

// InsertAlert persists an alert emission.
func (s *Store) InsertAlert(ctx context.Context, alert AlertRecord) (AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return AlertRecord{}, err
	}

	row := pool.QueryRow(ctx, insertAlertSQL,
		alert.Timestamp,
		alert.Kind,
		alert.Message,
		alert.Sent,
	)

	var rec AlertRecord
	if scanErr := row.Scan(
		&rec.ID,
		&rec.Timestamp,
		&rec.Kind,
		&rec.Message,
		&rec.Sent,
		&rec.CreatedAt,
	); scanErr != nil {
		return AlertRecord{}, fmt.Errorf("insert alert: %w", scanErr)
	}
	return rec, nil
}

// HasRecentSentAlert reports whether a sent alert of the given kind exists
// after since. This backs the 24-hour de-duplication contract.
func (s *Store) HasRecentSentAlert(ctx context.Context, kind string, since time.Time) (bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return false, err
	}
	var exists bool
	if scanErr := pool.QueryRow(ctx, hasRecentSentAlertSQL, kind, since).Scan(&exists); scanErr != nil {
		return false, fmt.Errorf("check recent alert: %w", scanErr)
	}
	return exists, nil
}

// ListRecentAlerts lists most recent alerts.
func (s *Store) ListRecentAlerts(ctx context.Context, limit int) ([]AlertRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentAlertsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent alerts: %w", queryErr)
	}
	defer rows.Close()

	alerts := make([]AlertRecord, 0, limit)
	for rows.Next() {
		var rec AlertRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
			&rec.Kind,
			&rec.Message,
			&rec.Sent,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		alerts = append(alerts, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return alerts, nil
}

// InsertPrediction persists a forecast snapshot for later evaluation.
func (s *Store) InsertPrediction(ctx context.Context, rec PredictionRecord) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var predictedDate interface{}
	if rec.PredictedDate != nil {
		predictedDate = *rec.PredictedDate
	}
	var predictedDays interface{}
	if rec.PredictedDays != nil {
		predictedDays = *rec.PredictedDays
	}

	var id int64
	scanErr := pool.QueryRow(ctx, insertPredictionSQL,
		rec.Timestamp,
		rec.CurrentBalance.String(),
		rec.Threshold.String(),
		predictedDays,
		predictedDate,
		nullableDecimal(rec.DailyAvg),
		nullableDecimal(rec.WeekdayAvg),
		nullableDecimal(rec.WeekendAvg),
		rec.Method,
		rec.Confidence,
	).Scan(&id)
	if scanErr != nil {
		return 0, fmt.Errorf("insert prediction: %w", scanErr)
	}
	return id, nil
}

// ListUnevaluatedPredictions lists open predictions with a usable
// predicted_days, oldest first.
func (s *Store) ListUnevaluatedPredictions(ctx context.Context) ([]PredictionRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listUnevaluatedPredictionsSQL)
	if queryErr != nil {
		return nil, fmt.Errorf("list unevaluated predictions: %w", queryErr)
	}
	defer rows.Close()

	records := make([]PredictionRecord, 0)
	for rows.Next() {
		rec, scanErr := scanPrediction(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		records = append(records, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// MarkPredictionEvaluated freezes the evaluation outcome of one record.
// Already-evaluated records are left untouched.
func (s *Store) MarkPredictionEvaluated(ctx context.Context, id int64, actualDays, score float64) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, execErr := pool.Exec(ctx, markPredictionEvaluatedSQL, id, actualDays, score); execErr != nil {
		return fmt.Errorf("mark prediction evaluated: %w", execErr)
	}
	return nil
}

func (s *Store) queryReadings(ctx context.Context, query string, args ...interface{}) ([]Reading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("query readings: %w", queryErr)
	}
	defer rows.Close()

	readings := make([]Reading, 0)
	for rows.Next() {
		reading, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		readings = append(readings, reading)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return readings, nil
}

func (s *Store) queryOneReading(ctx context.Context, query string, args ...interface{}) (*Reading, error) {
	readings, err := s.queryReadings(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(readings) == 0 {
		return nil, nil
	}
	return &readings[0], nil
}

func scanReading(rows pgx.Rows) (Reading, error) {
	var (
		id         int64
		ts         time.Time
		balanceStr string
		totalStr   string
		priceStr   string
		usageToday sql.NullString
		usageMonth sql.NullString
		status     string
		apartment  string
		floor      string
		rawPayload []byte
		createdAt  time.Time
	)

	if err := rows.Scan(
		&id,
		&ts,
		&balanceStr,
		&totalStr,
		&priceStr,
		&usageToday,
		&usageMonth,
		&status,
		&apartment,
		&floor,
		&rawPayload,
		&createdAt,
	); err != nil {
		return Reading{}, err
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return Reading{}, fmt.Errorf("parse balance: %w", err)
	}
	total, err := decimal.NewFromString(totalStr)
	if err != nil {
		return Reading{}, fmt.Errorf("parse total usage: %w", err)
	}
	price, err := decimal.NewFromString(priceStr)
	if err != nil {
		return Reading{}, fmt.Errorf("parse price: %w", err)
	}

	reading := Reading{
		ID:         id,
		Timestamp:  ts,
		Balance:    balance,
		TotalUsage: total,
		Price:      price,
		Status:     status,
		Apartment:  apartment,
		Floor:      floor,
		RawPayload: json.RawMessage(rawPayload),
		CreatedAt:  createdAt,
	}

	if reading.UsageToday, err = parseNullDecimal(usageToday); err != nil {
		return Reading{}, fmt.Errorf("parse usage_today: %w", err)
	}
	if reading.UsageMonth, err = parseNullDecimal(usageMonth); err != nil {
		return Reading{}, fmt.Errorf("parse usage_month: %w", err)
	}

	return reading, nil
}

func scanPrediction(rows pgx.Rows) (PredictionRecord, error) {
	var (
		rec           PredictionRecord
		balanceStr    string
		thresholdStr  string
		predictedDays sql.NullFloat64
		predictedDate sql.NullTime
		dailyAvg      sql.NullString
		weekdayAvg    sql.NullString
		weekendAvg    sql.NullString
		actualDays    sql.NullFloat64
		accuracy      sql.NullFloat64
	)

	if err := rows.Scan(
		&rec.ID,
		&rec.Timestamp,
		&balanceStr,
		&thresholdStr,
		&predictedDays,
		&predictedDate,
		&dailyAvg,
		&weekdayAvg,
		&weekendAvg,
		&rec.Method,
		&rec.Confidence,
		&actualDays,
		&accuracy,
		&rec.IsEvaluated,
	); err != nil {
		return PredictionRecord{}, err
	}

	var err error
	if rec.CurrentBalance, err = decimal.NewFromString(balanceStr); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse current balance: %w", err)
	}
	if rec.Threshold, err = decimal.NewFromString(thresholdStr); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse threshold: %w", err)
	}
	if rec.DailyAvg, err = parseNullDecimal(dailyAvg); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse daily avg: %w", err)
	}
	if rec.WeekdayAvg, err = parseNullDecimal(weekdayAvg); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse weekday avg: %w", err)
	}
	if rec.WeekendAvg, err = parseNullDecimal(weekendAvg); err != nil {
		return PredictionRecord{}, fmt.Errorf("parse weekend avg: %w", err)
	}

	if predictedDays.Valid {
		v := predictedDays.Float64
		rec.PredictedDays = &v
	}
	if predictedDate.Valid {
		v := predictedDate.Time
		rec.PredictedDate = &v
	}
	if actualDays.Valid {
		v := actualDays.Float64
		rec.ActualDays = &v
	}
	if accuracy.Valid {
		v := accuracy.Float64
		rec.AccuracyScore = &v
	}

	return rec, nil
}

func nullableDecimal(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	parsed, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}
