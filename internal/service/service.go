package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/alerting"
	"elec-balance-alerts/internal/config"
	"elec-balance-alerts/internal/fetcher"
	"elec-balance-alerts/internal/forecast"
	"elec-balance-alerts/internal/scheduler"
	"elec-balance-alerts/internal/storage"
	"elec-balance-alerts/internal/usage"
)

// Forecaster is the slice of the forecast engine the pipeline needs.
type Forecaster interface {
	Predict(ctx context.Context, now time.Time, current, threshold decimal.Decimal) (forecast.Result, error)
	EvaluatePredictions(ctx context.Context) (int, error)
}

// Service orchestrates the sample → persist → forecast → alert pipeline.
type Service struct {
	scheduler *scheduler.Scheduler
	sampler   fetcher.SampleFetcher
	store     storage.ReadingStore
	alerts    storage.AlertStore
	engine    Forecaster
	notifier  alerting.Notifier
	logger    zerolog.Logger

	threshold    decimal.Decimal
	horizonDays  float64
	dedupeWindow time.Duration
	alertsOn     bool
	rechargeURL  string
	locker       storage.AdvisoryLocker
	lockKey      int64
}

// New constructs the monitoring service from an immutable config snapshot.
func New(cfg *config.Config, sched *scheduler.Scheduler, sampler fetcher.SampleFetcher, store storage.ReadingStore, alerts storage.AlertStore, engine Forecaster, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	dedupe := cfg.Alerting.DedupeWindow
	if dedupe <= 0 {
		dedupe = 24 * time.Hour
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		scheduler:    sched,
		sampler:      sampler,
		store:        store,
		alerts:       alerts,
		engine:       engine,
		notifier:     notifier,
		logger:       logger.With().Str("component", "service").Logger(),
		threshold:    decimal.NewFromFloat(cfg.Alerting.Threshold),
		horizonDays:  cfg.Alerting.HorizonDays,
		dedupeWindow: dedupe,
		alertsOn:     cfg.Alerting.Enabled,
		rechargeURL:  cfg.Portal.BalanceURL,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
	}
}

// Run begins the scheduled sampling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, _ time.Time) error {
		return s.RunCycle(ctx)
	})
}

// RunCycle 执行一次完整的采样流水线。Scheduled and manual invocations both
// land here and serialise on the store's advisory lock.
func (s *Service) RunCycle(ctx context.Context) error {
	return s.runCycleAt(ctx, time.Now())
}

func (s *Service) runCycleAt(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip cycle because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	sample, err := s.sampler.FetchReading(ctx)
	if err != nil {
		// No partial commit: a failed sample never produces a reading row.
		s.logger.Error().Err(err).Msg("定时检查失败 - 无法获取数据")
		return fmt.Errorf("fetch reading: %w", err)
	}

	reading, err := s.persistReading(ctx, now, sample)
	if err != nil {
		s.logger.Error().Err(err).Msg("保存数据失败")
		return fmt.Errorf("persist reading: %w", err)
	}

	s.logger.Info().
		Int64("reading_id", reading.ID).
		Str("balance", reading.Balance.String()).
		Msg("定时检查完成")

	s.maybeSendLowBalance(ctx, now, reading.Balance)

	result, err := s.engine.Predict(ctx, now, reading.Balance, s.threshold)
	if err != nil {
		s.logger.Error().Err(err).Msg("depletion forecast failed")
	} else {
		s.maybeSendForecastWarning(ctx, now, result)
	}

	if evaluated, err := s.engine.EvaluatePredictions(ctx); err != nil {
		s.logger.Error().Err(err).Msg("prediction evaluation failed")
	} else if evaluated > 0 {
		s.logger.Info().Int("evaluated", evaluated).Msg("scored past predictions")
	}

	return nil
}

func (s *Service) persistReading(ctx context.Context, now time.Time, sample fetcher.Sample) (storage.Reading, error) {
	dayFirst, err := s.store.FirstReadingSince(ctx, usage.StartOfDay(now))
	if err != nil {
		return storage.Reading{}, fmt.Errorf("lookup first reading of day: %w", err)
	}
	monthFirst, err := s.store.FirstReadingSince(ctx, usage.StartOfMonth(now))
	if err != nil {
		return storage.Reading{}, fmt.Errorf("lookup first reading of month: %w", err)
	}

	usageToday, usageMonth := usage.Enrich(sample.Balance, sample.Price, dayFirst, monthFirst)

	reading := storage.Reading{
		Timestamp:  now,
		Balance:    sample.Balance,
		TotalUsage: sample.TotalUsage,
		Price:      sample.Price,
		UsageToday: usageToday,
		UsageMonth: usageMonth,
		Status:     "success",
		Apartment:  sample.Apartment,
		Floor:      sample.Floor,
		RawPayload: sample.Raw,
	}

	id, err := s.store.InsertReading(ctx, reading)
	if err != nil {
		return storage.Reading{}, err
	}
	reading.ID = id
	return reading, nil
}

// maybeSendLowBalance dispatches a low-balance alert unless one was already
// sent within the de-duplication window.
func (s *Service) maybeSendLowBalance(ctx context.Context, now time.Time, balance decimal.Decimal) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	if balance.GreaterThan(s.threshold) {
		return
	}

	if s.skipDuplicate(ctx, now, storage.AlertLowBalance) {
		return
	}

	note := alerting.Notification{
		Kind:        alerting.KindLowBalance,
		Timestamp:   now,
		Balance:     balance,
		Threshold:   s.threshold,
		RechargeURL: s.rechargeURL,
	}

	delivered, err := s.notifier.Notify(ctx, note)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch low balance alert")
	}

	message := fmt.Sprintf("余额不足预警: %s元，已发送%d封通知", balance.StringFixed(2), delivered)
	s.recordAlert(ctx, now, storage.AlertLowBalance, message, delivered > 0)
}

// maybeSendForecastWarning dispatches a depletion warning when the forecast
// falls within the alert horizon.
func (s *Service) maybeSendForecastWarning(ctx context.Context, now time.Time, result forecast.Result) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	if !result.Success || result.DaysRemaining == nil {
		return
	}
	days := *result.DaysRemaining
	if days <= 0 || days > s.horizonDays {
		return
	}

	if s.skipDuplicate(ctx, now, storage.AlertPredictionWarning) {
		return
	}

	note := alerting.Notification{
		Kind:          alerting.KindPredictionWarning,
		Timestamp:     now,
		Balance:       result.CurrentBalance,
		Threshold:     result.Threshold,
		DaysRemaining: result.DaysRemaining,
		PredictedDate: result.PredictedDate,
		Confidence:    string(result.Confidence),
		RechargeURL:   s.rechargeURL,
	}

	delivered, err := s.notifier.Notify(ctx, note)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch forecast warning")
	}

	message := fmt.Sprintf("电费预测提醒: 预计%.1f天后余额低于%s元，已发送%d封通知", days, s.threshold.StringFixed(2), delivered)
	s.recordAlert(ctx, now, storage.AlertPredictionWarning, message, delivered > 0)
}

// skipDuplicate enforces the at-most-one-sent-alert-per-kind contract over
// the rolling de-duplication window.
func (s *Service) skipDuplicate(ctx context.Context, now time.Time, kind string) bool {
	if s.alerts == nil {
		return false
	}
	exists, err := s.alerts.HasRecentSentAlert(ctx, kind, now.Add(-s.dedupeWindow))
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("alert de-duplication query failed")
		return true
	}
	if exists {
		s.logger.Info().Str("kind", kind).Msg("24小时内已发送过预警，跳过")
	}
	return exists
}

func (s *Service) recordAlert(ctx context.Context, now time.Time, kind, message string, sent bool) {
	if s.alerts == nil {
		return
	}
	record := storage.AlertRecord{
		Timestamp: now,
		Kind:      kind,
		Message:   message,
		Sent:      sent,
	}
	if _, err := s.alerts.InsertAlert(ctx, record); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("failed to persist alert record")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
