package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"elec-balance-alerts/internal/alerting"
	"elec-balance-alerts/internal/config"
	"elec-balance-alerts/internal/fetcher"
	"elec-balance-alerts/internal/forecast"
	"elec-balance-alerts/internal/storage"
)

type memStore struct {
	readings []storage.Reading
	alerts   []storage.AlertRecord
	nextID   int64
}

func (m *memStore) InsertReading(_ context.Context, r storage.Reading) (int64, error) {
	m.nextID++
	r.ID = m.nextID
	m.readings = append(m.readings, r)
	return r.ID, nil
}

func (m *memStore) ListRecentReadings(_ context.Context, limit int) ([]storage.Reading, error) {
	if limit > len(m.readings) {
		limit = len(m.readings)
	}
	out := make([]storage.Reading, 0, limit)
	for i := len(m.readings) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.readings[i])
	}
	return out, nil
}

func (m *memStore) ListReadingsBetween(_ context.Context, from, to time.Time) ([]storage.Reading, error) {
	out := make([]storage.Reading, 0)
	for _, r := range m.readings {
		if !r.Timestamp.Before(from) && r.Timestamp.Before(to) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) ListReadingsSince(_ context.Context, since time.Time) ([]storage.Reading, error) {
	out := make([]storage.Reading, 0)
	for _, r := range m.readings {
		if !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memStore) FirstReadingSince(_ context.Context, since time.Time) (*storage.Reading, error) {
	for _, r := range m.readings {
		if !r.Timestamp.Before(since) {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) FirstReadingBelowAfter(_ context.Context, after time.Time, threshold decimal.Decimal) (*storage.Reading, error) {
	for _, r := range m.readings {
		if r.Timestamp.After(after) && r.Balance.LessThanOrEqual(threshold) {
			found := r
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) CountReadings(_ context.Context) (int64, error) {
	return int64(len(m.readings)), nil
}

func (m *memStore) DeleteReading(_ context.Context, id int64) error {
	for i, r := range m.readings {
		if r.ID == id {
			m.readings = append(m.readings[:i], m.readings[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (m *memStore) DeleteAllReadings(_ context.Context) error {
	m.readings = nil
	m.alerts = nil
	return nil
}

func (m *memStore) InsertAlert(_ context.Context, alert storage.AlertRecord) (storage.AlertRecord, error) {
	m.nextID++
	alert.ID = m.nextID
	m.alerts = append(m.alerts, alert)
	return alert, nil
}

func (m *memStore) HasRecentSentAlert(_ context.Context, kind string, since time.Time) (bool, error) {
	for _, a := range m.alerts {
		if a.Kind == kind && a.Sent && a.Timestamp.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) ListRecentAlerts(_ context.Context, limit int) ([]storage.AlertRecord, error) {
	if limit > len(m.alerts) {
		limit = len(m.alerts)
	}
	return m.alerts[len(m.alerts)-limit:], nil
}

func (m *memStore) alertCount(kind string) int {
	count := 0
	for _, a := range m.alerts {
		if a.Kind == kind {
			count++
		}
	}
	return count
}

type fakeSampler struct {
	sample fetcher.Sample
	err    error
}

func (f *fakeSampler) FetchReading(context.Context) (fetcher.Sample, error) {
	return f.sample, f.err
}

type fakeForecaster struct {
	result forecast.Result
}

func (f *fakeForecaster) Predict(_ context.Context, _ time.Time, current, threshold decimal.Decimal) (forecast.Result, error) {
	result := f.result
	result.CurrentBalance = current
	result.Threshold = threshold
	return result, nil
}

func (f *fakeForecaster) EvaluatePredictions(context.Context) (int, error) {
	return 0, nil
}

type countingNotifier struct {
	calls int
	notes []alerting.Notification
}

func (c *countingNotifier) Notify(_ context.Context, note alerting.Notification) (int, error) {
	c.calls++
	c.notes = append(c.notes, note)
	return 1, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Alerting: config.AlertingConfig{
			Enabled:      true,
			Threshold:    10,
			HorizonDays:  7,
			DedupeWindow: 24 * time.Hour,
		},
		Portal: config.PortalConfig{
			BalanceURL: "https://portal.example.com/elec",
		},
	}
}

func newTestService(store *memStore, sampler *fakeSampler, engine Forecaster, notifier alerting.Notifier) *Service {
	return New(testConfig(), nil, sampler, store, store, engine, notifier, zerolog.Nop())
}

func sampleWith(balance, price string) fetcher.Sample {
	return fetcher.Sample{
		Balance:    decimal.RequireFromString(balance),
		TotalUsage: decimal.RequireFromString("800"),
		Price:      decimal.RequireFromString(price),
		Apartment:  "学三公寓",
		Floor:      "5层",
	}
}

func TestRunCyclePersistsEnrichedReading(t *testing.T) {
	now := time.Date(2025, time.March, 10, 20, 0, 0, 0, time.Local)
	store := &memStore{}
	// an earlier reading of the same day for usage derivation
	_, _ = store.InsertReading(context.Background(), storage.Reading{
		Timestamp: now.Add(-8 * time.Hour),
		Balance:   decimal.NewFromInt(50),
	})

	sampler := &fakeSampler{sample: sampleWith("45", "0.5")}
	svc := newTestService(store, sampler, &fakeForecaster{}, &countingNotifier{})

	if err := svc.runCycleAt(context.Background(), now); err != nil {
		t.Fatalf("采样周期不应报错: %v", err)
	}

	if len(store.readings) != 2 {
		t.Fatalf("应新增一条读数, 实际共 %d 条", len(store.readings))
	}
	got := store.readings[1]
	if got.UsageToday == nil || !got.UsageToday.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("今日用电应为 10 度, 实际 %v", got.UsageToday)
	}
	if got.Status != "success" {
		t.Fatalf("状态应为 success, 实际 %s", got.Status)
	}
}

func TestRunCycleFetchFailureWritesNothing(t *testing.T) {
	store := &memStore{}
	sampler := &fakeSampler{err: errors.New("portal unreachable")}
	svc := newTestService(store, sampler, &fakeForecaster{}, &countingNotifier{})

	if err := svc.RunCycle(context.Background()); err == nil {
		t.Fatal("采样失败应返回错误")
	}
	if len(store.readings) != 0 {
		t.Fatalf("采样失败不应写入读数, 实际 %d 条", len(store.readings))
	}
	if len(store.alerts) != 0 {
		t.Fatalf("采样失败不应写入告警, 实际 %d 条", len(store.alerts))
	}
}

func TestLowBalanceAlertDeduplication(t *testing.T) {
	now := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.Local)
	store := &memStore{}
	notifier := &countingNotifier{}
	sampler := &fakeSampler{sample: sampleWith("8", "0.5")}
	svc := newTestService(store, sampler, &fakeForecaster{}, notifier)

	if err := svc.runCycleAt(context.Background(), now); err != nil {
		t.Fatalf("第一次周期不应报错: %v", err)
	}
	// 12 小时后余额仍低于阈值
	if err := svc.runCycleAt(context.Background(), now.Add(12*time.Hour)); err != nil {
		t.Fatalf("第二次周期不应报错: %v", err)
	}

	if notifier.calls != 1 {
		t.Fatalf("去重窗口内应只发送一次, 实际 %d 次", notifier.calls)
	}
	if got := store.alertCount(storage.AlertLowBalance); got != 1 {
		t.Fatalf("应只记录一条低余额告警, 实际 %d", got)
	}

	// 窗口过期后允许再次发送
	if err := svc.runCycleAt(context.Background(), now.Add(25*time.Hour)); err != nil {
		t.Fatalf("第三次周期不应报错: %v", err)
	}
	if notifier.calls != 2 {
		t.Fatalf("窗口过期后应再次发送, 实际 %d 次", notifier.calls)
	}

	record := store.alerts[0]
	if !record.Sent {
		t.Fatal("送达成功的告警应标记 Sent")
	}
	if !strings.Contains(record.Message, "余额不足预警") {
		t.Fatalf("告警文案错误: %q", record.Message)
	}
}

func TestForecastWarningHorizonGating(t *testing.T) {
	now := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.Local)

	cases := []struct {
		name     string
		days     float64
		success  bool
		wantSent bool
	}{
		{"within horizon", 5, true, true},
		{"beyond horizon", 12, true, false},
		{"already depleted", 0, true, false},
		{"failed forecast", 5, false, false},
	}

	for _, tc := range cases {
		store := &memStore{}
		notifier := &countingNotifier{}
		days := tc.days
		engine := &fakeForecaster{result: forecast.Result{
			Success:       tc.success,
			DaysRemaining: &days,
			Confidence:    forecast.ConfidenceMedium,
		}}
		// 余额高于阈值, 只可能触发预测提醒
		sampler := &fakeSampler{sample: sampleWith("30", "0.5")}
		svc := newTestService(store, sampler, engine, notifier)

		if err := svc.runCycleAt(context.Background(), now); err != nil {
			t.Fatalf("%s: 周期不应报错: %v", tc.name, err)
		}

		gotSent := store.alertCount(storage.AlertPredictionWarning) == 1
		if gotSent != tc.wantSent {
			t.Fatalf("%s: 预测提醒发送状态应为 %v", tc.name, tc.wantSent)
		}
		if tc.wantSent && notifier.notes[0].Kind != alerting.KindPredictionWarning {
			t.Fatalf("%s: 通知类型错误: %s", tc.name, notifier.notes[0].Kind)
		}
	}
}

func TestAlertsDisabled(t *testing.T) {
	now := time.Date(2025, time.March, 10, 8, 0, 0, 0, time.Local)
	store := &memStore{}
	notifier := &countingNotifier{}
	sampler := &fakeSampler{sample: sampleWith("8", "0.5")}

	cfg := testConfig()
	cfg.Alerting.Enabled = false
	svc := New(cfg, nil, sampler, store, store, &fakeForecaster{}, notifier, zerolog.Nop())

	if err := svc.runCycleAt(context.Background(), now); err != nil {
		t.Fatalf("周期不应报错: %v", err)
	}
	if notifier.calls != 0 {
		t.Fatalf("告警关闭时不应发送通知, 实际 %d 次", notifier.calls)
	}
	if len(store.readings) != 1 {
		t.Fatal("告警关闭时仍应采样入库")
	}
}
