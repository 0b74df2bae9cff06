package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

func testNotification(kind string) Notification {
	days := 3.5
	date := time.Date(2025, time.March, 14, 0, 0, 0, 0, time.Local)
	return Notification{
		Kind:          kind,
		Timestamp:     time.Date(2025, time.March, 10, 20, 0, 0, 0, time.Local),
		Balance:       decimal.RequireFromString("8.42"),
		Threshold:     decimal.NewFromInt(10),
		DaysRemaining: &days,
		PredictedDate: &date,
		Confidence:    "medium",
		RechargeURL:   "https://app.bupt.edu.cn/buptdf/wap/default/chong",
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	count, err := notifier.Notify(context.Background(), testNotification(KindLowBalance))
	if err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}
	if count != 1 {
		t.Fatalf("送达数应为 1, 实际 %d", count)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.Contains(received["text"], "电费余额不足") {
		t.Fatalf("text 应包含余额不足提示: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	count, err := notifier.Notify(context.Background(), testNotification(KindLowBalance))
	if err == nil {
		t.Fatal("ok=false 应报错")
	}
	if count != 0 {
		t.Fatalf("失败时送达数应为 0, 实际 %d", count)
	}
}

type stubNotifier struct {
	count int
	err   error
}

func (s stubNotifier) Notify(context.Context, Notification) (int, error) {
	return s.count, s.err
}

func TestMultiSumsDeliveries(t *testing.T) {
	multi := Multi{stubNotifier{count: 2}, stubNotifier{count: 1}}

	count, err := multi.Notify(context.Background(), testNotification(KindLowBalance))
	if err != nil {
		t.Fatalf("Multi Notify 不应报错: %v", err)
	}
	if count != 3 {
		t.Fatalf("送达数应累加为 3, 实际 %d", count)
	}
}

func TestMultiPartialFailureIsNotAnError(t *testing.T) {
	multi := Multi{stubNotifier{count: 1}, stubNotifier{err: errors.New("smtp down")}}

	count, err := multi.Notify(context.Background(), testNotification(KindPredictionWarning))
	if err != nil {
		t.Fatalf("部分通道失败不应整体报错: %v", err)
	}
	if count != 1 {
		t.Fatalf("送达数应为 1, 实际 %d", count)
	}
}

func TestMultiTotalFailure(t *testing.T) {
	multi := Multi{stubNotifier{err: errors.New("smtp down")}, stubNotifier{err: errors.New("telegram down")}}

	count, err := multi.Notify(context.Background(), testNotification(KindLowBalance))
	if err == nil {
		t.Fatal("所有通道都失败时应报错")
	}
	if count != 0 {
		t.Fatalf("送达数应为 0, 实际 %d", count)
	}
}

func TestRenderBody(t *testing.T) {
	body := RenderBody(testNotification(KindPredictionWarning))

	for _, want := range []string{"8.42 元", "10.00 元", "3.5 天", "2025-03-14", "medium", "chong"} {
		if !strings.Contains(body, want) {
			t.Fatalf("正文应包含 %q:\n%s", want, body)
		}
	}
}

func TestSubject(t *testing.T) {
	if got := Subject(KindLowBalance); !strings.Contains(got, "不足") {
		t.Fatalf("低余额主题错误: %q", got)
	}
	if got := Subject(KindPredictionWarning); !strings.Contains(got, "预测") {
		t.Fatalf("预测主题错误: %q", got)
	}
}
