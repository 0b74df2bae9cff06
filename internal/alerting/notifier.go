package alerting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Notification kinds.
const (
	KindLowBalance        = "low_balance"
	KindPredictionWarning = "prediction_warning"
)

// Notification 封装告警上下文。
type Notification struct {
	Kind          string
	Timestamp     time.Time
	Balance       decimal.Decimal
	Threshold     decimal.Decimal
	DaysRemaining *float64
	PredictedDate *time.Time
	Confidence    string
	RechargeURL   string
}

// Notifier 定义告警输送接口。Notify 返回实际送达的接收方数量；单个接收方
// 失败不影响其它接收方。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) (int, error)
}

// Multi fans a notification out to every configured channel independently.
type Multi []Notifier

// Notify delivers through all channels, summing reached recipients. An
// error is only returned when nothing was delivered anywhere.
func (m Multi) Notify(ctx context.Context, note Notification) (int, error) {
	delivered := 0
	var errs []error
	for _, n := range m {
		count, err := n.Notify(ctx, note)
		delivered += count
		if err != nil {
			errs = append(errs, err)
		}
	}
	if delivered == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return delivered, nil
}

// Subject returns the mail subject line for a notification kind.
func Subject(kind string) string {
	if kind == KindPredictionWarning {
		return "📉 电费余额预测提醒"
	}
	return "⚠️ 电费余额不足预警"
}

// RenderBody renders the plain-text alert message.
func RenderBody(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("您好！\n\n")

	if note.Kind == KindPredictionWarning {
		builder.WriteString("根据近期用电规律，您的电费余额预计即将耗尽：\n\n")
	} else {
		builder.WriteString("您的电费余额不足，请及时充值：\n\n")
	}

	builder.WriteString(fmt.Sprintf("当前余额: %s 元\n", note.Balance.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("预警阈值: %s 元\n", note.Threshold.StringFixed(2)))
	if note.DaysRemaining != nil {
		builder.WriteString(fmt.Sprintf("预计剩余: %.1f 天\n", *note.DaysRemaining))
	}
	if note.PredictedDate != nil {
		builder.WriteString(fmt.Sprintf("预计耗尽日期: %s\n", note.PredictedDate.Format("2006-01-02")))
	}
	if note.Confidence != "" {
		builder.WriteString(fmt.Sprintf("预测可信度: %s\n", note.Confidence))
	}
	builder.WriteString(fmt.Sprintf("查询时间: %s\n", note.Timestamp.Format("2006-01-02 15:04:05")))

	if note.RechargeURL != "" {
		builder.WriteString(fmt.Sprintf("\n请及时前往 %s 进行充值。\n", note.RechargeURL))
	}

	builder.WriteString("\n---\n电费自动提醒系统\n")
	return builder.String()
}
