package alerting

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gopkg.in/gomail.v2"
)

// MailOptions parameterise SMTP delivery.
type MailOptions struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Recipients []string
}

// MailNotifier 通过 SMTP 向配置的每个邮箱独立发送告警。
type MailNotifier struct {
	opts   MailOptions
	logger zerolog.Logger
}

// NewMailNotifier 构造邮件告警器。
func NewMailNotifier(opts MailOptions, logger zerolog.Logger) *MailNotifier {
	if opts.From == "" {
		opts.From = opts.Username
	}
	return &MailNotifier{
		opts:   opts,
		logger: logger.With().Str("component", "alert_mail").Logger(),
	}
}

// Notify dials the SMTP server once and sends one message per recipient.
// A failed recipient never blocks the remaining ones.
func (n *MailNotifier) Notify(ctx context.Context, note Notification) (int, error) {
	if len(n.opts.Recipients) == 0 {
		return 0, errors.New("未配置预警邮箱")
	}

	dialer := gomail.NewDialer(n.opts.Host, n.opts.Port, n.opts.Username, n.opts.Password)
	sender, err := dialer.Dial()
	if err != nil {
		return 0, fmt.Errorf("dial smtp %s:%d: %w", n.opts.Host, n.opts.Port, err)
	}
	defer sender.Close()

	subject := Subject(note.Kind)
	body := RenderBody(note)

	sent := 0
	var errs []error
	for _, recipient := range n.opts.Recipients {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}

		msg := gomail.NewMessage()
		msg.SetHeader("From", n.opts.From)
		msg.SetHeader("To", recipient)
		msg.SetHeader("Subject", subject)
		msg.SetBody("text/plain", body)

		if err := gomail.Send(sender, msg); err != nil {
			n.logger.Error().Err(err).Str("recipient", recipient).Msg("发送邮件失败")
			errs = append(errs, fmt.Errorf("send to %s: %w", recipient, err))
			continue
		}
		sent++
		n.logger.Info().Str("recipient", recipient).Msg("预警邮件已发送")
	}

	if sent == 0 && len(errs) > 0 {
		return 0, errors.Join(errs...)
	}
	return sent, nil
}

var _ Notifier = (*MailNotifier)(nil)
