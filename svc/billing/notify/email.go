package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// EmailConfig holds the transactional email settings.
type EmailConfig struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL"`
	SupportEmail         string `env:"SUPPORT_EMAIL"`

	// RecipientQuery resolves a user id to an email address when the billing
	// service shares a database with the host application's user directory.
	RecipientQuery string `env:"NOTIFY_RECIPIENT_QUERY" envDefault:"SELECT email FROM users WHERE id = $1"`
}

// Enabled reports whether the deployment configured transactional email.
func (c EmailConfig) Enabled() bool {
	return c.PostmarkServerToken != ""
}

// RecipientResolver maps a user id to their email address. Returning an
// empty address skips the send, covering deleted accounts gracefully.
type RecipientResolver func(ctx context.Context, userID uuid.UUID) (string, error)

// emailSender is the slice of the Postmark client the notifier uses.
type emailSender interface {
	SendEmail(ctx context.Context, email postmark.Email) (postmark.EmailResponse, error)
}

// EmailNotifier sends transactional billing emails through Postmark. Only
// events a user must act on produce email: payment failures and
// cancellations. Routine status pushes stay in-app.
type EmailNotifier struct {
	client  emailSender
	cfg     EmailConfig
	resolve RecipientResolver
	log     *slog.Logger
}

var _ billing.Notifier = (*EmailNotifier)(nil)

// NewEmailNotifier wires a Postmark-backed notifier. Tokens are validated at
// construction so misconfiguration fails at boot, not on the first dunning
// email.
func NewEmailNotifier(cfg EmailConfig, resolve RecipientResolver, log *slog.Logger) (*EmailNotifier, error) {
	if cfg.PostmarkServerToken == "" || cfg.PostmarkAccountToken == "" {
		return nil, fmt.Errorf("notify: postmark tokens are required")
	}
	if cfg.SenderEmail == "" {
		return nil, fmt.Errorf("notify: sender email is required")
	}
	if resolve == nil {
		return nil, fmt.Errorf("notify: recipient resolver is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &EmailNotifier{
		client:  postmark.NewClient(cfg.PostmarkServerToken, cfg.PostmarkAccountToken),
		cfg:     cfg,
		resolve: resolve,
		log:     log,
	}, nil
}

func (n *EmailNotifier) StatusUpdated(context.Context, billing.StatusUpdate) {}

func (n *EmailNotifier) PaymentConfirmed(context.Context, billing.PaymentNotice) {}

func (n *EmailNotifier) Renewed(context.Context, billing.StatusUpdate) {}

func (n *EmailNotifier) PaymentFailed(ctx context.Context, notice billing.PaymentNotice) {
	subject := "Your payment could not be processed"
	body := fmt.Sprintf(
		"<p>We could not process your subscription payment of %s.</p>"+
			"<p>Please update your payment method to keep your subscription active. "+
			"If you believe this is a mistake, reply to this email and we will help.</p>",
		formatMoney(notice.Amount))
	n.send(ctx, notice.UserID, subject, body, "payment-failed")
}

func (n *EmailNotifier) Cancelled(ctx context.Context, update billing.StatusUpdate) {
	subject := "Your subscription has been cancelled"
	body := "<p>Your subscription has been cancelled and will not renew.</p>" +
		"<p>You can resubscribe at any time from your account settings.</p>"
	n.send(ctx, update.UserID, subject, body, "subscription-cancelled")
}

func (n *EmailNotifier) send(ctx context.Context, userID uuid.UUID, subject, bodyHTML, tag string) {
	to, err := n.resolve(ctx, userID)
	if err != nil {
		n.log.WarnContext(ctx, "failed to resolve notification recipient",
			logger.UserID(userID), logger.Error(err))
		return
	}
	if to == "" {
		return
	}

	resp, err := n.client.SendEmail(ctx, postmark.Email{
		From:       n.cfg.SenderEmail,
		ReplyTo:    n.cfg.SupportEmail,
		To:         to,
		Subject:    subject,
		Tag:        tag,
		HTMLBody:   bodyHTML,
		TrackOpens: true,
		TrackLinks: "HtmlOnly",
	})
	if err != nil {
		n.log.WarnContext(ctx, "failed to send billing email",
			logger.UserID(userID), slog.String("tag", tag), logger.Error(err))
		return
	}
	if resp.ErrorCode > 0 {
		n.log.WarnContext(ctx, "billing email rejected by provider",
			logger.UserID(userID), slog.String("tag", tag),
			slog.Int64("error_code", resp.ErrorCode), slog.String("message", resp.Message))
	}
}

func formatMoney(m billing.Money) string {
	return fmt.Sprintf("%.2f %s", float64(m.Amount)/100, m.Currency)
}
