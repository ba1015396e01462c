package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/mrz1836/postmark"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []postmark.Email
	resp postmark.EmailResponse
	fail error
}

func (s *recordingSender) SendEmail(_ context.Context, email postmark.Email) (postmark.EmailResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return postmark.EmailResponse{}, s.fail
	}
	s.sent = append(s.sent, email)
	return s.resp, nil
}

func (s *recordingSender) emails() []postmark.Email {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]postmark.Email(nil), s.sent...)
}

func newTestEmailNotifier(t *testing.T, resolve RecipientResolver) (*EmailNotifier, *recordingSender) {
	t.Helper()

	cfg := EmailConfig{
		PostmarkServerToken:  "server-token",
		PostmarkAccountToken: "account-token",
		SenderEmail:          "billing@example.com",
		SupportEmail:         "support@example.com",
	}
	n, err := NewEmailNotifier(cfg, resolve, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	sender := &recordingSender{}
	n.client = sender
	return n, sender
}

func staticResolver(address string) RecipientResolver {
	return func(context.Context, uuid.UUID) (string, error) { return address, nil }
}

func TestNewEmailNotifier_Validation(t *testing.T) {
	t.Parallel()

	resolve := staticResolver("user@example.com")

	tests := []struct {
		name string
		cfg  EmailConfig
		res  RecipientResolver
	}{
		{
			name: "missing server token",
			cfg:  EmailConfig{PostmarkAccountToken: "a", SenderEmail: "b@example.com"},
			res:  resolve,
		},
		{
			name: "missing sender email",
			cfg:  EmailConfig{PostmarkServerToken: "s", PostmarkAccountToken: "a"},
			res:  resolve,
		},
		{
			name: "missing resolver",
			cfg:  EmailConfig{PostmarkServerToken: "s", PostmarkAccountToken: "a", SenderEmail: "b@example.com"},
			res:  nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := NewEmailNotifier(tt.cfg, tt.res, nil)
			assert.Error(t, err)
		})
	}
}

func TestEmailNotifier_PaymentFailed(t *testing.T) {
	t.Parallel()

	n, sender := newTestEmailNotifier(t, staticResolver("user@example.com"))

	n.PaymentFailed(context.Background(), billing.PaymentNotice{
		UserID: uuid.New(),
		Amount: billing.Money{Amount: 1290, Currency: "USD"},
	})

	sent := sender.emails()
	require.Len(t, sent, 1)
	assert.Equal(t, "user@example.com", sent[0].To)
	assert.Equal(t, "billing@example.com", sent[0].From)
	assert.Equal(t, "support@example.com", sent[0].ReplyTo)
	assert.Equal(t, "payment-failed", sent[0].Tag)
	assert.Contains(t, sent[0].HTMLBody, "12.90 USD")
}

func TestEmailNotifier_Cancelled(t *testing.T) {
	t.Parallel()

	n, sender := newTestEmailNotifier(t, staticResolver("user@example.com"))

	n.Cancelled(context.Background(), billing.StatusUpdate{
		UserID: uuid.New(),
		Status: billing.StatusCancelled,
	})

	sent := sender.emails()
	require.Len(t, sent, 1)
	assert.Equal(t, "subscription-cancelled", sent[0].Tag)
	assert.Equal(t, "Your subscription has been cancelled", sent[0].Subject)
}

func TestEmailNotifier_RoutineEventsStayInApp(t *testing.T) {
	t.Parallel()

	n, sender := newTestEmailNotifier(t, staticResolver("user@example.com"))
	ctx := context.Background()

	n.StatusUpdated(ctx, billing.StatusUpdate{UserID: uuid.New()})
	n.PaymentConfirmed(ctx, billing.PaymentNotice{UserID: uuid.New()})
	n.Renewed(ctx, billing.StatusUpdate{UserID: uuid.New()})

	assert.Empty(t, sender.emails())
}

func TestEmailNotifier_SkipsUnresolvableRecipients(t *testing.T) {
	t.Parallel()

	t.Run("empty address skips the send", func(t *testing.T) {
		t.Parallel()

		n, sender := newTestEmailNotifier(t, staticResolver(""))
		n.PaymentFailed(context.Background(), billing.PaymentNotice{UserID: uuid.New()})
		assert.Empty(t, sender.emails())
	})

	t.Run("resolver error is swallowed", func(t *testing.T) {
		t.Parallel()

		failing := func(context.Context, uuid.UUID) (string, error) {
			return "", errors.New("directory unavailable")
		}
		n, sender := newTestEmailNotifier(t, failing)
		n.Cancelled(context.Background(), billing.StatusUpdate{UserID: uuid.New()})
		assert.Empty(t, sender.emails())
	})
}

func TestEmailNotifier_SendFailureNeverPropagates(t *testing.T) {
	t.Parallel()

	n, sender := newTestEmailNotifier(t, staticResolver("user@example.com"))
	sender.fail = errors.New("postmark down")

	assert.NotPanics(t, func() {
		n.PaymentFailed(context.Background(), billing.PaymentNotice{UserID: uuid.New()})
	})
	assert.Empty(t, sender.emails())
}
