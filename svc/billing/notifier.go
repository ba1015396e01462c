package billing

import (
	"context"

	"github.com/google/uuid"
)

// StatusUpdate is pushed to connected clients when a subscription changes state.
type StatusUpdate struct {
	UserID         uuid.UUID `json:"user_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Status         Status    `json:"status"`
	PlanType       PlanType  `json:"plan_type"`
}

// PaymentNotice describes a payment outcome pushed to clients.
type PaymentNotice struct {
	UserID         uuid.UUID `json:"user_id"`
	SubscriptionID uuid.UUID `json:"subscription_id"`
	Amount         Money     `json:"amount"`
	InvoiceNumber  string    `json:"invoice_number,omitempty"`
}

// Notifier pushes billing events to connected clients. All methods are
// fire-and-forget: implementations absorb and log failures, and the core
// never depends on a notification being delivered.
type Notifier interface {
	StatusUpdated(ctx context.Context, update StatusUpdate)
	PaymentConfirmed(ctx context.Context, notice PaymentNotice)
	PaymentFailed(ctx context.Context, notice PaymentNotice)
	Cancelled(ctx context.Context, update StatusUpdate)
	Renewed(ctx context.Context, update StatusUpdate)
}

// NopNotifier discards all notifications. Useful in tests and batch tools.
type NopNotifier struct{}

func (NopNotifier) StatusUpdated(context.Context, StatusUpdate)     {}
func (NopNotifier) PaymentConfirmed(context.Context, PaymentNotice) {}
func (NopNotifier) PaymentFailed(context.Context, PaymentNotice)    {}
func (NopNotifier) Cancelled(context.Context, StatusUpdate)         {}
func (NopNotifier) Renewed(context.Context, StatusUpdate)           {}
