package billing

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// WebhookEvent is the durable record of an inbound provider callback. Rows
// are inserted synchronously on receipt so the provider can be acknowledged
// immediately; processing happens asynchronously and is idempotent per
// ProviderEventID.
type WebhookEvent struct {
	ID              uuid.UUID
	ProviderEventID string // unique - idempotency key
	Type            EventType
	OccurredAt      time.Time // provider-side emission time, used for ordering
	Payload         json.RawMessage
	Processed       bool
	ProcessedAt     *time.Time
	ClaimedUntil    *time.Time // worker lease, nil or past when claimable
	Error           string     // last processing error, empty on success
	CreatedAt       time.Time
}

// EventPayload is the subset of the provider's webhook body the processor
// acts on. The full raw payload is retained on the event row for audit.
type EventPayload struct {
	RemoteSubscriptionID string     `json:"remote_subscription_id"`
	RemotePlanID         string     `json:"remote_plan_id"`
	RemoteTxnID          string     `json:"remote_txn_id"`
	RemoteSaleID         string     `json:"remote_sale_id"`
	InvoiceNumber        string     `json:"invoice_number"`
	InvoiceURL           string     `json:"invoice_url"`
	Amount               int64      `json:"amount"`
	Currency             string     `json:"currency"`
	RefundedAmount       int64      `json:"refunded_amount"`
	RefundReason         string     `json:"refund_reason"`
	TrialEndsAt          *time.Time `json:"trial_ends_at"`
	NextBillingAt        *time.Time `json:"next_billing_at"`
}

// ParsePayload decodes the event's raw payload.
func (e *WebhookEvent) ParsePayload() (EventPayload, error) {
	var p EventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return EventPayload{}, err
	}
	return p, nil
}

// ParseEventType maps provider event-type strings onto normalized types.
// Unknown types pass through lower-cased so they can be persisted and
// reported, then skipped by the processor.
func ParseEventType(s string) EventType {
	switch strings.ToLower(s) {
	case "billing.subscription.created", "subscription.created":
		return EventSubscriptionCreated
	case "billing.subscription.cancelled", "billing.subscription.canceled", "subscription.cancelled":
		return EventSubscriptionCancelled
	case "billing.subscription.expired", "subscription.expired":
		return EventSubscriptionExpired
	case "billing.subscription.activated", "subscription.activated":
		return EventSubscriptionActivated
	case "billing.subscription.suspended", "subscription.suspended":
		return EventSubscriptionSuspended
	case "payment.sale.completed", "payment.completed":
		return EventPaymentCompleted
	case "payment.sale.denied", "payment.denied":
		return EventPaymentDenied
	case "payment.sale.refunded", "payment.refunded":
		return EventPaymentRefunded
	default:
		return EventType(strings.ToLower(s))
	}
}
