package billing

import (
	"strings"
	"time"
)

// PlanType represents the billing interval family a subscription belongs to.
type PlanType string

const (
	PlanMonthly PlanType = "monthly"
	PlanAnnual  PlanType = "annual"
	PlanFree    PlanType = "free"
	PlanTrial   PlanType = "trial"
)

// Status represents the stored lifecycle state of a subscription.
type Status string

const (
	StatusTrialing  Status = "trialing"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
	StatusFree      Status = "free"
)

// ParseStatus normalizes status strings from older records and remote
// payloads. The legacy "trial" value maps to trialing.
func ParseStatus(s string) Status {
	switch strings.ToLower(s) {
	case "trial", "trialing":
		return StatusTrialing
	case "active":
		return StatusActive
	case "suspended":
		return StatusSuspended
	case "canceled", "cancelled":
		return StatusCancelled
	case "expired":
		return StatusExpired
	case "free":
		return StatusFree
	default:
		return Status(strings.ToLower(s))
	}
}

// IsTerminal reports whether the status is one the state machine treats as
// sticky: a late-arriving activation event must not resurrect it.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

// Money represents a monetary amount in the smallest currency unit.
// For example, $12.90 USD is Amount: 1290, Currency: "USD".
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// EntryStatus is the settlement state of a billing-history ledger row.
type EntryStatus string

const (
	EntryPaid              EntryStatus = "paid"
	EntryPending           EntryStatus = "pending"
	EntryFailed            EntryStatus = "failed"
	EntryRefunded          EntryStatus = "refunded"
	EntryPartiallyRefunded EntryStatus = "partially_refunded"
)

// EventType is the normalized type of an inbound provider webhook event.
type EventType string

const (
	EventSubscriptionCreated   EventType = "subscription.created"
	EventSubscriptionCancelled EventType = "subscription.cancelled"
	EventSubscriptionExpired   EventType = "subscription.expired"
	EventSubscriptionActivated EventType = "subscription.activated"
	EventSubscriptionSuspended EventType = "subscription.suspended"
	EventPaymentCompleted      EventType = "payment.completed"
	EventPaymentDenied         EventType = "payment.denied"
	EventPaymentRefunded       EventType = "payment.refunded"
)

// RemoteStatus is the billing provider's view of a remote subscription.
type RemoteStatus string

const (
	RemoteActive          RemoteStatus = "ACTIVE"
	RemoteSuspended       RemoteStatus = "SUSPENDED"
	RemoteCancelled       RemoteStatus = "CANCELLED"
	RemoteExpired         RemoteStatus = "EXPIRED"
	RemoteApprovalPending RemoteStatus = "APPROVAL_PENDING"
)

// RemoteSubscription is a snapshot of the provider's subscription record,
// used as corroborating evidence during reconciliation. The local store
// remains the source of truth for access decisions.
type RemoteSubscription struct {
	ID            string
	Status        RemoteStatus
	PlanID        string
	TrialEndsAt   *time.Time
	NextBillingAt *time.Time
}

// UserStatus is the user-facing classification derived from a subscription
// and its billing history. It is computed, never stored.
type UserStatus string

const (
	UserStatusFreeTrial  UserStatus = "Free trial"
	UserStatusActivePaid UserStatus = "Active user (Paid)"
	UserStatusChurned    UserStatus = "Churned"
	UserStatusFreeAccess UserStatus = "Free access"
)

// Access is the result of an access-gating decision.
type Access struct {
	HasFullAccess bool
	ExpiresAt     *time.Time // nil means no expiry applies
	DisplayStatus Status
}
