package billing

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the durable record of a user's plan. Each user has exactly
// one subscription row; it is mutated in place through its lifecycle and
// never hard-deleted.
type Subscription struct {
	ID           uuid.UUID
	UserID       uuid.UUID // unique - one subscription per user
	PlanType     PlanType
	Status       Status
	RemoteID     string // provider's subscription id (empty when none)
	RemotePlanID string
	Price        Money

	StartDate   time.Time
	EndDate     *time.Time // nil for open-ended grants
	TrialEndsAt *time.Time // nil when the provider never surfaced one

	CouponCode    string
	IsFreeAccess  bool
	IsTrialCoupon bool
	GrantedBy     *uuid.UUID // admin who granted free access

	// StatusChangedAt records when the current status was applied. Webhook
	// events older than this are ignored once the status is terminal.
	StatusChangedAt time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasRemote reports whether the subscription is linked to a provider record.
func (s *Subscription) HasRemote() bool {
	return s.RemoteID != ""
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

func (s *Subscription) IsSuspended() bool {
	return s.Status == StatusSuspended
}

func (s *Subscription) IsCancelled() bool {
	return s.Status == StatusCancelled
}

// TrialDeadline returns the moment the trial window closes: the recorded
// trial end date if present, otherwise the subscription end date, otherwise
// the start date plus the configured fallback. The fallback covers remotes
// the provider created without ever surfacing a trial end date.
func (s *Subscription) TrialDeadline(fallbackDays int) time.Time {
	if s.TrialEndsAt != nil {
		return *s.TrialEndsAt
	}
	if s.EndDate != nil {
		return *s.EndDate
	}
	return s.StartDate.AddDate(0, 0, fallbackDays)
}

// BillingEntry is an append-only row in a subscription's payment ledger.
// Presence of at least one paid entry means the subscription has left its
// initial trial window regardless of the stored status.
type BillingEntry struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	InvoiceNumber  string // unique
	RemoteTxnID    string // unique - idempotency key for payment ingestion
	RemoteSaleID   string
	Amount         Money
	Status         EntryStatus
	PaidAt         time.Time
	RefundedAmount int64
	RefundedAt     *time.Time
	RefundReason   string
	InvoiceURL     string
	CreatedAt      time.Time
}

// FullyRefunded reports whether the refunded amount covers the original charge.
func (e *BillingEntry) FullyRefunded() bool {
	return e.RefundedAmount >= e.Amount.Amount
}

// Coupon is a trial-granting code with a bounded number of redemptions.
type Coupon struct {
	ID          uuid.UUID
	Code        string // unique, stored upper-case
	TrialDays   int
	ValidFrom   *time.Time
	ValidUntil  *time.Time
	MaxUses     int // 0 means unlimited
	CurrentUses int
	Active      bool
	CreatedAt   time.Time
}

// Validate checks redeemability at a point in time. The use counter is NOT
// checked here; that guard lives in the store's atomic increment so that
// concurrent redemptions cannot overrun MaxUses.
func (c *Coupon) Validate(now time.Time) error {
	if !c.Active {
		return ErrCouponInactive
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return ErrCouponInactive
	}
	if c.ValidUntil != nil && now.After(*c.ValidUntil) {
		return ErrCouponExpired
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return ErrCouponExhausted
	}
	return nil
}

// NormalizeCouponCode uppercases and trims a user-entered coupon code.
func NormalizeCouponCode(code string) string {
	return normalizeCode(code)
}
