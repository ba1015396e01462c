package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStore persists subscription records. Implementations must
// return ErrNotFound for missing rows and ErrConflict for uniqueness
// violations (one subscription per user).
type SubscriptionStore interface {
	GetByUserID(ctx context.Context, userID uuid.UUID) (*Subscription, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Subscription, error)
	GetByRemoteID(ctx context.Context, remoteID string) (*Subscription, error)

	Create(ctx context.Context, sub *Subscription) error

	// Update overwrites non-status fields (dates, plan, price, flags) with
	// last-writer-wins semantics.
	Update(ctx context.Context, sub *Subscription) error

	// CompareAndSetStatus transitions the status only if the stored value
	// still equals expected, returning false when a concurrent writer got
	// there first. This is the single-writer serialization point for the
	// status field: webhook workers, the sweeper and user actions all race
	// on the same row.
	CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next Status, at time.Time) (bool, error)

	// ListActiveRemote returns subscriptions with status=active and a
	// non-empty remote id, the population the trial sweeper reconciles.
	ListActiveRemote(ctx context.Context) ([]*Subscription, error)
}

// BillingHistoryStore persists the append-only payment ledger.
type BillingHistoryStore interface {
	// Append inserts a ledger row. Returns ErrConflict when a row with the
	// same remote transaction id already exists, which callers treat as an
	// idempotent no-op for webhook redelivery.
	Append(ctx context.Context, entry *BillingEntry) error

	ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]BillingEntry, error)

	// HasPaid reports whether the subscription has at least one paid row,
	// i.e. it has left its initial trial window.
	HasPaid(ctx context.Context, subscriptionID uuid.UUID) (bool, error)

	GetByRemoteTxnID(ctx context.Context, remoteTxnID string) (*BillingEntry, error)

	// UpdateRefund records refund fields on the row matching remoteTxnID and
	// returns the updated entry.
	UpdateRefund(ctx context.Context, remoteTxnID string, refundedAmount int64, reason string, at time.Time) (*BillingEntry, error)
}

// WebhookEventStore persists inbound provider events and doubles as the work
// queue for asynchronous processing.
type WebhookEventStore interface {
	// Insert persists a received event. Returns ErrConflict when the
	// provider event id was already recorded; the caller acknowledges the
	// redelivery without reprocessing.
	Insert(ctx context.Context, event *WebhookEvent) error

	// ClaimUnprocessed returns up to limit events that have not completed
	// processing and are not leased to another worker, oldest first, marking
	// each as claimed for the lease duration so concurrent pollers skip it.
	// A lease of zero or less peeks without claiming. Events whose previous
	// attempt recorded an error are eligible for re-claim.
	ClaimUnprocessed(ctx context.Context, limit int, lease time.Duration) ([]*WebhookEvent, error)

	MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error

	// MarkFailed records the handler error on the event row, releases the
	// claim lease and leaves the row unprocessed so a later pass can retry.
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
}

// CouponStore persists trial coupons.
type CouponStore interface {
	CreateCoupon(ctx context.Context, coupon *Coupon) error
	GetByCode(ctx context.Context, code string) (*Coupon, error)

	// RedeemIncrement atomically increments the use counter iff the coupon
	// is still below MaxUses, returning false when exhausted. Read-then-write
	// in application code would allow concurrent redemptions to overrun the
	// cap; the guard must live in the store.
	RedeemIncrement(ctx context.Context, id uuid.UUID) (bool, error)
}

// PendingCancellation tracks a superseded remote subscription that must be
// cancelled once the replacement's first payment is confirmed.
type PendingCancellation struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	RemoteID  string
	PlanType  PlanType
	CreatedAt time.Time
}

// PendingCancellationStore persists deferred remote cancellations for the
// upgrade coordinator.
type PendingCancellationStore interface {
	Add(ctx context.Context, pc *PendingCancellation) error
	ListByUser(ctx context.Context, userID uuid.UUID) ([]PendingCancellation, error)
	Remove(ctx context.Context, id uuid.UUID) error
}

// Store bundles the billing persistence interfaces; implementations usually
// back them all with the same database.
type Store interface {
	SubscriptionStore
	BillingHistoryStore
	WebhookEventStore
	CouponStore
	PendingCancellationStore
}
