package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemStore is an in-memory Store used in tests and local development. All
// methods are safe for concurrent use; the coupon counter and status CAS hold
// the mutex across the read-check-write so they match the atomicity the SQL
// implementation gets from the database.
type MemStore struct {
	mu      sync.Mutex
	subs    map[uuid.UUID]*Subscription
	entries map[uuid.UUID]*BillingEntry
	events  map[uuid.UUID]*WebhookEvent
	coupons map[uuid.UUID]*Coupon
	pending map[uuid.UUID]*PendingCancellation
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		subs:    make(map[uuid.UUID]*Subscription),
		entries: make(map[uuid.UUID]*BillingEntry),
		events:  make(map[uuid.UUID]*WebhookEvent),
		coupons: make(map[uuid.UUID]*Coupon),
		pending: make(map[uuid.UUID]*PendingCancellation),
	}
}

var _ Store = (*MemStore)(nil)

func (m *MemStore) GetByUserID(_ context.Context, userID uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.UserID == userID {
			return copySub(sub), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) GetByID(_ context.Context, id uuid.UUID) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySub(sub), nil
}

func (m *MemStore) GetByRemoteID(_ context.Context, remoteID string) (*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sub := range m.subs {
		if sub.RemoteID != "" && sub.RemoteID == remoteID {
			return copySub(sub), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.subs {
		if existing.UserID == sub.UserID {
			return ErrConflict
		}
	}
	if _, ok := m.subs[sub.ID]; ok {
		return ErrConflict
	}
	m.subs[sub.ID] = copySub(sub)
	return nil
}

func (m *MemStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.subs[sub.ID]
	if !ok {
		return ErrNotFound
	}
	// Status fields change only through CompareAndSetStatus.
	next := copySub(sub)
	next.Status = stored.Status
	next.StatusChangedAt = stored.StatusChangedAt
	next.UpdatedAt = time.Now().UTC()
	m.subs[sub.ID] = next
	return nil
}

func (m *MemStore) CompareAndSetStatus(_ context.Context, id uuid.UUID, expected, next Status, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[id]
	if !ok {
		return false, ErrNotFound
	}
	if sub.Status != expected {
		return false, nil
	}
	sub.Status = next
	sub.StatusChangedAt = at
	sub.UpdatedAt = at
	return true, nil
}

func (m *MemStore) ListActiveRemote(_ context.Context) ([]*Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Subscription
	for _, sub := range m.subs {
		if sub.Status == StatusActive && sub.RemoteID != "" {
			out = append(out, copySub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) Append(_ context.Context, entry *BillingEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entries {
		if existing.RemoteTxnID == entry.RemoteTxnID || existing.InvoiceNumber == entry.InvoiceNumber {
			return ErrConflict
		}
	}
	e := *entry
	m.entries[entry.ID] = &e
	return nil
}

func (m *MemStore) ListBySubscription(_ context.Context, subscriptionID uuid.UUID) ([]BillingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []BillingEntry
	for _, entry := range m.entries {
		if entry.SubscriptionID == subscriptionID {
			out = append(out, *entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PaidAt.Before(out[j].PaidAt) })
	return out, nil
}

func (m *MemStore) HasPaid(_ context.Context, subscriptionID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.SubscriptionID == subscriptionID && entry.Status == EntryPaid {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GetByRemoteTxnID(_ context.Context, remoteTxnID string) (*BillingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.RemoteTxnID == remoteTxnID {
			e := *entry
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) UpdateRefund(_ context.Context, remoteTxnID string, refundedAmount int64, reason string, at time.Time) (*BillingEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, entry := range m.entries {
		if entry.RemoteTxnID != remoteTxnID {
			continue
		}
		entry.RefundedAmount = refundedAmount
		entry.RefundReason = reason
		entry.RefundedAt = &at
		if refundedAmount >= entry.Amount.Amount {
			entry.Status = EntryRefunded
		} else {
			entry.Status = EntryPartiallyRefunded
		}
		e := *entry
		return &e, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) Insert(_ context.Context, event *WebhookEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.events {
		if existing.ProviderEventID == event.ProviderEventID {
			return ErrConflict
		}
	}
	e := *event
	m.events[event.ID] = &e
	return nil
}

func (m *MemStore) ClaimUnprocessed(_ context.Context, limit int, lease time.Duration) ([]*WebhookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	var claimable []*WebhookEvent
	for _, event := range m.events {
		if !event.Processed && (event.ClaimedUntil == nil || event.ClaimedUntil.Before(now)) {
			claimable = append(claimable, event)
		}
	}
	sort.Slice(claimable, func(i, j int) bool { return claimable[i].OccurredAt.Before(claimable[j].OccurredAt) })
	if limit > 0 && len(claimable) > limit {
		claimable = claimable[:limit]
	}

	out := make([]*WebhookEvent, 0, len(claimable))
	for _, event := range claimable {
		if lease > 0 {
			until := now.Add(lease)
			event.ClaimedUntil = &until
		}
		e := *event
		out = append(out, &e)
	}
	return out, nil
}

func (m *MemStore) MarkProcessed(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Processed = true
	event.ProcessedAt = &at
	event.ClaimedUntil = nil
	event.Error = ""
	return nil
}

func (m *MemStore) MarkFailed(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Error = errMsg
	event.ClaimedUntil = nil
	return nil
}

func (m *MemStore) CreateCoupon(_ context.Context, coupon *Coupon) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.coupons {
		if existing.Code == coupon.Code {
			return ErrConflict
		}
	}
	c := *coupon
	m.coupons[coupon.ID] = &c
	return nil
}

func (m *MemStore) GetByCode(_ context.Context, code string) (*Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, coupon := range m.coupons {
		if coupon.Code == code {
			c := *coupon
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) RedeemIncrement(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	coupon, ok := m.coupons[id]
	if !ok {
		return false, ErrNotFound
	}
	if coupon.MaxUses > 0 && coupon.CurrentUses >= coupon.MaxUses {
		return false, nil
	}
	coupon.CurrentUses++
	return true, nil
}

func (m *MemStore) Add(_ context.Context, pc *PendingCancellation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := *pc
	m.pending[pc.ID] = &p
	return nil
}

func (m *MemStore) ListByUser(_ context.Context, userID uuid.UUID) ([]PendingCancellation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []PendingCancellation
	for _, pc := range m.pending {
		if pc.UserID == userID {
			out = append(out, *pc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemStore) Remove(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[id]; !ok {
		return ErrNotFound
	}
	delete(m.pending, id)
	return nil
}

func copySub(sub *Subscription) *Subscription {
	out := *sub
	return &out
}
