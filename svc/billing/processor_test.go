package billing

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeEvent(t *testing.T, typ EventType, payload EventPayload, occurredAt time.Time) *WebhookEvent {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &WebhookEvent{
		ID:              uuid.New(),
		ProviderEventID: "WH-" + uuid.NewString()[:8],
		Type:            typ,
		OccurredAt:      occurredAt,
		Payload:         raw,
		CreatedAt:       occurredAt,
	}
}

func newTestProcessor(store Store, upgrades *UpgradeCoordinator, at time.Time) *Processor {
	p := NewProcessor(store, store, upgrades, NopNotifier{}, 5, discardLogger())
	p.now = func() time.Time { return at }
	return p
}

func TestProcessor_PaymentCompleted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	sub := seedSubscription(store, func(s *Subscription) { s.Status = StatusTrialing })

	paidAt := time.Now().UTC()
	event := makeEvent(t, EventPaymentCompleted, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
		RemoteTxnID:          "TXN-1",
		RemoteSaleID:         "SALE-1",
		InvoiceNumber:        "INV-1",
		Amount:               1290,
		Currency:             "USD",
	}, paidAt)

	p := newTestProcessor(store, nil, paidAt)
	require.NoError(t, p.Process(ctx, event))

	got, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "payment converts the trial")
	require.NotNil(t, got.EndDate)
	assert.True(t, got.EndDate.After(paidAt), "paid-through date advanced")

	entries, err := store.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryPaid, entries[0].Status)
	assert.Equal(t, int64(1290), entries[0].Amount.Amount)
}

func TestProcessor_PaymentCompleted_ReplayIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	sub := seedSubscription(store, nil)

	paidAt := time.Now().UTC()
	payload := EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
		RemoteTxnID:          "TXN-REPLAY",
		InvoiceNumber:        "INV-REPLAY",
		Amount:               1290,
		Currency:             "USD",
	}

	p := newTestProcessor(store, nil, paidAt)
	require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentCompleted, payload, paidAt)))

	// The provider redelivers the same charge under a new webhook event id.
	require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentCompleted, payload, paidAt)))

	entries, err := store.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "duplicate transaction id collapses to one ledger row")
}

func TestProcessor_PaymentCompleted_AnnualTriggersUpgradeCleanup(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	gw := newStubGateway()

	sub := seedSubscription(store, func(s *Subscription) {
		s.PlanType = PlanAnnual
		s.RemoteID = "I-ANNUAL"
	})

	upgrades := NewUpgradeCoordinator(store, gw, time.Second, discardLogger())
	require.NoError(t, upgrades.Defer(ctx, sub.UserID, "I-OLD-MONTHLY", PlanMonthly))

	paidAt := time.Now().UTC()
	p := newTestProcessor(store, upgrades, paidAt)
	require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentCompleted, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
		RemoteTxnID:          "TXN-ANNUAL-1",
		InvoiceNumber:        "INV-ANNUAL-1",
		Amount:               9900,
		Currency:             "USD",
	}, paidAt)))

	assert.Equal(t, []string{"I-OLD-MONTHLY"}, gw.cancelCalls(),
		"confirmed annual payment cancels the superseded monthly remote")

	pending, err := store.ListByUser(ctx, sub.UserID)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestProcessor_Suspension(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("unpaid past deadline expires instead of suspending", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		sub := seedSubscription(store, func(s *Subscription) {
			s.StartDate = time.Now().UTC().AddDate(0, 0, -10)
		})

		p := newTestProcessor(store, nil, time.Now().UTC())
		event := makeEvent(t, EventSubscriptionSuspended, EventPayload{
			RemoteSubscriptionID: sub.RemoteID,
		}, time.Now().UTC())
		require.NoError(t, p.Process(ctx, event))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, got.Status)
	})

	t.Run("paid subscription suspends", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		sub := seedSubscription(store, func(s *Subscription) {
			s.StartDate = time.Now().UTC().AddDate(0, 0, -60)
		})
		require.NoError(t, store.Append(ctx, &BillingEntry{
			ID: uuid.New(), SubscriptionID: sub.ID,
			InvoiceNumber: "INV-P1", RemoteTxnID: "TXN-P1",
			Amount: Money{Amount: 1290, Currency: "USD"},
			Status: EntryPaid, PaidAt: time.Now().UTC().AddDate(0, 0, -30),
		}))

		p := newTestProcessor(store, nil, time.Now().UTC())
		event := makeEvent(t, EventSubscriptionSuspended, EventPayload{
			RemoteSubscriptionID: sub.RemoteID,
		}, time.Now().UTC())
		require.NoError(t, p.Process(ctx, event))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusSuspended, got.Status)
	})
}

func TestProcessor_Refund(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Now().UTC()

	seedPaid := func(store Store) *Subscription {
		sub := seedSubscription(store, nil)
		err := store.Append(ctx, &BillingEntry{
			ID: uuid.New(), SubscriptionID: sub.ID,
			InvoiceNumber: "INV-R1", RemoteTxnID: "TXN-R1", RemoteSaleID: "SALE-R1",
			Amount: Money{Amount: 1290, Currency: "USD"},
			Status: EntryPaid, PaidAt: now.Add(-time.Hour),
		})
		if err != nil {
			t.Fatal(err)
		}
		return sub
	}

	t.Run("partial refund keeps the subscription", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		sub := seedPaid(store)

		p := newTestProcessor(store, nil, now)
		require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentRefunded, EventPayload{
			RemoteTxnID: "TXN-R1", RefundedAmount: 500, RefundReason: "partial goodwill",
		}, now)))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)

		entry, err := store.GetByRemoteTxnID(ctx, "TXN-R1")
		require.NoError(t, err)
		assert.Equal(t, EntryPartiallyRefunded, entry.Status)
	})

	t.Run("full refund cancels the subscription", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		sub := seedPaid(store)

		p := newTestProcessor(store, nil, now)
		require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentRefunded, EventPayload{
			RemoteTxnID: "TXN-R1", RefundedAmount: 1290, RefundReason: "chargeback",
		}, now)))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status)

		entry, err := store.GetByRemoteTxnID(ctx, "TXN-R1")
		require.NoError(t, err)
		assert.Equal(t, EntryRefunded, entry.Status)
	})
}

func TestProcessor_OutOfOrderDelivery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	sub := seedSubscription(store, nil)

	now := time.Now().UTC()
	p := newTestProcessor(store, nil, now)

	// The cancellation arrives first even though it was emitted second.
	cancelled := makeEvent(t, EventSubscriptionCancelled, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
	}, now)
	require.NoError(t, p.Process(ctx, cancelled))

	// The activation emitted a minute before the cancellation arrives late.
	activated := makeEvent(t, EventSubscriptionActivated, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
	}, now.Add(-time.Minute))
	require.NoError(t, p.Process(ctx, activated))

	got, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status, "terminal state must stay sticky against stale events")
}

func TestProcessor_UnknownRemoteIsNoOp(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	now := time.Now().UTC()

	p := newTestProcessor(store, nil, now)
	for _, typ := range []EventType{
		EventSubscriptionCreated, EventSubscriptionCancelled,
		EventSubscriptionSuspended, EventPaymentCompleted, EventPaymentDenied,
	} {
		event := makeEvent(t, typ, EventPayload{RemoteSubscriptionID: "I-UNKNOWN"}, now)
		assert.NoError(t, p.Process(ctx, event), "event type %s", typ)
	}
}

func TestProcessor_UnhandledEventTypeIsIgnored(t *testing.T) {
	t.Parallel()

	store := NewMemStore()
	p := newTestProcessor(store, nil, time.Now().UTC())

	event := makeEvent(t, EventType("customer.dispute.created"), EventPayload{}, time.Now().UTC())
	assert.NoError(t, p.Process(context.Background(), event))
}

func TestProcessor_PaymentDenied(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	sub := seedSubscription(store, nil)
	now := time.Now().UTC()

	p := newTestProcessor(store, nil, now)
	require.NoError(t, p.Process(ctx, makeEvent(t, EventPaymentDenied, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
		RemoteTxnID:          "TXN-D1",
		InvoiceNumber:        "INV-D1",
		Amount:               1290,
		Currency:             "USD",
	}, now)))

	got, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status, "denied payment alone does not change status")

	entries, err := store.ListBySubscription(ctx, sub.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EntryFailed, entries[0].Status)
}

func TestProcessor_SubscriptionCreatedBackfillsTrialEnd(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()
	sub := seedSubscription(store, func(s *Subscription) { s.Status = StatusTrialing })

	now := time.Now().UTC()
	trialEnd := now.AddDate(0, 0, 14)

	p := newTestProcessor(store, nil, now)
	require.NoError(t, p.Process(ctx, makeEvent(t, EventSubscriptionCreated, EventPayload{
		RemoteSubscriptionID: sub.RemoteID,
		TrialEndsAt:          &trialEnd,
	}, now)))

	got, err := store.GetByID(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	require.NotNil(t, got.TrialEndsAt)
	assert.True(t, trialEnd.Equal(*got.TrialEndsAt))
}

// flakyStore wraps MemStore and fails selected writes a fixed number of
// times, simulating a transient database error between the steps of one
// payment handler run.
type flakyStore struct {
	*MemStore
	mu          sync.Mutex
	updateFails int
	casFails    int
}

func (s *flakyStore) Update(ctx context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateFails > 0 {
		s.updateFails--
		return errors.New("write: connection reset by peer")
	}
	return s.MemStore.Update(ctx, sub)
}

func (s *flakyStore) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next Status, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.casFails > 0 {
		s.casFails--
		return false, errors.New("write: connection reset by peer")
	}
	return s.MemStore.CompareAndSetStatus(ctx, id, expected, next, at)
}

func TestProcessor_PaymentCompleted_RetryAfterPartialFailure(t *testing.T) {
	t.Parallel()

	t.Run("renewal and transition still apply on redelivery", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := &flakyStore{MemStore: NewMemStore(), updateFails: 1}
		sub := seedSubscription(store.MemStore, func(s *Subscription) { s.Status = StatusSuspended })

		paidAt := time.Now().UTC()
		event := makeEvent(t, EventPaymentCompleted, EventPayload{
			RemoteSubscriptionID: sub.RemoteID,
			RemoteTxnID:          "TXN-RETRY",
			InvoiceNumber:        "INV-RETRY",
			Amount:               1290,
			Currency:             "USD",
		}, paidAt)

		p := newTestProcessor(store, nil, paidAt)

		// The ledger row lands, then the renewal-date write dies.
		require.Error(t, p.Process(ctx, event))

		entries, err := store.ListBySubscription(ctx, sub.ID)
		require.NoError(t, err)
		require.Len(t, entries, 1)

		// Redelivery hits the duplicate-txn guard but must still finish the
		// remaining steps instead of declaring the event done.
		require.NoError(t, p.Process(ctx, event))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status, "payment recovers the suspension")
		require.NotNil(t, got.EndDate, "renewal date advanced")
		assert.True(t, got.EndDate.Equal(paidAt.AddDate(0, 1, 0)))

		entries, err = store.ListBySubscription(ctx, sub.ID)
		require.NoError(t, err)
		assert.Len(t, entries, 1, "no duplicate ledger row")
	})

	t.Run("paid-through date never advances twice for one charge", func(t *testing.T) {
		t.Parallel()

		ctx := context.Background()
		store := &flakyStore{MemStore: NewMemStore(), casFails: 1}
		gw := newStubGateway()
		upgrades := NewUpgradeCoordinator(store.MemStore, gw, time.Second, discardLogger())

		sub := seedSubscription(store.MemStore, func(s *Subscription) {
			s.Status = StatusTrialing
			s.PlanType = PlanAnnual
			s.RemotePlanID = "P-ANNUAL"
		})
		require.NoError(t, upgrades.Defer(ctx, sub.UserID, "I-OLD-MONTHLY", PlanMonthly))

		paidAt := time.Now().UTC()
		event := makeEvent(t, EventPaymentCompleted, EventPayload{
			RemoteSubscriptionID: sub.RemoteID,
			RemoteTxnID:          "TXN-ANNUAL-RETRY",
			InvoiceNumber:        "INV-ANNUAL-RETRY",
			Amount:               9900,
			Currency:             "USD",
		}, paidAt)

		p := newTestProcessor(store, upgrades, paidAt)

		// The renewal date is written, then the transition dies. The parked
		// monthly remote must not have been touched yet.
		require.Error(t, p.Process(ctx, event))
		assert.Empty(t, gw.cancelCalls())

		require.NoError(t, p.Process(ctx, event))

		got, err := store.GetByID(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, got.Status)
		require.NotNil(t, got.EndDate)
		assert.True(t, got.EndDate.Equal(paidAt.AddDate(1, 0, 0)), "one charge advances one period")

		assert.Equal(t, []string{"I-OLD-MONTHLY"}, gw.cancelCalls(), "upgrade cleanup ran on the retry")
		pending, err := store.ListByUser(ctx, sub.UserID)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})
}
