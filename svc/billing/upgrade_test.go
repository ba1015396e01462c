package billing

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpgradeCoordinator_CleanupAfterPayment(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("cancels parked remotes and clears the queue", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		gw := newStubGateway()
		c := NewUpgradeCoordinator(store, gw, time.Second, discardLogger())

		userID := uuid.New()
		require.NoError(t, c.Defer(ctx, userID, "I-MONTHLY-1", PlanMonthly))

		sub := &Subscription{ID: uuid.New(), UserID: userID, RemoteID: "I-ANNUAL-1", PlanType: PlanAnnual}
		require.NoError(t, c.CleanupAfterPayment(ctx, sub))

		assert.Equal(t, []string{"I-MONTHLY-1"}, gw.cancelCalls())

		pending, err := store.ListByUser(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("never cancels the subscription that just paid", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		gw := newStubGateway()
		c := NewUpgradeCoordinator(store, gw, time.Second, discardLogger())

		userID := uuid.New()
		require.NoError(t, c.Defer(ctx, userID, "I-ANNUAL-1", PlanAnnual))

		sub := &Subscription{ID: uuid.New(), UserID: userID, RemoteID: "I-ANNUAL-1", PlanType: PlanAnnual}
		require.NoError(t, c.CleanupAfterPayment(ctx, sub))

		assert.Empty(t, gw.cancelCalls())
	})

	t.Run("already-gone remotes count as success", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		gw := newStubGateway()
		gw.cancelErr["I-GONE"] = ErrNotFound
		gw.cancelErr["I-DONE"] = ErrInvalidTransition
		c := NewUpgradeCoordinator(store, gw, time.Second, discardLogger())

		userID := uuid.New()
		require.NoError(t, c.Defer(ctx, userID, "I-GONE", PlanMonthly))
		require.NoError(t, c.Defer(ctx, userID, "I-DONE", PlanMonthly))

		sub := &Subscription{ID: uuid.New(), UserID: userID, RemoteID: "I-ANNUAL-1", PlanType: PlanAnnual}
		require.NoError(t, c.CleanupAfterPayment(ctx, sub))

		pending, err := store.ListByUser(ctx, userID)
		require.NoError(t, err)
		assert.Empty(t, pending, "not-found and already-cancelled both clear the row")
	})

	t.Run("unexpected provider errors keep the row for follow-up", func(t *testing.T) {
		t.Parallel()

		store := NewMemStore()
		gw := newStubGateway()
		gw.cancelErr["I-FLAKY"] = ErrProviderUnavailable
		c := NewUpgradeCoordinator(store, gw, time.Second, discardLogger())

		userID := uuid.New()
		require.NoError(t, c.Defer(ctx, userID, "I-FLAKY", PlanMonthly))
		require.NoError(t, c.Defer(ctx, userID, "I-FINE", PlanMonthly))

		sub := &Subscription{ID: uuid.New(), UserID: userID, RemoteID: "I-ANNUAL-1", PlanType: PlanAnnual}
		require.NoError(t, c.CleanupAfterPayment(ctx, sub), "one failing item must not abort the batch")

		pending, err := store.ListByUser(ctx, userID)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, "I-FLAKY", pending[0].RemoteID)
	})
}
