package billing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemStore_ClaimUnprocessed_LeasesEvents(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()

	event := makeEvent(t, EventPaymentCompleted, EventPayload{
		RemoteSubscriptionID: "I-LEASE",
		RemoteTxnID:          "TXN-LEASE",
		InvoiceNumber:        "INV-LEASE",
	}, time.Now().UTC())
	require.NoError(t, store.Insert(ctx, event))

	claimed, err := store.ClaimUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// While the lease holds, neither a second claimer nor a peek sees it.
	again, err := store.ClaimUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "in-flight event handed out twice")

	peeked, err := store.ClaimUnprocessed(ctx, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, peeked)

	// A recorded failure releases the lease for an immediate retry.
	require.NoError(t, store.MarkFailed(ctx, event.ID, "handler blew up"))

	reclaimed, err := store.ClaimUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	assert.Equal(t, "handler blew up", reclaimed[0].Error)

	// Completion retires the event for good.
	require.NoError(t, store.MarkProcessed(ctx, event.ID, time.Now().UTC()))

	final, err := store.ClaimUnprocessed(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, final)
}

func TestMemStore_ClaimUnprocessed_ExpiredLeaseIsReclaimable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := NewMemStore()

	event := makeEvent(t, EventPaymentCompleted, EventPayload{
		RemoteSubscriptionID: "I-EXPIRED-LEASE",
		RemoteTxnID:          "TXN-EXPIRED-LEASE",
		InvoiceNumber:        "INV-EXPIRED-LEASE",
	}, time.Now().UTC())
	require.NoError(t, store.Insert(ctx, event))

	claimed, err := store.ClaimUnprocessed(ctx, 10, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// A worker that died mid-flight must not strand its events.
	require.Eventually(t, func() bool {
		got, err := store.ClaimUnprocessed(ctx, 10, time.Minute)
		return err == nil && len(got) == 1
	}, time.Second, 5*time.Millisecond, "expired lease becomes claimable again")
}
