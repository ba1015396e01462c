package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		from    Status
		event   TransitionEvent
		want    Status
		wantErr bool
	}{
		{name: "trial converts on payment", from: StatusTrialing, event: EvPaymentCompleted, want: StatusActive},
		{name: "trial expires on deadline", from: StatusTrialing, event: EvTrialDeadline, want: StatusExpired},
		{name: "active suspends", from: StatusActive, event: EvRemoteSuspended, want: StatusSuspended},
		{name: "active cancels on user action", from: StatusActive, event: EvUserCancel, want: StatusCancelled},
		{name: "active cancels on full refund", from: StatusActive, event: EvPaymentRefundedFull, want: StatusCancelled},
		{name: "suspended recovers on payment", from: StatusSuspended, event: EvPaymentCompleted, want: StatusActive},
		{name: "suspended expires on deadline", from: StatusSuspended, event: EvTrialDeadline, want: StatusExpired},
		{name: "free revoked expires", from: StatusFree, event: EvAdminRevokeFree, want: StatusExpired},
		{name: "cancelled resurrects via new remote", from: StatusCancelled, event: EvRemoteCreated, want: StatusActive},
		{name: "expired resurrects via coupon", from: StatusExpired, event: EvCouponRedeemed, want: StatusTrialing},

		// Terminal stickiness: late activations and payments bounce off.
		{name: "cancelled rejects activation", from: StatusCancelled, event: EvRemoteActivated, wantErr: true},
		{name: "cancelled rejects payment", from: StatusCancelled, event: EvPaymentCompleted, wantErr: true},
		{name: "expired rejects suspension", from: StatusExpired, event: EvRemoteSuspended, wantErr: true},
		{name: "cancelled rejects user cancel", from: StatusCancelled, event: EvUserCancel, wantErr: true},
		{name: "free rejects trial deadline", from: StatusFree, event: EvTrialDeadline, wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := NextStatus(tt.from, tt.event)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, got, "failed transition must not move the status")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCanFire(t *testing.T) {
	t.Parallel()

	assert.True(t, CanFire(StatusActive, EvUserUpgrade))
	assert.True(t, CanFire(StatusTrialing, EvUserUpgrade))
	assert.False(t, CanFire(StatusSuspended, EvUserUpgrade))
	assert.False(t, CanFire(StatusCancelled, EvUserUpgrade))
}

func TestShouldIgnoreStale(t *testing.T) {
	t.Parallel()

	changedAt := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	sub := &Subscription{
		ID:              uuid.New(),
		Status:          StatusCancelled,
		StatusChangedAt: changedAt,
	}

	assert.True(t, ShouldIgnoreStale(sub, changedAt.Add(-time.Minute)),
		"event from before the cancellation must be dropped")
	assert.False(t, ShouldIgnoreStale(sub, changedAt.Add(time.Minute)),
		"newer events still go through the transition table")

	sub.Status = StatusActive
	assert.False(t, ShouldIgnoreStale(sub, changedAt.Add(-time.Minute)),
		"non-terminal states never discard by timestamp")
}
