package billing

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestDeriveAccess(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(48 * time.Hour)
	past := now.Add(-48 * time.Hour)

	tests := []struct {
		name string
		sub  *Subscription
		want Access
	}{
		{
			name: "nil subscription has no access",
			sub:  nil,
			want: Access{DisplayStatus: StatusExpired},
		},
		{
			name: "suspension blocks everything",
			sub: &Subscription{
				Status: StatusSuspended, PlanType: PlanMonthly,
				RemoteID: "I-1", IsTrialCoupon: true, EndDate: &future,
			},
			want: Access{DisplayStatus: StatusSuspended},
		},
		{
			name: "valid trial coupon wins over stale remote id",
			sub: &Subscription{
				Status: StatusTrialing, PlanType: PlanTrial,
				RemoteID: "I-OLD", IsTrialCoupon: true, EndDate: &future,
			},
			want: Access{HasFullAccess: true, ExpiresAt: &future, DisplayStatus: StatusTrialing},
		},
		{
			name: "expired trial coupon denies access",
			sub: &Subscription{
				Status: StatusTrialing, PlanType: PlanTrial,
				IsTrialCoupon: true, EndDate: &past,
			},
			want: Access{ExpiresAt: &past, DisplayStatus: StatusExpired},
		},
		{
			name: "open-ended free grant never expires",
			sub: &Subscription{
				Status: StatusFree, PlanType: PlanFree, IsFreeAccess: true,
			},
			want: Access{HasFullAccess: true, DisplayStatus: StatusFree},
		},
		{
			name: "active paid subscription has access",
			sub: &Subscription{
				Status: StatusActive, PlanType: PlanMonthly,
				RemoteID: "I-1", EndDate: &future,
			},
			want: Access{HasFullAccess: true, ExpiresAt: &future, DisplayStatus: StatusActive},
		},
		{
			name: "active status without remote id is not a paid subscription",
			sub: &Subscription{
				Status: StatusActive, PlanType: PlanMonthly, EndDate: &future,
			},
			want: Access{ExpiresAt: &future, DisplayStatus: StatusActive},
		},
		{
			name: "cancelled paid subscription has no access",
			sub: &Subscription{
				Status: StatusCancelled, PlanType: PlanMonthly, RemoteID: "I-1",
			},
			want: Access{DisplayStatus: StatusCancelled},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DeriveAccess(tt.sub, now))
		})
	}
}

func TestDeriveUserFacingStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		sub        *Subscription
		hasHistory bool
		want       UserStatus
	}{
		{name: "nil is churned", sub: nil, want: UserStatusChurned},
		{
			name: "active remote with no payments is still a free trial",
			sub:  &Subscription{Status: StatusActive, PlanType: PlanMonthly, RemoteID: "I-1"},
			want: UserStatusFreeTrial,
		},
		{
			name:       "active remote with payments is paid",
			sub:        &Subscription{Status: StatusActive, PlanType: PlanMonthly, RemoteID: "I-1"},
			hasHistory: true,
			want:       UserStatusActivePaid,
		},
		{
			name: "admin grant reports free access",
			sub:  &Subscription{Status: StatusFree, PlanType: PlanFree, IsFreeAccess: true},
			want: UserStatusFreeAccess,
		},
		{
			name: "trialing reports free trial",
			sub:  &Subscription{Status: StatusTrialing, PlanType: PlanTrial},
			want: UserStatusFreeTrial,
		},
		{
			name:       "cancelled is churned even with history",
			sub:        &Subscription{Status: StatusCancelled, PlanType: PlanMonthly, RemoteID: "I-1"},
			hasHistory: true,
			want:       UserStatusChurned,
		},
		{
			name: "suspended is churned",
			sub:  &Subscription{Status: StatusSuspended, PlanType: PlanMonthly, RemoteID: "I-1"},
			want: UserStatusChurned,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DeriveUserFacingStatus(tt.sub, tt.hasHistory))
		})
	}
}

func TestIsTrialExpired_FallbackDeadline(t *testing.T) {
	t.Parallel()

	start := time.Date(2025, 4, 1, 9, 30, 0, 0, time.UTC)
	sub := &Subscription{
		ID:        uuid.New(),
		Status:    StatusActive,
		RemoteID:  "I-1",
		StartDate: start,
	}

	deadline := start.AddDate(0, 0, 5)

	assert.False(t, IsTrialExpired(sub, false, deadline, 5),
		"exactly at the deadline the trial is still alive")
	assert.True(t, IsTrialExpired(sub, false, deadline.Add(time.Second), 5))
	assert.False(t, IsTrialExpired(sub, true, deadline.Add(time.Hour), 5),
		"paid history means never trial-expired")

	// An explicit trial end date takes priority over the fallback.
	explicit := start.AddDate(0, 0, 14)
	sub.TrialEndsAt = &explicit
	assert.False(t, IsTrialExpired(sub, false, deadline.Add(time.Hour), 5))
	assert.True(t, IsTrialExpired(sub, false, explicit.Add(time.Second), 5))
}
