package billing

import "time"

// DeriveAccess computes the access decision for a subscription at a point in
// time. It is pure: no I/O, no clock reads, fully determined by arguments.
//
// Precedence: suspension blocks everything; trial-coupon and free-access
// grants are evaluated before remote/paid checks, because a user can hold a
// stale remote id from a previous paid plan alongside a currently valid
// trial coupon - the coupon wins until it expires.
func DeriveAccess(sub *Subscription, now time.Time) Access {
	if sub == nil {
		return Access{DisplayStatus: StatusExpired}
	}

	if sub.Status == StatusSuspended {
		return Access{DisplayStatus: StatusSuspended}
	}

	if sub.IsTrialCoupon || sub.IsFreeAccess || sub.PlanType == PlanFree || sub.PlanType == PlanTrial {
		// A cancelled or revoked grant keeps its free plan type; the terminal
		// status decides.
		if sub.Status.IsTerminal() {
			return Access{ExpiresAt: sub.EndDate, DisplayStatus: sub.Status}
		}
		// No end date means an explicit open-ended grant.
		if sub.EndDate == nil {
			return Access{HasFullAccess: true, DisplayStatus: sub.Status}
		}
		if now.Before(*sub.EndDate) {
			return Access{HasFullAccess: true, ExpiresAt: sub.EndDate, DisplayStatus: sub.Status}
		}
		return Access{ExpiresAt: sub.EndDate, DisplayStatus: StatusExpired}
	}

	if sub.Status == StatusActive && sub.HasRemote() {
		return Access{HasFullAccess: true, ExpiresAt: sub.EndDate, DisplayStatus: StatusActive}
	}

	return Access{ExpiresAt: sub.EndDate, DisplayStatus: sub.Status}
}

// DeriveUserFacingStatus classifies a subscription for display and reporting.
//
// The critical case: status=active with a remote id but zero billing-history
// rows means the remote subscription is still inside its provider-side trial
// window. It must be reported as a free trial, not as a paying user, even
// though the stored status says active.
func DeriveUserFacingStatus(sub *Subscription, hasBillingHistory bool) UserStatus {
	if sub == nil {
		return UserStatusChurned
	}

	if sub.IsFreeAccess || sub.PlanType == PlanFree {
		return UserStatusFreeAccess
	}

	switch sub.Status {
	case StatusActive:
		if sub.HasRemote() && !hasBillingHistory {
			return UserStatusFreeTrial
		}
		if sub.HasRemote() {
			return UserStatusActivePaid
		}
		return UserStatusFreeAccess
	case StatusTrialing, StatusFree:
		return UserStatusFreeTrial
	default: // suspended, cancelled, expired
		return UserStatusChurned
	}
}

// IsTrialExpired reports whether a subscription's trial window has closed
// without converting. A subscription with any paid billing history is never
// trial-expired. fallbackDays applies when the provider never surfaced a
// trial end date (see Subscription.TrialDeadline).
func IsTrialExpired(sub *Subscription, hasPaidHistory bool, now time.Time, fallbackDays int) bool {
	if sub == nil || hasPaidHistory {
		return false
	}
	return now.After(sub.TrialDeadline(fallbackDays))
}
