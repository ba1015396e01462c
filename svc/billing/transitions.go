package billing

import (
	"fmt"
	"time"
)

// TransitionEvent is an input to the subscription state machine. Webhook
// handlers, the trial sweeper and direct user/admin actions all funnel
// through the same table so the decision logic cannot drift between callers.
type TransitionEvent string

const (
	EvRemoteCreated       TransitionEvent = "remote-created"
	EvRemoteCancelled     TransitionEvent = "remote-cancelled"
	EvRemoteExpired       TransitionEvent = "remote-expired"
	EvRemoteActivated     TransitionEvent = "remote-activated"
	EvRemoteSuspended     TransitionEvent = "remote-suspended"
	EvPaymentCompleted    TransitionEvent = "payment-completed"
	EvPaymentRefundedFull TransitionEvent = "payment-refunded-full"
	EvAdminGrantFree      TransitionEvent = "admin-grant-free"
	EvAdminRevokeFree     TransitionEvent = "admin-revoke-free"
	EvCouponRedeemed      TransitionEvent = "coupon-redeemed"
	EvTrialDeadline       TransitionEvent = "trial-deadline-passed"
	EvUserCancel          TransitionEvent = "user-cancel"
	EvUserUpgrade         TransitionEvent = "user-upgrade"
)

type transition struct {
	from  Status
	event TransitionEvent
}

// transitionTable maps (current status, event) to the next status. Absent
// combinations are invalid transitions. Terminal states (cancelled, expired)
// only leave via explicit re-subscription paths: a new remote subscription,
// a coupon redemption, or an admin grant.
var transitionTable = map[transition]Status{
	// Fresh or trialing subscriptions.
	{StatusTrialing, EvRemoteCreated}:    StatusActive,
	{StatusTrialing, EvPaymentCompleted}: StatusActive,
	{StatusTrialing, EvRemoteActivated}:  StatusActive,
	{StatusTrialing, EvRemoteCancelled}:  StatusCancelled,
	{StatusTrialing, EvRemoteExpired}:    StatusExpired,
	{StatusTrialing, EvRemoteSuspended}:  StatusSuspended,
	{StatusTrialing, EvTrialDeadline}:    StatusExpired,
	{StatusTrialing, EvUserCancel}:       StatusCancelled,
	{StatusTrialing, EvUserUpgrade}:      StatusTrialing,
	{StatusTrialing, EvAdminGrantFree}:   StatusFree,

	// Active subscriptions.
	{StatusActive, EvRemoteCreated}:       StatusActive, // duplicate create, no-op
	{StatusActive, EvRemoteActivated}:     StatusActive,
	{StatusActive, EvPaymentCompleted}:    StatusActive,
	{StatusActive, EvRemoteCancelled}:     StatusCancelled,
	{StatusActive, EvRemoteExpired}:       StatusExpired,
	{StatusActive, EvRemoteSuspended}:     StatusSuspended,
	{StatusActive, EvTrialDeadline}:       StatusExpired, // trial never converted
	{StatusActive, EvUserCancel}:          StatusCancelled,
	{StatusActive, EvUserUpgrade}:         StatusActive,
	{StatusActive, EvPaymentRefundedFull}: StatusCancelled,
	{StatusActive, EvAdminGrantFree}:      StatusFree,

	// Suspended subscriptions: payment recovery or final teardown.
	{StatusSuspended, EvRemoteActivated}:  StatusActive,
	{StatusSuspended, EvPaymentCompleted}: StatusActive,
	{StatusSuspended, EvRemoteCancelled}:  StatusCancelled,
	{StatusSuspended, EvRemoteExpired}:    StatusExpired,
	{StatusSuspended, EvTrialDeadline}:    StatusExpired,
	{StatusSuspended, EvUserCancel}:       StatusCancelled,
	{StatusSuspended, EvAdminGrantFree}:   StatusFree,

	// Free-access grants.
	{StatusFree, EvAdminRevokeFree}: StatusExpired,
	{StatusFree, EvRemoteCreated}:   StatusActive,
	{StatusFree, EvCouponRedeemed}:  StatusTrialing,
	{StatusFree, EvUserCancel}:      StatusCancelled,

	// Terminal states: only explicit re-subscription paths lead out.
	{StatusCancelled, EvRemoteCreated}:  StatusActive,
	{StatusCancelled, EvCouponRedeemed}: StatusTrialing,
	{StatusCancelled, EvAdminGrantFree}: StatusFree,
	{StatusExpired, EvRemoteCreated}:    StatusActive,
	{StatusExpired, EvCouponRedeemed}:   StatusTrialing,
	{StatusExpired, EvAdminGrantFree}:   StatusFree,
}

// NextStatus computes the state the machine moves to when event fires from
// current. Returns ErrInvalidTransition for combinations the table does not
// permit; callers decide whether that is a hard failure (user actions) or a
// logged no-op (out-of-order webhook delivery).
func NextStatus(current Status, event TransitionEvent) (Status, error) {
	next, ok := transitionTable[transition{from: current, event: event}]
	if !ok {
		return current, fmt.Errorf("%w: %s does not accept %s", ErrInvalidTransition, current, event)
	}
	return next, nil
}

// CanFire reports whether event is accepted from current.
func CanFire(current Status, event TransitionEvent) bool {
	_, ok := transitionTable[transition{from: current, event: event}]
	return ok
}

// ShouldIgnoreStale implements the ordering defense for out-of-order webhook
// delivery: once a subscription has reached a terminal state, events that
// occurred before the terminal transition are discarded rather than applied.
// Non-terminal states re-derive on every event, so staleness is harmless there.
func ShouldIgnoreStale(sub *Subscription, occurredAt time.Time) bool {
	if sub == nil {
		return false
	}
	return sub.Status.IsTerminal() && occurredAt.Before(sub.StatusChangedAt)
}
