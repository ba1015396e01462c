package billing

import "errors"

var (
	// ErrNotFound is returned when a local or remote entity does not exist.
	ErrNotFound = errors.New("billing: not found")

	// ErrConflict is returned on uniqueness violations: duplicate provider
	// event ids, duplicate remote transaction ids, duplicate coupon codes.
	ErrConflict = errors.New("billing: conflict")

	// ErrInvalidTransition is returned when an action is not permitted from
	// the current subscription state, locally or at the provider. It is a
	// business conflict, not a transient failure, and must not be retried.
	ErrInvalidTransition = errors.New("billing: invalid state transition")

	// ErrProviderUnavailable wraps network failures and provider 5xx
	// responses. Retryable.
	ErrProviderUnavailable = errors.New("billing: payment provider unavailable")

	// ErrCredentialsMissing is returned when provider client credentials are
	// not configured.
	ErrCredentialsMissing = errors.New("billing: provider credentials missing")

	// ErrAuthFailure is returned when the provider rejects a token request.
	ErrAuthFailure = errors.New("billing: provider authentication failed")

	// ErrRefundWindowExpired is returned when a refund is requested for a
	// payment older than the provider-side refund window. No provider call
	// is attempted.
	ErrRefundWindowExpired = errors.New("billing: refund window expired")

	// ErrSubscriptionExists is returned when creating a subscription for a
	// user who already has one.
	ErrSubscriptionExists = errors.New("billing: subscription already exists for user")

	// Coupon redemption failures.
	ErrCouponNotFound  = errors.New("billing: coupon not found")
	ErrCouponInactive  = errors.New("billing: coupon is not active")
	ErrCouponExpired   = errors.New("billing: coupon validity window has passed")
	ErrCouponExhausted = errors.New("billing: coupon has no remaining uses")
)
