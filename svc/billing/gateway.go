package billing

import (
	"context"
	"net/http"
)

// Gateway abstracts the remote payment provider. Implementations perform
// network calls only and must be safe for concurrent use; all local
// persistence stays in the stores.
//
// Error contract: transport failures and provider 5xx map to
// ErrProviderUnavailable; a 4xx meaning the remote subscription is not in a
// state permitting the action (e.g. reactivating a cancelled subscription)
// maps to ErrInvalidTransition; missing remotes map to ErrNotFound.
type Gateway interface {
	// GetSubscription fetches the provider's current snapshot of a remote
	// subscription.
	GetSubscription(ctx context.Context, remoteID string) (*RemoteSubscription, error)

	// Cancel terminates the remote subscription. Irreversible at the provider.
	Cancel(ctx context.Context, remoteID, reason string) error

	// Suspend pauses billing for the remote subscription.
	Suspend(ctx context.Context, remoteID, reason string) error

	// Reactivate resumes a suspended remote subscription. Only suspended
	// remotes may be reactivated; the provider rejects cancelled ones, which
	// surfaces as ErrInvalidTransition.
	Reactivate(ctx context.Context, remoteID, reason string) error

	// Refund refunds a captured payment, partially when amount is less than
	// the original charge. Callers enforce the provider's refund window
	// before invoking this.
	Refund(ctx context.Context, captureID string, amount Money, reason string) error

	// VerifyWebhookSignature checks the provider signature on an inbound
	// callback. When no signing secret is configured it returns true and the
	// implementation logs a warning: fail-open by explicit operator
	// configuration, never by omission.
	VerifyWebhookSignature(header http.Header, body []byte) bool
}
