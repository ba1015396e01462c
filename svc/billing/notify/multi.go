package notify

import (
	"context"

	"github.com/dorondv/project-management-tool-sub002/pkg/async"
	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// Multi fans every notification out to all wired notifiers. Each notifier
// runs on its own goroutine so a slow email provider never stalls webhook
// processing; notifications are best-effort and never awaited.
type Multi []billing.Notifier

var _ billing.Notifier = (Multi)(nil)

func (m Multi) StatusUpdated(ctx context.Context, update billing.StatusUpdate) {
	for _, n := range m {
		dispatch(ctx, update, n.StatusUpdated)
	}
}

func (m Multi) PaymentConfirmed(ctx context.Context, notice billing.PaymentNotice) {
	for _, n := range m {
		dispatch(ctx, notice, n.PaymentConfirmed)
	}
}

func (m Multi) PaymentFailed(ctx context.Context, notice billing.PaymentNotice) {
	for _, n := range m {
		dispatch(ctx, notice, n.PaymentFailed)
	}
}

func (m Multi) Cancelled(ctx context.Context, update billing.StatusUpdate) {
	for _, n := range m {
		dispatch(ctx, update, n.Cancelled)
	}
}

func (m Multi) Renewed(ctx context.Context, update billing.StatusUpdate) {
	for _, n := range m {
		dispatch(ctx, update, n.Renewed)
	}
}

// dispatch detaches the notification from the request context so an HTTP
// handler returning does not cancel an in-flight send.
func dispatch[T any](ctx context.Context, payload T, fn func(context.Context, T)) {
	_ = async.Async(context.WithoutCancel(ctx), payload, func(ctx context.Context, p T) (struct{}, error) {
		fn(ctx, p)
		return struct{}{}, nil
	})
}
