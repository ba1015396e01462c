package notify

import (
	"context"
	"log/slog"

	"github.com/dorondv/project-management-tool-sub002/pkg/broadcast"
	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// BroadcastNotifier pushes billing events onto broadcast channels that
// connected clients subscribe to. Slow or absent subscribers drop messages;
// clients re-sync from the store on reconnect.
type BroadcastNotifier struct {
	statuses broadcast.Broadcaster[billing.StatusUpdate]
	payments broadcast.Broadcaster[billing.PaymentNotice]
	log      *slog.Logger
}

var _ billing.Notifier = (*BroadcastNotifier)(nil)

// NewBroadcastNotifier wires a broadcast-backed notifier.
func NewBroadcastNotifier(statuses broadcast.Broadcaster[billing.StatusUpdate], payments broadcast.Broadcaster[billing.PaymentNotice], log *slog.Logger) *BroadcastNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &BroadcastNotifier{statuses: statuses, payments: payments, log: log}
}

func (n *BroadcastNotifier) StatusUpdated(ctx context.Context, update billing.StatusUpdate) {
	n.pushStatus(ctx, update)
}

func (n *BroadcastNotifier) Cancelled(ctx context.Context, update billing.StatusUpdate) {
	n.pushStatus(ctx, update)
}

func (n *BroadcastNotifier) Renewed(ctx context.Context, update billing.StatusUpdate) {
	n.pushStatus(ctx, update)
}

func (n *BroadcastNotifier) PaymentConfirmed(ctx context.Context, notice billing.PaymentNotice) {
	n.pushPayment(ctx, notice)
}

func (n *BroadcastNotifier) PaymentFailed(ctx context.Context, notice billing.PaymentNotice) {
	n.pushPayment(ctx, notice)
}

func (n *BroadcastNotifier) pushStatus(ctx context.Context, update billing.StatusUpdate) {
	if n.statuses == nil {
		return
	}
	if err := n.statuses.Broadcast(ctx, broadcast.Message[billing.StatusUpdate]{Data: update}); err != nil {
		n.log.WarnContext(ctx, "failed to broadcast status update",
			logger.UserID(update.UserID), logger.Error(err))
	}
}

func (n *BroadcastNotifier) pushPayment(ctx context.Context, notice billing.PaymentNotice) {
	if n.payments == nil {
		return
	}
	if err := n.payments.Broadcast(ctx, broadcast.Message[billing.PaymentNotice]{Data: notice}); err != nil {
		n.log.WarnContext(ctx, "failed to broadcast payment notice",
			logger.UserID(notice.UserID), logger.Error(err))
	}
}
