package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
)

// UpgradeCoordinator manages monthly-to-annual transitions without double
// billing. The superseded monthly remote subscription is NOT cancelled when
// the user upgrades: it is parked as a pending cancellation and torn down
// only after the annual subscription's first payment is confirmed. If that
// payment never clears, the user keeps the monthly coverage they are paying
// for.
type UpgradeCoordinator struct {
	pending PendingCancellationStore
	gateway Gateway
	log     *slog.Logger

	// callTimeout bounds each remote cancellation so one hanging provider
	// call cannot stall the webhook worker.
	callTimeout time.Duration
}

// NewUpgradeCoordinator wires the coordinator.
func NewUpgradeCoordinator(pending PendingCancellationStore, gateway Gateway, callTimeout time.Duration, log *slog.Logger) *UpgradeCoordinator {
	if callTimeout <= 0 {
		callTimeout = 10 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &UpgradeCoordinator{
		pending:     pending,
		gateway:     gateway,
		log:         log,
		callTimeout: callTimeout,
	}
}

// Defer records that remoteID is superseded and must be cancelled once the
// replacement subscription's first payment clears.
func (c *UpgradeCoordinator) Defer(ctx context.Context, userID uuid.UUID, remoteID string, plan PlanType) error {
	return c.pending.Add(ctx, &PendingCancellation{
		ID:        uuid.New(),
		UserID:    userID,
		RemoteID:  remoteID,
		PlanType:  plan,
		CreatedAt: time.Now().UTC(),
	})
}

// CleanupAfterPayment cancels every parked remote subscription for the
// upgraded user. Provider responses meaning "already gone" (not found,
// already cancelled, state not permitting cancellation) count as success.
// Unexpected provider errors are logged and the pending row kept for manual
// follow-up; they are deliberately not retried inline, and one failure does
// not abort the remaining items.
func (c *UpgradeCoordinator) CleanupAfterPayment(ctx context.Context, sub *Subscription) error {
	items, err := c.pending.ListByUser(ctx, sub.UserID)
	if err != nil {
		return err
	}

	for _, item := range items {
		if item.RemoteID == sub.RemoteID {
			// Never cancel the subscription whose payment just confirmed.
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
		err := c.gateway.Cancel(callCtx, item.RemoteID, "superseded by annual plan")
		cancel()

		switch {
		case err == nil,
			errors.Is(err, ErrNotFound),
			errors.Is(err, ErrInvalidTransition):
			// Cancelled now, or already gone at the provider.
			if err != nil {
				c.log.InfoContext(ctx, "superseded remote subscription already gone",
					logger.RemoteID(item.RemoteID), logger.UserID(item.UserID))
			}
			if rmErr := c.pending.Remove(ctx, item.ID); rmErr != nil {
				c.log.ErrorContext(ctx, "failed to remove pending cancellation",
					logger.RemoteID(item.RemoteID), logger.Error(rmErr))
			}
		default:
			c.log.ErrorContext(ctx, "failed to cancel superseded remote subscription, keeping for manual follow-up",
				logger.RemoteID(item.RemoteID), logger.UserID(item.UserID), logger.Error(err))
		}
	}

	return nil
}
