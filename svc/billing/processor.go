package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
)

// Processor drives the subscription state machine from persisted webhook
// events. Every handler is idempotent: redelivered or replayed events
// converge to the same final state, and per-event failures are recorded on
// the event row without affecting other events.
type Processor struct {
	subs     SubscriptionStore
	ledger   BillingHistoryStore
	upgrades *UpgradeCoordinator
	notifier Notifier
	log      *slog.Logger

	// fallbackTrialDays approximates the trial window when the provider
	// never surfaced a trial end date.
	fallbackTrialDays int

	now func() time.Time
}

// NewProcessor wires a webhook event processor. The upgrade coordinator is
// optional; without it annual payment events skip the deferred-cancellation
// cleanup step.
func NewProcessor(subs SubscriptionStore, ledger BillingHistoryStore, upgrades *UpgradeCoordinator, notifier Notifier, fallbackTrialDays int, log *slog.Logger) *Processor {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		subs:              subs,
		ledger:            ledger,
		upgrades:          upgrades,
		notifier:          notifier,
		fallbackTrialDays: fallbackTrialDays,
		log:               log,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

// Process dispatches one event to its handler. Unknown event types are
// ignored successfully so new provider event kinds never wedge the queue.
func (p *Processor) Process(ctx context.Context, event *WebhookEvent) error {
	switch event.Type {
	case EventSubscriptionCreated:
		return p.handleSubscriptionCreated(ctx, event)
	case EventSubscriptionCancelled:
		return p.handleStatusMapping(ctx, event, EvRemoteCancelled)
	case EventSubscriptionExpired:
		return p.handleStatusMapping(ctx, event, EvRemoteExpired)
	case EventSubscriptionActivated:
		return p.handleStatusMapping(ctx, event, EvRemoteActivated)
	case EventSubscriptionSuspended:
		return p.handleSubscriptionSuspended(ctx, event)
	case EventPaymentCompleted:
		return p.handlePaymentCompleted(ctx, event)
	case EventPaymentDenied:
		return p.handlePaymentDenied(ctx, event)
	case EventPaymentRefunded:
		return p.handlePaymentRefunded(ctx, event)
	default:
		p.log.InfoContext(ctx, "ignoring unhandled webhook event type",
			logger.EventType(string(event.Type)), logger.EventID(event.ProviderEventID))
		return nil
	}
}

// handleSubscriptionCreated activates a subscription that already references
// the remote id. First association happens through the linking API call, not
// the webhook, so an unknown remote id is a logged no-op.
func (p *Processor) handleSubscriptionCreated(ctx context.Context, event *WebhookEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	sub, err := p.subs.GetByRemoteID(ctx, payload.RemoteSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.InfoContext(ctx, "created event for unlinked remote subscription, skipping",
			logger.RemoteID(payload.RemoteSubscriptionID), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	if payload.TrialEndsAt != nil && sub.TrialEndsAt == nil {
		sub.TrialEndsAt = payload.TrialEndsAt
		if err := p.subs.Update(ctx, sub); err != nil {
			return err
		}
	}

	return p.transitionAndNotify(ctx, sub, EvRemoteCreated, event)
}

// handleStatusMapping covers cancelled/expired/activated: a direct mapping by
// remote id lookup, no-op when the subscription is unknown.
func (p *Processor) handleStatusMapping(ctx context.Context, event *WebhookEvent, tev TransitionEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	sub, err := p.subs.GetByRemoteID(ctx, payload.RemoteSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.WarnContext(ctx, "webhook event for unknown remote subscription",
			logger.RemoteID(payload.RemoteSubscriptionID),
			logger.EventType(string(event.Type)), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	return p.transitionAndNotify(ctx, sub, tev, event)
}

// handleSubscriptionSuspended distinguishes a trial that silently failed to
// convert from a genuine payment-method failure after a real billing cycle.
func (p *Processor) handleSubscriptionSuspended(ctx context.Context, event *WebhookEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	sub, err := p.subs.GetByRemoteID(ctx, payload.RemoteSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.WarnContext(ctx, "suspension event for unknown remote subscription",
			logger.RemoteID(payload.RemoteSubscriptionID), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	hasPaid, err := p.ledger.HasPaid(ctx, sub.ID)
	if err != nil {
		return err
	}

	tev := EvRemoteSuspended
	if !hasPaid && p.now().After(sub.TrialDeadline(p.fallbackTrialDays)) {
		// Trial window has passed with no payment: the suspension is the
		// provider giving up on conversion, not a billing failure.
		tev = EvTrialDeadline
	}

	return p.transitionAndNotify(ctx, sub, tev, event)
}

// handlePaymentCompleted appends a paid ledger row (idempotent via unique
// remote transaction id), advances the renewal date one billing period, and
// for annual plans triggers the upgrade coordinator's deferred cleanup.
func (p *Processor) handlePaymentCompleted(ctx context.Context, event *WebhookEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	sub, err := p.subs.GetByRemoteID(ctx, payload.RemoteSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.WarnContext(ctx, "payment for unknown remote subscription",
			logger.RemoteID(payload.RemoteSubscriptionID), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	entry := &BillingEntry{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		InvoiceNumber:  payload.InvoiceNumber,
		RemoteTxnID:    payload.RemoteTxnID,
		RemoteSaleID:   payload.RemoteSaleID,
		Amount:         Money{Amount: payload.Amount, Currency: payload.Currency},
		Status:         EntryPaid,
		PaidAt:         event.OccurredAt,
		InvoiceURL:     payload.InvoiceURL,
		CreatedAt:      p.now(),
	}

	replayed := false
	if err := p.ledger.Append(ctx, entry); err != nil {
		if !errors.Is(err, ErrConflict) {
			return err
		}
		// Replay of an already-ingested charge. The remaining steps still
		// run: a previous attempt may have recorded the ledger row and then
		// failed before advancing the renewal date or applying the
		// transition, and each step below converges on its own.
		replayed = true
		p.log.InfoContext(ctx, "duplicate payment event, already recorded",
			slog.String("remote_txn_id", payload.RemoteTxnID), logger.EventID(event.ProviderEventID))
	}

	renewal := nextRenewalDate(sub, payload, event.OccurredAt)
	if replayed {
		// On replay the floor is derived from the payment time alone so one
		// charge can never advance the paid-through date twice.
		renewal = renewalFrom(sub.PlanType, payload, event.OccurredAt)
	}
	if sub.EndDate == nil || sub.EndDate.Before(renewal) {
		sub.EndDate = &renewal
		if err := p.subs.Update(ctx, sub); err != nil {
			return err
		}
	}

	if err := p.transitionAndNotify(ctx, sub, EvPaymentCompleted, event); err != nil {
		return err
	}

	if !replayed {
		p.notifier.PaymentConfirmed(ctx, PaymentNotice{
			UserID:         sub.UserID,
			SubscriptionID: sub.ID,
			Amount:         entry.Amount,
			InvoiceNumber:  entry.InvoiceNumber,
		})
		p.notifier.Renewed(ctx, statusUpdate(sub))
	}

	// An annual payment clearing is the signal that any superseded monthly
	// subscription can now be cancelled remotely without a coverage gap.
	if sub.PlanType == PlanAnnual && p.upgrades != nil {
		if err := p.upgrades.CleanupAfterPayment(ctx, sub); err != nil {
			// Cleanup failures are logged for manual follow-up; the payment
			// itself is fully recorded and must not be retried.
			p.log.ErrorContext(ctx, "upgrade cleanup after annual payment failed",
				logger.Error(err), logger.UserID(sub.UserID), logger.SubscriptionID(sub.ID))
		}
	}

	return nil
}

// handlePaymentDenied appends a failed ledger row without touching the
// status; the provider independently emits a suspension when its retries are
// exhausted.
func (p *Processor) handlePaymentDenied(ctx context.Context, event *WebhookEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	sub, err := p.subs.GetByRemoteID(ctx, payload.RemoteSubscriptionID)
	if errors.Is(err, ErrNotFound) {
		p.log.WarnContext(ctx, "denied payment for unknown remote subscription",
			logger.RemoteID(payload.RemoteSubscriptionID), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	entry := &BillingEntry{
		ID:             uuid.New(),
		SubscriptionID: sub.ID,
		InvoiceNumber:  payload.InvoiceNumber,
		RemoteTxnID:    payload.RemoteTxnID,
		RemoteSaleID:   payload.RemoteSaleID,
		Amount:         Money{Amount: payload.Amount, Currency: payload.Currency},
		Status:         EntryFailed,
		PaidAt:         event.OccurredAt,
		CreatedAt:      p.now(),
	}
	if err := p.ledger.Append(ctx, entry); err != nil && !errors.Is(err, ErrConflict) {
		return err
	}

	p.notifier.PaymentFailed(ctx, PaymentNotice{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         entry.Amount,
		InvoiceNumber:  entry.InvoiceNumber,
	})
	return nil
}

// handlePaymentRefunded updates the matching ledger row's refund fields and
// cancels the subscription when the refund covers the full charge.
func (p *Processor) handlePaymentRefunded(ctx context.Context, event *WebhookEvent) error {
	payload, err := event.ParsePayload()
	if err != nil {
		return err
	}

	entry, err := p.ledger.UpdateRefund(ctx, payload.RemoteTxnID, payload.RefundedAmount, payload.RefundReason, event.OccurredAt)
	if errors.Is(err, ErrNotFound) {
		p.log.WarnContext(ctx, "refund for unknown transaction",
			slog.String("remote_txn_id", payload.RemoteTxnID), logger.EventID(event.ProviderEventID))
		return nil
	}
	if err != nil {
		return err
	}

	if !entry.FullyRefunded() {
		return nil
	}

	sub, err := p.subs.GetByID(ctx, entry.SubscriptionID)
	if err != nil {
		return err
	}
	return p.transitionAndNotify(ctx, sub, EvPaymentRefundedFull, event)
}

// transitionAndNotify applies a state-machine event with compare-and-set
// semantics and emits the matching notification. Out-of-order deliveries
// against terminal states and transitions the table rejects are logged
// no-ops: webhook processing must converge, not fail.
func (p *Processor) transitionAndNotify(ctx context.Context, sub *Subscription, tev TransitionEvent, event *WebhookEvent) error {
	if ShouldIgnoreStale(sub, event.OccurredAt) {
		p.log.InfoContext(ctx, "ignoring stale event against terminal status",
			logger.SubscriptionID(sub.ID), slog.String("status", string(sub.Status)),
			logger.EventType(string(event.Type)), logger.EventID(event.ProviderEventID))
		return nil
	}

	updated, changed, err := applyTransition(ctx, p.subs, sub, tev, event.OccurredAt)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			p.log.InfoContext(ctx, "transition not applicable, converged",
				logger.SubscriptionID(sub.ID), slog.String("status", string(sub.Status)),
				slog.String("transition_event", string(tev)))
			return nil
		}
		return err
	}
	if !changed {
		return nil
	}

	update := statusUpdate(updated)
	p.notifier.StatusUpdated(ctx, update)
	if updated.Status == StatusCancelled {
		p.notifier.Cancelled(ctx, update)
	}
	return nil
}

// applyTransition computes the next status and writes it with compare-and-set,
// re-reading and retrying when a concurrent writer moved the row first. Shared
// by the processor, the sweeper and the service so a stale in-memory status
// can never clobber a just-applied transition.
func applyTransition(ctx context.Context, store SubscriptionStore, sub *Subscription, tev TransitionEvent, at time.Time) (*Subscription, bool, error) {
	const maxAttempts = 3

	current := sub
	for attempt := 0; attempt < maxAttempts; attempt++ {
		next, err := NextStatus(current.Status, tev)
		if err != nil {
			return current, false, err
		}
		if next == current.Status {
			return current, false, nil
		}

		ok, err := store.CompareAndSetStatus(ctx, current.ID, current.Status, next, at)
		if err != nil {
			return current, false, err
		}
		if ok {
			current.Status = next
			current.StatusChangedAt = at
			return current, true, nil
		}

		// Lost the race; reload and re-derive against the fresh status.
		current, err = store.GetByID(ctx, current.ID)
		if err != nil {
			return nil, false, err
		}
	}

	return current, false, nil
}

func statusUpdate(sub *Subscription) StatusUpdate {
	return StatusUpdate{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Status:         sub.Status,
		PlanType:       sub.PlanType,
	}
}

// nextRenewalDate advances the paid-through date one billing period. An early
// payment extends from the current paid-through date, not the payment time.
func nextRenewalDate(sub *Subscription, payload EventPayload, paidAt time.Time) time.Time {
	base := paidAt
	if sub.EndDate != nil && sub.EndDate.After(paidAt) {
		base = *sub.EndDate
	}
	return renewalFrom(sub.PlanType, payload, base)
}

// renewalFrom adds one billing period to base, trusting the provider's
// next-billing timestamp when it is present.
func renewalFrom(planType PlanType, payload EventPayload, base time.Time) time.Time {
	if payload.NextBillingAt != nil {
		return *payload.NextBillingAt
	}
	if planType == PlanAnnual {
		return base.AddDate(1, 0, 0)
	}
	return base.AddDate(0, 1, 0)
}
