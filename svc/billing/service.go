package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
)

// ServiceConfig carries the business-rule knobs for subscription management.
type ServiceConfig struct {
	TrialFallbackDays int           `env:"TRIAL_FALLBACK_DAYS" envDefault:"5"`      // TrialFallbackDays approximates a trial window the provider never reported.
	RefundWindow      time.Duration `env:"BILLING_REFUND_WINDOW" envDefault:"4320h"` // RefundWindow is the provider-side refund limit (180 days).
}

// Service is the user/admin-facing entry point for subscription management.
// All state decisions go through the pure functions in access.go and
// transitions.go; the service sequences store and gateway calls around them.
//
// Propagation policy: local state is updated first and remote failures are
// logged for reconciliation rather than rolled back. Blocking a user on a
// slow provider is worse than a temporary local/remote disagreement the
// sweeper or the next webhook will converge.
type Service struct {
	plans    map[string]Plan
	store    Store
	gateway  Gateway
	notifier Notifier
	upgrades *UpgradeCoordinator
	cfg      ServiceConfig
	log      *slog.Logger
	now      func() time.Time
}

// NewService creates the billing service. Panics if required dependencies
// are nil to fail fast during initialization.
func NewService(ctx context.Context, src PlansListSource, store Store, gateway Gateway, upgrades *UpgradeCoordinator, notifier Notifier, cfg ServiceConfig, log *slog.Logger) (*Service, error) {
	if src == nil {
		panic("billing: PlansListSource is required")
	}
	if store == nil {
		panic("billing: Store is required")
	}
	if gateway == nil {
		panic("billing: Gateway is required")
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.TrialFallbackDays <= 0 {
		cfg.TrialFallbackDays = 5
	}
	if cfg.RefundWindow <= 0 {
		cfg.RefundWindow = 180 * 24 * time.Hour
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := ValidatePlans(plans); err != nil {
		return nil, err
	}

	return &Service{
		plans:    plans,
		store:    store,
		gateway:  gateway,
		notifier: notifier,
		upgrades: upgrades,
		cfg:      cfg,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// GetSubscription returns the user's subscription record.
func (s *Service) GetSubscription(ctx context.Context, userID uuid.UUID) (*Subscription, error) {
	return s.store.GetByUserID(ctx, userID)
}

// GetAccess computes the access decision for a user. A missing subscription
// yields no access rather than an error so gating call sites stay simple.
func (s *Service) GetAccess(ctx context.Context, userID uuid.UUID) (Access, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return Access{DisplayStatus: StatusExpired}, nil
	}
	if err != nil {
		return Access{}, err
	}
	return DeriveAccess(sub, s.now()), nil
}

// GetUserStatus classifies the user for display and reporting.
func (s *Service) GetUserStatus(ctx context.Context, userID uuid.UUID) (UserStatus, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return UserStatusChurned, nil
	}
	if err != nil {
		return "", err
	}

	entries, err := s.store.ListBySubscription(ctx, sub.ID)
	if err != nil {
		return "", err
	}
	return DeriveUserFacingStatus(sub, len(entries) > 0), nil
}

// Subscribe creates the user's subscription on first plan selection. For
// paid plans remoteID links the provider subscription created at checkout;
// trial and free plans carry no remote.
func (s *Service) Subscribe(ctx context.Context, userID uuid.UUID, planID, remoteID string) (*Subscription, error) {
	plan, ok := s.plans[planID]
	if !ok {
		return nil, ErrPlanNotFound
	}

	if _, err := s.store.GetByUserID(ctx, userID); err == nil {
		return nil, ErrSubscriptionExists
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := s.now()
	sub := &Subscription{
		ID:              uuid.New(),
		UserID:          userID,
		PlanType:        plan.PlanType,
		RemotePlanID:    plan.RemotePlanID,
		Price:           plan.Price,
		StartDate:       now,
		StatusChangedAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch plan.PlanType {
	case PlanFree:
		sub.Status = StatusFree
	case PlanTrial:
		sub.Status = StatusTrialing
		end := plan.TrialEndsAt(now)
		sub.EndDate = &end
	default:
		sub.RemoteID = remoteID
		sub.Status = StatusActive
		if plan.TrialDays > 0 {
			trialEnd := plan.TrialEndsAt(now)
			sub.TrialEndsAt = &trialEnd
		}
	}

	if err := s.store.Create(ctx, sub); err != nil {
		return nil, err
	}

	s.notifier.StatusUpdated(ctx, statusUpdate(sub))
	return sub, nil
}

// Cancel ends the user's subscription. The stored state is checked before
// any provider call: cancelling an already-cancelled subscription is an
// invalid transition and no remote call is attempted. The local transition
// applies first; a remote failure is logged for reconciliation, not rolled
// back.
func (s *Service) Cancel(ctx context.Context, userID uuid.UUID, reason string) (*Subscription, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub.Status == StatusCancelled {
		return nil, fmt.Errorf("%w: subscription is already cancelled; only trialing, active, suspended or free subscriptions can be cancelled", ErrInvalidTransition)
	}

	updated, changed, err := applyTransition(ctx, s.store, sub, EvUserCancel, s.now())
	if err != nil {
		return nil, err
	}

	if updated.HasRemote() {
		if err := s.gateway.Cancel(ctx, updated.RemoteID, reason); err != nil {
			switch {
			case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
				// Already gone at the provider; local and remote now agree.
			default:
				s.log.ErrorContext(ctx, "remote cancel failed after local cancellation, flagged for reconciliation",
					logger.UserID(userID), logger.RemoteID(updated.RemoteID), logger.Error(err))
			}
		}
	}

	if changed {
		s.notifier.Cancelled(ctx, statusUpdate(updated))
	}
	return updated, nil
}

// Suspend pauses the subscription, typically for payment disputes handled by
// support. Local transition first, remote suspension best-effort.
func (s *Service) Suspend(ctx context.Context, userID uuid.UUID, reason string) (*Subscription, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if !CanFire(sub.Status, EvRemoteSuspended) {
		return nil, fmt.Errorf("%w: only trialing or active subscriptions can be suspended (current: %s)", ErrInvalidTransition, sub.Status)
	}

	updated, changed, err := applyTransition(ctx, s.store, sub, EvRemoteSuspended, s.now())
	if err != nil {
		return nil, err
	}

	if updated.HasRemote() {
		if err := s.gateway.Suspend(ctx, updated.RemoteID, reason); err != nil && !errors.Is(err, ErrInvalidTransition) {
			s.log.ErrorContext(ctx, "remote suspend failed after local suspension, flagged for reconciliation",
				logger.UserID(userID), logger.RemoteID(updated.RemoteID), logger.Error(err))
		}
	}

	if changed {
		s.notifier.StatusUpdated(ctx, statusUpdate(updated))
	}
	return updated, nil
}

// Reactivate resumes a suspended subscription. Unlike Cancel, the remote
// call goes first: the provider only reactivates suspended remotes, and
// restoring local access before billing resumes would grant service without
// payment. The provider's rejection is surfaced with the eligible states.
func (s *Service) Reactivate(ctx context.Context, userID uuid.UUID, reason string) (*Subscription, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if sub.Status != StatusSuspended {
		return nil, fmt.Errorf("%w: only suspended subscriptions can be reactivated (current: %s); cancelled subscriptions require a new checkout", ErrInvalidTransition, sub.Status)
	}

	if sub.HasRemote() {
		if err := s.gateway.Reactivate(ctx, sub.RemoteID, reason); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				return nil, fmt.Errorf("%w: the billing provider only reactivates suspended subscriptions; this one is no longer suspended remotely", ErrInvalidTransition)
			}
			return nil, err
		}
	}

	updated, changed, err := applyTransition(ctx, s.store, sub, EvRemoteActivated, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.notifier.StatusUpdated(ctx, statusUpdate(updated))
	}
	return updated, nil
}

// Upgrade switches the user's subscription to the annual plan in place. The
// superseded monthly remote subscription is parked with the upgrade
// coordinator and cancelled only after the annual plan's first payment
// confirms, so a failed annual charge never strands the user planless.
func (s *Service) Upgrade(ctx context.Context, userID uuid.UUID, newPlanID, newRemoteID string) (*Subscription, error) {
	plan, ok := s.plans[newPlanID]
	if !ok {
		return nil, ErrPlanNotFound
	}
	if plan.PlanType != PlanAnnual {
		return nil, fmt.Errorf("%w: upgrade target must be an annual plan", ErrInvalidTransition)
	}

	sub, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.PlanType != PlanMonthly {
		return nil, fmt.Errorf("%w: only monthly subscriptions can be upgraded to annual (current plan: %s)", ErrInvalidTransition, sub.PlanType)
	}
	if !CanFire(sub.Status, EvUserUpgrade) {
		return nil, fmt.Errorf("%w: subscription in status %s cannot be upgraded", ErrInvalidTransition, sub.Status)
	}

	oldRemoteID := sub.RemoteID

	sub.PlanType = PlanAnnual
	sub.RemotePlanID = plan.RemotePlanID
	sub.RemoteID = newRemoteID
	sub.Price = plan.Price
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}

	if oldRemoteID != "" && s.upgrades != nil {
		if err := s.upgrades.Defer(ctx, userID, oldRemoteID, PlanMonthly); err != nil {
			// The old remote keeps billing until a human intervenes; loud log.
			s.log.ErrorContext(ctx, "failed to park superseded monthly subscription for deferred cancellation",
				logger.UserID(userID), logger.RemoteID(oldRemoteID), logger.Error(err))
		}
	}

	s.notifier.StatusUpdated(ctx, statusUpdate(sub))
	return sub, nil
}

// RedeemCoupon grants a coupon trial. The use counter is claimed through the
// store's atomic increment-with-guard BEFORE the subscription is touched, so
// two concurrent redemptions of a coupon with one remaining use produce
// exactly one success and no overrun.
func (s *Service) RedeemCoupon(ctx context.Context, userID uuid.UUID, code string) (*Subscription, error) {
	coupon, err := s.store.GetByCode(ctx, NormalizeCouponCode(code))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrCouponNotFound
		}
		return nil, err
	}

	now := s.now()
	if err := coupon.Validate(now); err != nil {
		return nil, err
	}

	ok, err := s.store.RedeemIncrement(ctx, coupon.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrCouponExhausted
	}

	end := now.AddDate(0, 0, coupon.TrialDays)

	sub, err := s.store.GetByUserID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{
			ID:              uuid.New(),
			UserID:          userID,
			PlanType:        PlanTrial,
			Status:          StatusTrialing,
			StartDate:       now,
			EndDate:         &end,
			CouponCode:      coupon.Code,
			IsTrialCoupon:   true,
			StatusChangedAt: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.Create(ctx, sub); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		sub.PlanType = PlanTrial
		sub.EndDate = &end
		sub.CouponCode = coupon.Code
		sub.IsTrialCoupon = true
		if err := s.store.Update(ctx, sub); err != nil {
			return nil, err
		}
		if _, _, err := applyTransition(ctx, s.store, sub, EvCouponRedeemed, now); err != nil {
			return nil, err
		}
	}

	s.notifier.StatusUpdated(ctx, statusUpdate(sub))
	return sub, nil
}

// GrantFreeAccess gives a user full access without billing, recording the
// granting admin. A nil until leaves the grant open-ended.
func (s *Service) GrantFreeAccess(ctx context.Context, adminID, userID uuid.UUID, until *time.Time) (*Subscription, error) {
	now := s.now()

	sub, err := s.store.GetByUserID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		sub = &Subscription{
			ID:              uuid.New(),
			UserID:          userID,
			PlanType:        PlanFree,
			Status:          StatusFree,
			StartDate:       now,
			EndDate:         until,
			IsFreeAccess:    true,
			GrantedBy:       &adminID,
			StatusChangedAt: now,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := s.store.Create(ctx, sub); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		sub.PlanType = PlanFree
		sub.EndDate = until
		sub.IsFreeAccess = true
		sub.GrantedBy = &adminID
		if err := s.store.Update(ctx, sub); err != nil {
			return nil, err
		}
		if _, _, err := applyTransition(ctx, s.store, sub, EvAdminGrantFree, now); err != nil {
			return nil, err
		}
	}

	s.notifier.StatusUpdated(ctx, statusUpdate(sub))
	return sub, nil
}

// RevokeFreeAccess withdraws an admin grant, expiring the subscription.
func (s *Service) RevokeFreeAccess(ctx context.Context, adminID, userID uuid.UUID) (*Subscription, error) {
	sub, err := s.store.GetByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !sub.IsFreeAccess {
		return nil, fmt.Errorf("%w: subscription is not a free-access grant", ErrInvalidTransition)
	}

	sub.IsFreeAccess = false
	sub.GrantedBy = &adminID
	if err := s.store.Update(ctx, sub); err != nil {
		return nil, err
	}

	updated, changed, err := applyTransition(ctx, s.store, sub, EvAdminRevokeFree, s.now())
	if err != nil {
		return nil, err
	}
	if changed {
		s.notifier.StatusUpdated(ctx, statusUpdate(updated))
	}
	return updated, nil
}

// Refund refunds a captured payment, fully when amount is nil. The provider
// enforces a refund window; it is pre-checked here against the payment date
// and violations return ErrRefundWindowExpired without any provider call.
// A full refund cancels the subscription.
func (s *Service) Refund(ctx context.Context, remoteTxnID string, amount *int64, reason string) (*BillingEntry, error) {
	entry, err := s.store.GetByRemoteTxnID(ctx, remoteTxnID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	if now.Sub(entry.PaidAt) > s.cfg.RefundWindow {
		return nil, fmt.Errorf("%w: payment from %s is older than the %s refund window",
			ErrRefundWindowExpired, entry.PaidAt.Format(time.DateOnly), s.cfg.RefundWindow)
	}

	refundAmount := entry.Amount.Amount
	if amount != nil {
		refundAmount = *amount
	}

	if err := s.gateway.Refund(ctx, entry.RemoteSaleID, Money{Amount: refundAmount, Currency: entry.Amount.Currency}, reason); err != nil {
		return nil, err
	}

	updated, err := s.store.UpdateRefund(ctx, remoteTxnID, entry.RefundedAmount+refundAmount, reason, now)
	if err != nil {
		return nil, err
	}

	if updated.FullyRefunded() {
		sub, err := s.store.GetByID(ctx, updated.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if changed, err := s.cancelAfterFullRefund(ctx, sub, now); err != nil {
			return nil, err
		} else if changed {
			s.notifier.Cancelled(ctx, statusUpdate(sub))
		}
	}

	return updated, nil
}

func (s *Service) cancelAfterFullRefund(ctx context.Context, sub *Subscription, at time.Time) (bool, error) {
	_, changed, err := applyTransition(ctx, s.store, sub, EvPaymentRefundedFull, at)
	if err != nil && !errors.Is(err, ErrInvalidTransition) {
		return false, err
	}
	return changed, nil
}

// ListHistory returns the subscription's payment ledger, oldest first.
func (s *Service) ListHistory(ctx context.Context, subscriptionID uuid.UUID) ([]BillingEntry, error) {
	return s.store.ListBySubscription(ctx, subscriptionID)
}

// PlanByRemoteID resolves a catalog plan from the provider's plan id.
func (s *Service) PlanByRemoteID(remotePlanID string) (Plan, bool) {
	for _, plan := range s.plans {
		if plan.RemotePlanID == remotePlanID {
			return plan, true
		}
	}
	return Plan{}, false
}
