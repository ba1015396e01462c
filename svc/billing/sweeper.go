package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/dorondv/project-management-tool-sub002/pkg/logger"
)

// SweeperConfig tunes the trial expiration reconciliation pass.
type SweeperConfig struct {
	Interval           time.Duration `env:"TRIAL_SWEEP_INTERVAL" envDefault:"24h"`      // Interval between automatic sweeps.
	FallbackTrialDays  int           `env:"TRIAL_FALLBACK_DAYS" envDefault:"5"`         // FallbackTrialDays approximates the trial window when the provider never surfaced an end date.
	RemoteCheckTimeout time.Duration `env:"TRIAL_SWEEP_REMOTE_TIMEOUT" envDefault:"5s"` // RemoteCheckTimeout bounds each best-effort provider lookup.
}

// Sweeper is the periodic reconciliation pass that catches trials whose end
// date has passed but whose status was never transitioned because a webhook
// was missed or delayed.
//
// Reconciliation policy: the local trial deadline is authoritative; the
// remote status is corroborating evidence only. A provider lookup failure
// never blocks the local expiry, and the sweep only ever moves subscriptions
// forward, so re-running it at any frequency is safe.
type Sweeper struct {
	subs    SubscriptionStore
	ledger  BillingHistoryStore
	gateway Gateway
	cfg     SweeperConfig
	log     *slog.Logger
	now     func() time.Time
}

// NewSweeper wires a trial expiration sweeper.
func NewSweeper(subs SubscriptionStore, ledger BillingHistoryStore, gateway Gateway, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	if cfg.FallbackTrialDays <= 0 {
		cfg.FallbackTrialDays = 5
	}
	if cfg.RemoteCheckTimeout <= 0 {
		cfg.RemoteCheckTimeout = 5 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		subs:    subs,
		ledger:  ledger,
		gateway: gateway,
		cfg:     cfg,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one reconciliation pass and returns the number of subscriptions
// it expired. Per-item failures are logged and do not abort the batch.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.subs.ListActiveRemote(ctx)
	if err != nil {
		return 0, err
	}

	now := s.now()
	updated := 0

	for _, sub := range candidates {
		if ctx.Err() != nil {
			return updated, ctx.Err()
		}

		hasPaid, err := s.ledger.HasPaid(ctx, sub.ID)
		if err != nil {
			s.log.ErrorContext(ctx, "trial sweep: failed to read billing history",
				logger.SubscriptionID(sub.ID), logger.Error(err))
			continue
		}
		if hasPaid {
			// A paid subscription is past its trial window by definition.
			continue
		}

		// Backfill the trial end date when the provider never reported one,
		// so later passes and display code agree on the deadline.
		if sub.TrialEndsAt == nil {
			deadline := sub.TrialDeadline(s.cfg.FallbackTrialDays)
			sub.TrialEndsAt = &deadline
			if err := s.subs.Update(ctx, sub); err != nil {
				s.log.ErrorContext(ctx, "trial sweep: failed to backfill trial end date",
					logger.SubscriptionID(sub.ID), logger.Error(err))
				continue
			}
		}

		if !now.After(*sub.TrialEndsAt) {
			continue
		}

		s.crossCheckRemote(ctx, sub)

		if _, changed, err := applyTransition(ctx, s.subs, sub, EvTrialDeadline, now); err != nil {
			s.log.ErrorContext(ctx, "trial sweep: failed to expire subscription",
				logger.SubscriptionID(sub.ID), logger.Error(err))
		} else if changed {
			updated++
			s.log.InfoContext(ctx, "trial sweep: expired unconverted trial",
				logger.SubscriptionID(sub.ID), logger.UserID(sub.UserID), logger.RemoteID(sub.RemoteID))
		}
	}

	return updated, nil
}

// crossCheckRemote fetches the provider's view for the audit log. Any remote
// status is treated as confirmation: suspended and expired mean the provider
// already gave up, and active-but-past-trial means the webhook that should
// have suspended it never arrived. Lookup failures are logged and ignored.
func (s *Sweeper) crossCheckRemote(ctx context.Context, sub *Subscription) {
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.RemoteCheckTimeout)
	defer cancel()

	remote, err := s.gateway.GetSubscription(callCtx, sub.RemoteID)
	if err != nil {
		s.log.WarnContext(ctx, "trial sweep: remote cross-check failed, expiring on local deadline",
			logger.SubscriptionID(sub.ID), logger.RemoteID(sub.RemoteID), logger.Error(err))
		return
	}

	s.log.InfoContext(ctx, "trial sweep: remote status corroborates expiry",
		logger.SubscriptionID(sub.ID), logger.RemoteID(sub.RemoteID),
		slog.String("remote_status", string(remote.Status)))
}

// Run returns an errgroup-compatible loop that sweeps on the configured
// interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) func() error {
	return func() error {
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				count, err := s.Sweep(ctx)
				if err != nil && ctx.Err() == nil {
					s.log.ErrorContext(ctx, "trial sweep failed", logger.Error(err))
					continue
				}
				s.log.InfoContext(ctx, "trial sweep completed", slog.Int("expired", count))
			}
		}
	}
}
