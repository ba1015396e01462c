package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dorondv/project-management-tool-sub002/pkg/pg"
	"github.com/dorondv/project-management-tool-sub002/svc/billing"
)

// Store implements billing.Store on a pgx connection pool.
type Store struct {
	db *pgxpool.Pool
}

var _ billing.Store = (*Store)(nil)

// NewStore creates a PostgreSQL-backed billing store.
func NewStore(db *pgxpool.Pool) *Store {
	if db == nil {
		panic("postgres: connection pool is required")
	}
	return &Store{db: db}
}

const subscriptionColumns = `id, user_id, plan_type, status, remote_id, remote_plan_id,
	price_amount, price_currency, start_date, end_date, trial_ends_at,
	coupon_code, is_free_access, is_trial_coupon, granted_by,
	status_changed_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*billing.Subscription, error) {
	var s billing.Subscription
	err := row.Scan(
		&s.ID, &s.UserID, &s.PlanType, &s.Status, &s.RemoteID, &s.RemotePlanID,
		&s.Price.Amount, &s.Price.Currency, &s.StartDate, &s.EndDate, &s.TrialEndsAt,
		&s.CouponCode, &s.IsFreeAccess, &s.IsTrialCoupon, &s.GrantedBy,
		&s.StatusChangedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (st *Store) GetByUserID(ctx context.Context, userID uuid.UUID) (*billing.Subscription, error) {
	row := st.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1`, userID)
	return scanSubscription(row)
}

func (st *Store) GetByID(ctx context.Context, id uuid.UUID) (*billing.Subscription, error) {
	row := st.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (st *Store) GetByRemoteID(ctx context.Context, remoteID string) (*billing.Subscription, error) {
	row := st.db.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE remote_id = $1 AND remote_id <> ''`, remoteID)
	return scanSubscription(row)
}

func (st *Store) Create(ctx context.Context, sub *billing.Subscription) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO subscriptions (
			id, user_id, plan_type, status, remote_id, remote_plan_id,
			price_amount, price_currency, start_date, end_date, trial_ends_at,
			coupon_code, is_free_access, is_trial_coupon, granted_by,
			status_changed_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		sub.ID, sub.UserID, sub.PlanType, sub.Status, sub.RemoteID, sub.RemotePlanID,
		sub.Price.Amount, sub.Price.Currency, sub.StartDate, sub.EndDate, sub.TrialEndsAt,
		sub.CouponCode, sub.IsFreeAccess, sub.IsTrialCoupon, sub.GrantedBy,
		sub.StatusChangedAt, sub.CreatedAt, sub.UpdatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrConflict
	}
	return err
}

// Update overwrites non-status fields. The status columns are deliberately
// excluded; they change only through CompareAndSetStatus.
func (st *Store) Update(ctx context.Context, sub *billing.Subscription) error {
	tag, err := st.db.Exec(ctx, `
		UPDATE subscriptions SET
			plan_type = $2, remote_id = $3, remote_plan_id = $4,
			price_amount = $5, price_currency = $6,
			start_date = $7, end_date = $8, trial_ends_at = $9,
			coupon_code = $10, is_free_access = $11, is_trial_coupon = $12, granted_by = $13,
			updated_at = now()
		WHERE id = $1`,
		sub.ID, sub.PlanType, sub.RemoteID, sub.RemotePlanID,
		sub.Price.Amount, sub.Price.Currency,
		sub.StartDate, sub.EndDate, sub.TrialEndsAt,
		sub.CouponCode, sub.IsFreeAccess, sub.IsTrialCoupon, sub.GrantedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

// CompareAndSetStatus performs the conditional status update that serializes
// every writer racing on the subscription row.
func (st *Store) CompareAndSetStatus(ctx context.Context, id uuid.UUID, expected, next billing.Status, at time.Time) (bool, error) {
	tag, err := st.db.Exec(ctx, `
		UPDATE subscriptions
		SET status = $3, status_changed_at = $4, updated_at = $4
		WHERE id = $1 AND status = $2`,
		id, expected, next, at,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (st *Store) ListActiveRemote(ctx context.Context) ([]*billing.Subscription, error) {
	rows, err := st.db.Query(ctx,
		`SELECT `+subscriptionColumns+`
		 FROM subscriptions
		 WHERE status = $1 AND remote_id <> ''
		 ORDER BY created_at`, billing.StatusActive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

const entryColumns = `id, subscription_id, invoice_number, remote_txn_id, remote_sale_id,
	amount, currency, status, paid_at, refunded_amount, refunded_at, refund_reason,
	invoice_url, created_at`

func scanEntry(row pgx.Row) (*billing.BillingEntry, error) {
	var e billing.BillingEntry
	err := row.Scan(
		&e.ID, &e.SubscriptionID, &e.InvoiceNumber, &e.RemoteTxnID, &e.RemoteSaleID,
		&e.Amount.Amount, &e.Amount.Currency, &e.Status, &e.PaidAt,
		&e.RefundedAmount, &e.RefundedAt, &e.RefundReason,
		&e.InvoiceURL, &e.CreatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (st *Store) Append(ctx context.Context, entry *billing.BillingEntry) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO billing_history (
			id, subscription_id, invoice_number, remote_txn_id, remote_sale_id,
			amount, currency, status, paid_at, refunded_amount, refunded_at,
			refund_reason, invoice_url, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		entry.ID, entry.SubscriptionID, entry.InvoiceNumber, entry.RemoteTxnID, entry.RemoteSaleID,
		entry.Amount.Amount, entry.Amount.Currency, entry.Status, entry.PaidAt,
		entry.RefundedAmount, entry.RefundedAt, entry.RefundReason,
		entry.InvoiceURL, entry.CreatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrConflict
	}
	return err
}

func (st *Store) ListBySubscription(ctx context.Context, subscriptionID uuid.UUID) ([]billing.BillingEntry, error) {
	rows, err := st.db.Query(ctx,
		`SELECT `+entryColumns+` FROM billing_history WHERE subscription_id = $1 ORDER BY paid_at`,
		subscriptionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.BillingEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *entry)
	}
	return out, rows.Err()
}

func (st *Store) HasPaid(ctx context.Context, subscriptionID uuid.UUID) (bool, error) {
	var exists bool
	err := st.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_history WHERE subscription_id = $1 AND status = $2)`,
		subscriptionID, billing.EntryPaid).Scan(&exists)
	return exists, err
}

func (st *Store) GetByRemoteTxnID(ctx context.Context, remoteTxnID string) (*billing.BillingEntry, error) {
	row := st.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM billing_history WHERE remote_txn_id = $1`, remoteTxnID)
	return scanEntry(row)
}

func (st *Store) UpdateRefund(ctx context.Context, remoteTxnID string, refundedAmount int64, reason string, at time.Time) (*billing.BillingEntry, error) {
	row := st.db.QueryRow(ctx, `
		UPDATE billing_history
		SET refunded_amount = $2,
			refund_reason = $3,
			refunded_at = $4,
			status = CASE WHEN $2 >= amount THEN $5::text ELSE $6::text END
		WHERE remote_txn_id = $1
		RETURNING `+entryColumns,
		remoteTxnID, refundedAmount, reason, at,
		billing.EntryRefunded, billing.EntryPartiallyRefunded,
	)
	return scanEntry(row)
}

const eventColumns = `id, provider_event_id, event_type, occurred_at, payload,
	processed, processed_at, claimed_until, error, created_at`

func scanEvent(row pgx.Row) (*billing.WebhookEvent, error) {
	var e billing.WebhookEvent
	err := row.Scan(
		&e.ID, &e.ProviderEventID, &e.Type, &e.OccurredAt, &e.Payload,
		&e.Processed, &e.ProcessedAt, &e.ClaimedUntil, &e.Error, &e.CreatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (st *Store) Insert(ctx context.Context, event *billing.WebhookEvent) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO webhook_events (
			id, provider_event_id, event_type, occurred_at, payload,
			processed, processed_at, error, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		event.ID, event.ProviderEventID, event.Type, event.OccurredAt, event.Payload,
		event.Processed, event.ProcessedAt, event.Error, event.CreatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrConflict
	}
	return err
}

// ClaimUnprocessed leases a batch of claimable events. SKIP LOCKED keeps
// concurrent pollers from blocking on each other's claim transaction, and the
// lease keeps an in-flight event out of later polls until it expires.
func (st *Store) ClaimUnprocessed(ctx context.Context, limit int, lease time.Duration) ([]*billing.WebhookEvent, error) {
	if lease <= 0 {
		return st.peekUnprocessed(ctx, limit)
	}

	rows, err := st.db.Query(ctx, `
		UPDATE webhook_events
		SET claimed_until = $2
		WHERE id IN (
			SELECT id FROM webhook_events
			WHERE NOT processed AND (claimed_until IS NULL OR claimed_until < now())
			ORDER BY occurred_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		limit, time.Now().UTC().Add(lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*billing.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (st *Store) peekUnprocessed(ctx context.Context, limit int) ([]*billing.WebhookEvent, error) {
	rows, err := st.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM webhook_events
		 WHERE NOT processed AND (claimed_until IS NULL OR claimed_until < now())
		 ORDER BY occurred_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*billing.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, event)
	}
	return out, rows.Err()
}

func (st *Store) MarkProcessed(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := st.db.Exec(ctx,
		`UPDATE webhook_events SET processed = TRUE, processed_at = $2, claimed_until = NULL, error = '' WHERE id = $1`,
		id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (st *Store) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := st.db.Exec(ctx,
		`UPDATE webhook_events SET error = $2, claimed_until = NULL WHERE id = $1`, id, errMsg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}

func (st *Store) CreateCoupon(ctx context.Context, coupon *billing.Coupon) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO coupons (
			id, code, trial_days, valid_from, valid_until,
			max_uses, current_uses, active, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		coupon.ID, coupon.Code, coupon.TrialDays, coupon.ValidFrom, coupon.ValidUntil,
		coupon.MaxUses, coupon.CurrentUses, coupon.Active, coupon.CreatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrConflict
	}
	return err
}

func (st *Store) GetByCode(ctx context.Context, code string) (*billing.Coupon, error) {
	var c billing.Coupon
	err := st.db.QueryRow(ctx, `
		SELECT id, code, trial_days, valid_from, valid_until,
			max_uses, current_uses, active, created_at
		FROM coupons WHERE code = $1`, code).Scan(
		&c.ID, &c.Code, &c.TrialDays, &c.ValidFrom, &c.ValidUntil,
		&c.MaxUses, &c.CurrentUses, &c.Active, &c.CreatedAt,
	)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, billing.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// RedeemIncrement claims one use of the coupon. The WHERE guard makes the
// increment atomic: of two concurrent redemptions of a coupon with one use
// left, exactly one matches the guard and succeeds.
func (st *Store) RedeemIncrement(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := st.db.Exec(ctx, `
		UPDATE coupons
		SET current_uses = current_uses + 1
		WHERE id = $1 AND (max_uses = 0 OR current_uses < max_uses)`,
		id)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	// Distinguish exhausted from missing for the caller's error mapping.
	var exists bool
	if err := st.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM coupons WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, billing.ErrNotFound
	}
	return false, nil
}

func (st *Store) Add(ctx context.Context, pc *billing.PendingCancellation) error {
	_, err := st.db.Exec(ctx, `
		INSERT INTO pending_cancellations (id, user_id, remote_id, plan_type, created_at)
		VALUES ($1,$2,$3,$4,$5)`,
		pc.ID, pc.UserID, pc.RemoteID, pc.PlanType, pc.CreatedAt,
	)
	if pg.IsDuplicateKeyError(err) {
		return billing.ErrConflict
	}
	return err
}

func (st *Store) ListByUser(ctx context.Context, userID uuid.UUID) ([]billing.PendingCancellation, error) {
	rows, err := st.db.Query(ctx, `
		SELECT id, user_id, remote_id, plan_type, created_at
		FROM pending_cancellations WHERE user_id = $1 ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []billing.PendingCancellation
	for rows.Next() {
		var pc billing.PendingCancellation
		if err := rows.Scan(&pc.ID, &pc.UserID, &pc.RemoteID, &pc.PlanType, &pc.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, pc)
	}
	return out, rows.Err()
}

func (st *Store) Remove(ctx context.Context, id uuid.UUID) error {
	tag, err := st.db.Exec(ctx, `DELETE FROM pending_cancellations WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return billing.ErrNotFound
	}
	return nil
}
