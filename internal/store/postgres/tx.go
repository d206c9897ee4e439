package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kelpejol/runledger/internal/ledger"
)

// pgTx is the ledger.AccountTx handed to WithAccount callbacks. The balance
// row is read once under FOR UPDATE and kept in sync with every write.
type pgTx struct {
	ctx       context.Context
	tx        *sql.Tx
	accountID string
	balance   *ledger.Balance
}

func (t *pgTx) Balance() (ledger.Balance, error) {
	if t.balance == nil {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	return *t.balance, nil
}

func (t *pgTx) CreateBalance(b ledger.Balance) error {
	if t.balance != nil {
		return ledger.ErrAccountExists
	}
	b.AccountID = t.accountID

	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO credit_balances (account_id, monthly_credits, rollover_credits, purchased_credits,
			monthly_allotment, monthly_reset_at, rollover_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, b.AccountID, b.Monthly, b.Rollover, b.Purchased, b.MonthlyAllotment,
		nullTime(b.MonthlyResetAt), nullTime(b.RolloverExpiresAt)).Scan(&b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("insert balance: %w", err))
	}
	t.balance = &b
	return nil
}

func (t *pgTx) UpdateBalance(b ledger.Balance) error {
	if t.balance == nil {
		return ledger.ErrAccountNotFound
	}
	b.AccountID = t.accountID

	err := t.tx.QueryRowContext(t.ctx, `
		UPDATE credit_balances
		SET monthly_credits = $2, rollover_credits = $3, purchased_credits = $4,
		    monthly_allotment = $5, monthly_reset_at = $6, rollover_expires_at = $7,
		    updated_at = NOW()
		WHERE account_id = $1
		RETURNING updated_at
	`, b.AccountID, b.Monthly, b.Rollover, b.Purchased, b.MonthlyAllotment,
		nullTime(b.MonthlyResetAt), nullTime(b.RolloverExpiresAt)).Scan(&b.UpdatedAt)
	if err != nil {
		return mapError(fmt.Errorf("update balance: %w", err))
	}
	t.balance = &b
	return nil
}

func (t *pgTx) AppendTransaction(tr *ledger.Transaction) error {
	tr.AccountID = t.accountID

	var corr sql.NullString
	if tr.CorrelationID != "" {
		corr = sql.NullString{String: tr.CorrelationID, Valid: true}
	}

	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO credit_transactions (account_id, delta, monthly_delta, rollover_delta,
			purchased_delta, balance_after, reason, correlation_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, tr.AccountID, tr.Delta, tr.Pools.Monthly, tr.Pools.Rollover, tr.Pools.Purchased,
		tr.BalanceAfter, string(tr.Reason), corr, tr.Note, tr.CreatedAt).Scan(&tr.ID)
	if err != nil {
		return mapError(fmt.Errorf("insert transaction: %w", err))
	}
	return nil
}

func (t *pgTx) HasTransaction(reason ledger.Reason, correlationID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT EXISTS (
			SELECT 1 FROM credit_transactions
			WHERE account_id = $1 AND reason = $2 AND correlation_id = $3
		)
	`, t.accountID, string(reason), correlationID).Scan(&exists)
	if err != nil {
		return false, mapError(fmt.Errorf("transaction lookup: %w", err))
	}
	return exists, nil
}

func (t *pgTx) Subscription() (*ledger.Subscription, error) {
	var sub ledger.Subscription
	var tier, status string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT account_id, external_subscription_id, plan_tier, status, current_period_end, updated_at
		FROM credit_subscriptions WHERE account_id = $1
	`, t.accountID).Scan(&sub.AccountID, &sub.ExternalID, &tier, &status, &sub.CurrentPeriodEnd, &sub.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("subscription query: %w", err))
	}
	sub.PlanTier = ledger.PlanTier(tier)
	sub.Status = ledger.SubscriptionStatus(status)
	return &sub, nil
}

func (t *pgTx) PutSubscription(sub ledger.Subscription) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO credit_subscriptions (account_id, external_subscription_id, plan_tier, status, current_period_end)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			external_subscription_id = EXCLUDED.external_subscription_id,
			plan_tier = EXCLUDED.plan_tier,
			status = EXCLUDED.status,
			current_period_end = EXCLUDED.current_period_end,
			updated_at = NOW()
	`, t.accountID, sub.ExternalID, string(sub.PlanTier), string(sub.Status), sub.CurrentPeriodEnd)
	if err != nil {
		return mapError(fmt.Errorf("upsert subscription: %w", err))
	}
	return nil
}

func (t *pgTx) Purchase(externalPaymentID string) (*ledger.Purchase, error) {
	var p ledger.Purchase
	var status string
	err := t.tx.QueryRowContext(t.ctx, `
		SELECT id, account_id, external_payment_id, credits, amount, currency, package_tier,
		       status, refunded_credits, created_at, updated_at
		FROM credit_purchases WHERE external_payment_id = $1 AND account_id = $2
	`, externalPaymentID, t.accountID).Scan(&p.ID, &p.AccountID, &p.ExternalPaymentID, &p.Credits,
		&p.Amount, &p.Currency, &p.PackageTier, &status, &p.RefundedCredits, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("purchase query: %w", err))
	}
	p.Status = ledger.PurchaseStatus(status)
	return &p, nil
}

func (t *pgTx) PutPurchase(p ledger.Purchase) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO credit_purchases (id, account_id, external_payment_id, credits, amount,
			currency, package_tier, status, refunded_credits)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (external_payment_id) DO UPDATE SET
			credits = EXCLUDED.credits,
			amount = EXCLUDED.amount,
			currency = EXCLUDED.currency,
			package_tier = EXCLUDED.package_tier,
			status = EXCLUDED.status,
			refunded_credits = EXCLUDED.refunded_credits,
			updated_at = NOW()
		WHERE credit_purchases.account_id = EXCLUDED.account_id
	`, p.ID, t.accountID, p.ExternalPaymentID, p.Credits, p.Amount, p.Currency, p.PackageTier,
		string(p.Status), p.RefundedCredits)
	if err != nil {
		return mapError(fmt.Errorf("upsert purchase: %w", err))
	}
	return requireRow(res, "purchase "+p.ExternalPaymentID)
}

const sessionColumns = `correlation_id, account_id, model, estimated_tokens, charged_credits,
	drawn_monthly, drawn_rollover, drawn_purchased, actual_tokens, adjustment, shortfall,
	corrected_at, created_at`

func (t *pgTx) Session(correlationID string) (*ledger.UsageSession, error) {
	var sess ledger.UsageSession
	var actual sql.NullInt64
	var corrected sql.NullTime
	err := t.tx.QueryRowContext(t.ctx, `SELECT `+sessionColumns+`
		FROM usage_sessions WHERE correlation_id = $1 AND account_id = $2
	`, correlationID, t.accountID).Scan(&sess.CorrelationID, &sess.AccountID, &sess.Model,
		&sess.EstimatedTokens, &sess.Charged, &sess.Drawn.Monthly, &sess.Drawn.Rollover,
		&sess.Drawn.Purchased, &actual, &sess.Adjustment, &sess.Shortfall, &corrected, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("session query: %w", err))
	}
	if actual.Valid {
		v := actual.Int64
		sess.ActualTokens = &v
	}
	sess.CorrectedAt = timePtr(corrected)
	return &sess, nil
}

func (t *pgTx) PutSession(sess ledger.UsageSession) error {
	var actual sql.NullInt64
	if sess.ActualTokens != nil {
		actual = sql.NullInt64{Int64: *sess.ActualTokens, Valid: true}
	}
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}

	res, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO usage_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (correlation_id) DO UPDATE SET
			actual_tokens = EXCLUDED.actual_tokens,
			adjustment = EXCLUDED.adjustment,
			shortfall = EXCLUDED.shortfall,
			corrected_at = EXCLUDED.corrected_at
		WHERE usage_sessions.account_id = EXCLUDED.account_id
	`, sess.CorrelationID, t.accountID, sess.Model, sess.EstimatedTokens, sess.Charged,
		sess.Drawn.Monthly, sess.Drawn.Rollover, sess.Drawn.Purchased, actual,
		sess.Adjustment, sess.Shortfall, nullTime(sess.CorrectedAt), sess.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("upsert session: %w", err))
	}
	return requireRow(res, "correlation id "+sess.CorrelationID)
}

const selectThrottle = `SELECT account_id, spend_usd, window_start, throttled, reason, updated_at
	FROM cost_throttle_counters WHERE account_id = $1`

func scanThrottle(row rowScanner) (ledger.ThrottleCounter, error) {
	var c ledger.ThrottleCounter
	err := row.Scan(&c.AccountID, &c.SpendUSD, &c.WindowStart, &c.Throttled, &c.Reason, &c.UpdatedAt)
	return c, err
}

func (t *pgTx) Throttle() (*ledger.ThrottleCounter, error) {
	c, err := scanThrottle(t.tx.QueryRowContext(t.ctx, selectThrottle, t.accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapError(fmt.Errorf("throttle query: %w", err))
	}
	return &c, nil
}

func (t *pgTx) PutThrottle(c ledger.ThrottleCounter) error {
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO cost_throttle_counters (account_id, spend_usd, window_start, throttled, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (account_id) DO UPDATE SET
			spend_usd = EXCLUDED.spend_usd,
			window_start = EXCLUDED.window_start,
			throttled = EXCLUDED.throttled,
			reason = EXCLUDED.reason,
			updated_at = NOW()
	`, t.accountID, c.SpendUSD, c.WindowStart, c.Throttled, c.Reason)
	if err != nil {
		return mapError(fmt.Errorf("upsert throttle: %w", err))
	}
	return nil
}

// requireRow turns a conditional upsert that touched nothing into a conflict:
// the key belongs to a different account.
func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s belongs to another account: %w", what, ledger.ErrInvalidInput)
	}
	return nil
}
