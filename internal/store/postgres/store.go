// Package postgres is the durable ledger.Store.
//
// The balance row is the per-account serialization point: WithAccount opens
// a transaction, bounds lock waits with SET LOCAL lock_timeout, and takes
// SELECT ... FOR UPDATE on credit_balances before running the caller's
// logic. Balance, transaction, purchase, subscription, session and throttle
// writes all commit together or not at all.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kelpejol/runledger/internal/ledger"
)

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db          *sql.DB
	log         zerolog.Logger
	lockTimeout time.Duration
}

// Open connects to postgresURL, tunes the pool and verifies connectivity.
func Open(postgresURL string, lockTimeout time.Duration, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("postgres", postgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connection failed: %w", err)
	}

	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	logger.Info().Msg("postgres connection established")
	return New(db, lockTimeout, logger), nil
}

// New wraps an existing handle.
func New(db *sql.DB, lockTimeout time.Duration, logger zerolog.Logger) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 500 * time.Millisecond
	}
	return &Store{
		db:          db,
		log:         logger.With().Str("component", "postgres_store").Logger(),
		lockTimeout: lockTimeout,
	}
}

// DB exposes the handle for the admin CLI.
func (s *Store) DB() *sql.DB {
	return s.db
}

const balanceColumns = `account_id, monthly_credits, rollover_credits, purchased_credits,
	monthly_allotment, monthly_reset_at, rollover_expires_at, created_at, updated_at`

// WithAccount implements ledger.Store.
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx ledger.AccountTx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return mapError(fmt.Errorf("set lock timeout: %w", err))
	}

	ptx := &pgTx{ctx: ctx, tx: tx, accountID: accountID}

	row := tx.QueryRowContext(ctx, `SELECT `+balanceColumns+`
		FROM credit_balances WHERE account_id = $1 FOR UPDATE`, accountID)
	b, err := scanBalance(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return mapError(fmt.Errorf("lock balance: %w", err))
	default:
		ptx.balance = &b
	}

	if err := fn(ptx); err != nil {
		return mapError(err)
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalance(row rowScanner) (ledger.Balance, error) {
	var b ledger.Balance
	var resetAt, expiresAt sql.NullTime
	err := row.Scan(&b.AccountID, &b.Monthly, &b.Rollover, &b.Purchased,
		&b.MonthlyAllotment, &resetAt, &expiresAt, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return ledger.Balance{}, err
	}
	b.MonthlyResetAt = timePtr(resetAt)
	b.RolloverExpiresAt = timePtr(expiresAt)
	return b, nil
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

// GetBalance implements ledger.Store.
func (s *Store) GetBalance(ctx context.Context, accountID string) (ledger.Balance, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+balanceColumns+`
		FROM credit_balances WHERE account_id = $1`, accountID)
	b, err := scanBalance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balance query failed: %w", err)
	}
	return b, nil
}

// GetThrottle implements ledger.Store.
func (s *Store) GetThrottle(ctx context.Context, accountID string) (ledger.ThrottleCounter, error) {
	c, err := scanThrottle(s.db.QueryRowContext(ctx, selectThrottle, accountID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.ThrottleCounter{AccountID: accountID}, nil
	}
	if err != nil {
		return ledger.ThrottleCounter{}, fmt.Errorf("throttle query failed: %w", err)
	}
	return c, nil
}

const transactionColumns = `id, account_id, delta, monthly_delta, rollover_delta, purchased_delta,
	balance_after, reason, COALESCE(correlation_id, ''), note, created_at`

// ListTransactions implements ledger.Store.
func (s *Store) ListTransactions(ctx context.Context, accountID string, filter ledger.TxFilter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM credit_transactions WHERE account_id = $1`
	args := []any{accountID}
	if filter.Reason != "" {
		args = append(args, string(filter.Reason))
		query += fmt.Sprintf(" AND reason = $%d", len(args))
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("transactions query failed: %w", err)
	}
	defer rows.Close()

	var out []ledger.Transaction
	for rows.Next() {
		var t ledger.Transaction
		var reason string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Delta, &t.Pools.Monthly, &t.Pools.Rollover,
			&t.Pools.Purchased, &t.BalanceAfter, &reason, &t.CorrelationID, &t.Note, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("transactions scan failed: %w", err)
		}
		t.Reason = ledger.Reason(reason)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SummarizeTransactions implements ledger.Store.
func (s *Store) SummarizeTransactions(ctx context.Context, accountID string) (ledger.TxSummary, error) {
	var sum ledger.TxSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(delta), 0),
		       COALESCE((SELECT balance_after FROM credit_transactions
		                 WHERE account_id = $1 ORDER BY id DESC LIMIT 1), 0)
		FROM credit_transactions WHERE account_id = $1
	`, accountID).Scan(&sum.Count, &sum.DeltaSum, &sum.LastBalanceAfter)
	if err != nil {
		return ledger.TxSummary{}, fmt.Errorf("transaction summary failed: %w", err)
	}
	return sum, nil
}

func (s *Store) findAccount(ctx context.Context, query, key string, notFound error) (string, error) {
	var accountID string
	err := s.db.QueryRowContext(ctx, query, key).Scan(&accountID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", notFound
	}
	if err != nil {
		return "", fmt.Errorf("account lookup failed: %w", err)
	}
	return accountID, nil
}

// FindSessionAccount implements ledger.Store.
func (s *Store) FindSessionAccount(ctx context.Context, correlationID string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM usage_sessions WHERE correlation_id = $1`,
		correlationID, ledger.ErrSessionNotFound)
}

// FindPurchaseAccount implements ledger.Store.
func (s *Store) FindPurchaseAccount(ctx context.Context, externalPaymentID string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM credit_purchases WHERE external_payment_id = $1`,
		externalPaymentID, ledger.ErrPurchaseNotFound)
}

// FindSubscriptionAccount implements ledger.Store.
func (s *Store) FindSubscriptionAccount(ctx context.Context, externalSubscriptionID string) (string, error) {
	return s.findAccount(ctx, `SELECT account_id FROM credit_subscriptions WHERE external_subscription_id = $1`,
		externalSubscriptionID, ledger.ErrAccountNotFound)
}

func (s *Store) listAccounts(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("account scan query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("account scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DueForReset implements ledger.Store.
func (s *Store) DueForReset(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.listAccounts(ctx, `
		SELECT b.account_id
		FROM credit_balances b
		JOIN credit_subscriptions s ON s.account_id = b.account_id
		WHERE s.status = 'active' AND b.monthly_reset_at <= $1
		ORDER BY b.monthly_reset_at
		LIMIT $2
	`, now, limit)
}

// DueForExpiry implements ledger.Store.
func (s *Store) DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error) {
	return s.listAccounts(ctx, `
		SELECT account_id
		FROM credit_balances
		WHERE rollover_credits > 0 AND rollover_expires_at <= $1
		ORDER BY rollover_expires_at
		LIMIT $2
	`, now, limit)
}

// SampleAccounts implements ledger.Store.
func (s *Store) SampleAccounts(ctx context.Context, n int) ([]string, error) {
	return s.listAccounts(ctx, `SELECT account_id FROM credit_balances ORDER BY RANDOM() LIMIT $1`, n)
}

const eventColumns = `id, provider, event_id, event_type, payload, attempts,
	processed_at, processing_error, created_at, updated_at`

func scanEvent(row rowScanner) (ledger.WebhookEvent, error) {
	var ev ledger.WebhookEvent
	var processedAt sql.NullTime
	err := row.Scan(&ev.ID, &ev.Provider, &ev.EventID, &ev.Type, &ev.Payload, &ev.Attempts,
		&processedAt, &ev.Error, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return ledger.WebhookEvent{}, err
	}
	ev.ProcessedAt = timePtr(processedAt)
	return ev, nil
}

// RecordEvent implements ledger.Store.
func (s *Store) RecordEvent(ctx context.Context, ev ledger.WebhookEvent) (ledger.WebhookEvent, bool, error) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}

	err := s.db.QueryRowContext(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider, event_id) DO NOTHING
		RETURNING created_at, updated_at
	`, ev.ID, ev.Provider, ev.EventID, ev.Type, ev.Payload).Scan(&ev.CreatedAt, &ev.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		existing, err := s.GetEvent(ctx, ev.Provider, ev.EventID)
		return existing, false, err
	}
	if err != nil {
		return ledger.WebhookEvent{}, false, fmt.Errorf("record webhook event: %w", err)
	}
	return ev, true, nil
}

// GetEvent implements ledger.Store.
func (s *Store) GetEvent(ctx context.Context, provider, eventID string) (ledger.WebhookEvent, error) {
	ev, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventColumns+`
		FROM webhook_events WHERE provider = $1 AND event_id = $2`, provider, eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.WebhookEvent{}, ledger.ErrEventNotFound
	}
	if err != nil {
		return ledger.WebhookEvent{}, fmt.Errorf("webhook event query failed: %w", err)
	}
	return ev, nil
}

// MarkEventProcessed implements ledger.Store.
func (s *Store) MarkEventProcessed(ctx context.Context, provider, eventID string, at time.Time) error {
	return s.updateEvent(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1, processed_at = $3, processing_error = '', updated_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID, at)
}

// MarkEventFailed implements ledger.Store.
func (s *Store) MarkEventFailed(ctx context.Context, provider, eventID, reason string) error {
	return s.updateEvent(ctx, `
		UPDATE webhook_events
		SET attempts = attempts + 1, processing_error = $3, updated_at = NOW()
		WHERE provider = $1 AND event_id = $2
	`, provider, eventID, reason)
}

func (s *Store) updateEvent(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if n == 0 {
		return ledger.ErrEventNotFound
	}
	return nil
}

// Ping implements ledger.Store.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		s.log.Error().Err(err).Msg("postgres close failed")
		return err
	}
	return nil
}
