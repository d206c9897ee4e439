package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/runledger/internal/ledger"
)

var balanceCols = []string{
	"account_id", "monthly_credits", "rollover_credits", "purchased_credits",
	"monthly_allotment", "monthly_reset_at", "rollover_expires_at", "created_at", "updated_at",
}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, 250*time.Millisecond, zerolog.Nop()), mock
}

func TestWithAccount_LockTimeoutMapsToSentinel(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout = '250ms'").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FROM credit_balances WHERE account_id = \\$1 FOR UPDATE").
		WithArgs("acct-1").
		WillReturnError(&pq.Error{Code: codeLockNotAvailable, Message: "could not obtain lock"})
	mock.ExpectRollback()

	called := false
	err := store.WithAccount(context.Background(), "acct-1", func(ledger.AccountTx) error {
		called = true
		return nil
	})

	assert.ErrorIs(t, err, ledger.ErrConcurrentMutationTimeout)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithAccount_CallbackErrorRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(balanceCols).AddRow("acct-1", 5, 0, 0, 0, nil, nil, now, now))
	mock.ExpectRollback()

	err := store.WithAccount(context.Background(), "acct-1", func(tx ledger.AccountTx) error {
		b, err := tx.Balance()
		require.NoError(t, err)
		assert.Equal(t, int64(5), b.Monthly)
		assert.Nil(t, b.MonthlyResetAt)
		return ledger.ErrInsufficientBalance
	})

	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerMutate_WritesBalanceAndTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WithArgs("acct-1").
		WillReturnRows(sqlmock.NewRows(balanceCols).AddRow("acct-1", 10, 4, 20, 200, now, nil, now, now))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("acct-1", "bonus", "promo-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("UPDATE credit_balances").
		WithArgs("acct-1", int64(10), int64(4), int64(35), int64(200), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(now))
	mock.ExpectQuery("INSERT INTO credit_transactions").
		WithArgs("acct-1", int64(15), int64(0), int64(0), int64(15), int64(49), "bonus",
			sql.NullString{String: "promo-1", Valid: true}, "", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectCommit()

	l := ledger.NewLedger(store, zerolog.Nop(), ledger.Options{Clock: func() time.Time { return now }})
	tr, err := l.Mutate(context.Background(), "acct-1", ledger.PoolDelta{Purchased: 15}, ledger.ReasonBonus, "promo-1")

	require.NoError(t, err)
	assert.Equal(t, int64(42), tr.ID)
	assert.Equal(t, int64(49), tr.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerMutate_DuplicateCorrelationWritesNothing(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectBegin()
	mock.ExpectExec("SET LOCAL lock_timeout").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(balanceCols).AddRow("acct-1", 10, 0, 0, 0, nil, nil, now, now))
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("acct-1", "bonus", "promo-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	l := ledger.NewLedger(store, zerolog.Nop(), ledger.DefaultOptions())
	_, err := l.Mutate(context.Background(), "acct-1", ledger.PoolDelta{Purchased: 15}, ledger.ReasonBonus, "promo-1")

	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalance_NotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM credit_balances WHERE account_id = \\$1").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetBalance(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestListTransactions_ReasonFilterArgs(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("WHERE account_id = \\$1 AND reason = \\$2 ORDER BY id DESC LIMIT \\$3 OFFSET \\$4").
		WithArgs("acct-1", "spend", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "account_id", "delta", "monthly_delta", "rollover_delta", "purchased_delta",
			"balance_after", "reason", "correlation_id", "note", "created_at",
		}).
			AddRow(int64(2), "acct-1", -3, -3, 0, 0, 7, "spend", "req-2", "", now).
			AddRow(int64(1), "acct-1", -2, -2, 0, 0, 10, "spend", "req-1", "", now))

	txs, err := store.ListTransactions(context.Background(), "acct-1", ledger.TxFilter{Reason: ledger.ReasonSpend, Limit: 20})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, int64(2), txs[0].ID)
	assert.Equal(t, ledger.ReasonSpend, txs[0].Reason)
	assert.Equal(t, int64(-3), txs[0].Pools.Monthly)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordEvent_DuplicateReturnsStoredRow(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Unix(1_700_000_000, 0).UTC()

	mock.ExpectQuery("INSERT INTO webhook_events").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("FROM webhook_events WHERE provider = \\$1 AND event_id = \\$2").
		WithArgs("stripe", "evt_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "provider", "event_id", "event_type", "payload", "attempts",
			"processed_at", "processing_error", "created_at", "updated_at",
		}).AddRow("ev-uuid", "stripe", "evt_1", "payment_intent.succeeded", []byte(`{}`), 1, now, "", now, now))

	ev, inserted, err := store.RecordEvent(context.Background(), ledger.WebhookEvent{
		Provider: "stripe", EventID: "evt_1", Type: "payment_intent.succeeded", Payload: []byte(`{}`),
	})

	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Equal(t, "ev-uuid", ev.ID)
	require.NotNil(t, ev.ProcessedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventProcessed_UnknownEvent(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec("UPDATE webhook_events").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.MarkEventProcessed(context.Background(), "stripe", "evt_missing", time.Now())
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		in   error
		want error
	}{
		{"lock not available", &pq.Error{Code: codeLockNotAvailable}, ledger.ErrConcurrentMutationTimeout},
		{"statement timeout", &pq.Error{Code: codeQueryCanceled}, ledger.ErrConcurrentMutationTimeout},
		{"duplicate correlation", &pq.Error{Code: codeUniqueViolation, Constraint: "credit_transactions_correlation_uniq"}, ledger.ErrDuplicateEvent},
		{"duplicate account", &pq.Error{Code: codeUniqueViolation, Constraint: "credit_balances_pkey"}, ledger.ErrAccountExists},
		{"negative pool", &pq.Error{Code: codeCheckViolation}, ledger.ErrInsufficientBalance},
		{"deadline", context.DeadlineExceeded, ledger.ErrConcurrentMutationTimeout},
		{"domain error passes through", ledger.ErrThrottled, ledger.ErrThrottled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.in), tt.want)
		})
	}

	other := &pq.Error{Code: codeUniqueViolation, Constraint: "something_else"}
	assert.True(t, errors.Is(mapError(other), other))
}
