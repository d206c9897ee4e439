package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/runledger/internal/ledger"
)

func create(t *testing.T, s *Store, acct string, b ledger.Balance) {
	t.Helper()
	err := s.WithAccount(context.Background(), acct, func(tx ledger.AccountTx) error {
		return tx.CreateBalance(b)
	})
	require.NoError(t, err)
}

func TestWritesInvisibleUntilCommit(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()
	create(t, s, "acct-1", ledger.Balance{Purchased: 10})

	boom := errors.New("boom")
	err := s.WithAccount(ctx, "acct-1", func(tx ledger.AccountTx) error {
		b, err := tx.Balance()
		require.NoError(t, err)
		b.Purchased = 3
		require.NoError(t, tx.UpdateBalance(b))
		require.NoError(t, tx.AppendTransaction(&ledger.Transaction{Delta: -7, Reason: ledger.ReasonSpend, CorrelationID: "run-1"}))

		seen, err := tx.HasTransaction(ledger.ReasonSpend, "run-1")
		require.NoError(t, err)
		assert.True(t, seen, "staged rows are visible inside the tx")

		outside, err := s.GetBalance(ctx, "acct-1")
		require.NoError(t, err)
		assert.Equal(t, int64(10), outside.Purchased, "staged rows are invisible outside")
		return boom
	})
	assert.ErrorIs(t, err, boom)

	b, err := s.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), b.Purchased)

	txs, err := s.ListTransactions(ctx, "acct-1", ledger.TxFilter{})
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestLockTimeout(t *testing.T) {
	s := New(20 * time.Millisecond)
	ctx := context.Background()
	create(t, s, "acct-1", ledger.Balance{})

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- s.WithAccount(ctx, "acct-1", func(ledger.AccountTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	err := s.WithAccount(ctx, "acct-1", func(ledger.AccountTx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrConcurrentMutationTimeout)

	// Other accounts are not blocked.
	create(t, s, "acct-2", ledger.Balance{})

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, s.WithAccount(ctx, "acct-1", func(ledger.AccountTx) error { return nil }))
}

func TestLockHonoursContext(t *testing.T) {
	s := New(time.Minute)
	create(t, s, "acct-1", ledger.Balance{})

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.WithAccount(context.Background(), "acct-1", func(ledger.AccountTx) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.WithAccount(ctx, "acct-1", func(ledger.AccountTx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrConcurrentMutationTimeout)
}

func TestClosedStore(t *testing.T) {
	s := New(time.Second)
	require.NoError(t, s.Close())

	err := s.WithAccount(context.Background(), "acct-1", func(ledger.AccountTx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrStoreClosed)
}

func TestCorrelationOwnership(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()
	create(t, s, "acct-1", ledger.Balance{})
	create(t, s, "acct-2", ledger.Balance{})

	require.NoError(t, s.WithAccount(ctx, "acct-1", func(tx ledger.AccountTx) error {
		return tx.PutSession(ledger.UsageSession{CorrelationID: "run-1", Charged: 1})
	}))

	err := s.WithAccount(ctx, "acct-2", func(tx ledger.AccountTx) error {
		sess, err := tx.Session("run-1")
		require.NoError(t, err)
		assert.Nil(t, sess, "another account's session is not visible")
		return tx.PutSession(ledger.UsageSession{CorrelationID: "run-1", Charged: 2})
	})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	acct, err := s.FindSessionAccount(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "acct-1", acct)

	_, err = s.FindSessionAccount(ctx, "run-9")
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
}

func TestDueForResetAndExpiry(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	create(t, s, "due", ledger.Balance{MonthlyResetAt: &past, Rollover: 5, RolloverExpiresAt: &past})
	create(t, s, "not-due", ledger.Balance{MonthlyResetAt: &future, Rollover: 5, RolloverExpiresAt: &future})
	create(t, s, "canceled", ledger.Balance{MonthlyResetAt: &past, RolloverExpiresAt: &past})

	subscribe := func(acct string, status ledger.SubscriptionStatus) {
		require.NoError(t, s.WithAccount(ctx, acct, func(tx ledger.AccountTx) error {
			return tx.PutSubscription(ledger.Subscription{ExternalID: "sub_" + acct, Status: status})
		}))
	}
	subscribe("due", ledger.SubscriptionActive)
	subscribe("not-due", ledger.SubscriptionActive)
	subscribe("canceled", ledger.SubscriptionCanceled)

	ids, err := s.DueForReset(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, ids)

	ids, err = s.DueForExpiry(ctx, now, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"due"}, ids, "empty rollover never expires")

	acct, err := s.FindSubscriptionAccount(ctx, "sub_not-due")
	require.NoError(t, err)
	assert.Equal(t, "not-due", acct)

	ids, err = s.SampleAccounts(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestWebhookEventLog(t *testing.T) {
	s := New(time.Second)
	ctx := context.Background()

	rec, inserted, err := s.RecordEvent(ctx, ledger.WebhookEvent{Provider: "stripe", EventID: "evt_1", Type: "charge.refunded", Payload: []byte(`{}`)})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NotEmpty(t, rec.ID)

	_, inserted, err = s.RecordEvent(ctx, ledger.WebhookEvent{Provider: "stripe", EventID: "evt_1"})
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.MarkEventFailed(ctx, "stripe", "evt_1", "lock timeout"))
	got, err := s.GetEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	assert.Nil(t, got.ProcessedAt)
	assert.Equal(t, "lock timeout", got.Error)

	at := time.Now().UTC()
	require.NoError(t, s.MarkEventProcessed(ctx, "stripe", "evt_1", at))
	got, err = s.GetEvent(ctx, "stripe", "evt_1")
	require.NoError(t, err)
	require.NotNil(t, got.ProcessedAt)

	_, err = s.GetEvent(ctx, "stripe", "evt_404")
	assert.ErrorIs(t, err, ledger.ErrEventNotFound)
}
