package integrity

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/store/memory"
)

func setup(t *testing.T) (*Verifier, *ledger.Ledger, *memory.Store) {
	t.Helper()
	store := memory.New(time.Second)
	l := ledger.NewLedger(store, zerolog.Nop(), ledger.DefaultOptions())
	return NewVerifier(l, zerolog.Nop()), l, store
}

func TestVerifyAccountConsistent(t *testing.T) {
	v, l, _ := setup(t)
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct-1", 25)
	require.NoError(t, err)
	_, err = l.AdminAdjust(ctx, "acct-1", ledger.PoolMonthly, 200, "grant")
	require.NoError(t, err)
	_, err = l.Mutate(ctx, "acct-1", ledger.PoolDelta{Monthly: -30, Purchased: -5}, ledger.ReasonSpend, "run-1")
	require.NoError(t, err)

	d, err := v.VerifyAccount(ctx, "acct-1")
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestVerifyAccountDetectsDrift(t *testing.T) {
	v, l, store := setup(t)
	ctx := context.Background()

	_, err := l.CreateAccount(ctx, "acct-1", 25)
	require.NoError(t, err)

	// A write that bypasses the ledger leaves no Transaction behind.
	err = store.WithAccount(ctx, "acct-1", func(tx ledger.AccountTx) error {
		b, err := tx.Balance()
		if err != nil {
			return err
		}
		b.Purchased += 7
		return tx.UpdateBalance(b)
	})
	require.NoError(t, err)

	d, err := v.VerifyAccount(ctx, "acct-1")
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, int64(32), d.Total)
	assert.Equal(t, int64(25), d.DeltaSum)
	assert.Equal(t, int64(25), d.LastBalanceAfter)
	assert.Len(t, d.Problems, 2)
}

func TestVerifyAccountUnknown(t *testing.T) {
	v, _, _ := setup(t)
	_, err := v.VerifyAccount(context.Background(), "ghost")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestVerifySample(t *testing.T) {
	v, l, store := setup(t)
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := l.CreateAccount(ctx, id, 10)
		require.NoError(t, err)
	}
	err := store.WithAccount(ctx, "b", func(tx ledger.AccountTx) error {
		b, err := tx.Balance()
		if err != nil {
			return err
		}
		b.Monthly = 3
		return tx.UpdateBalance(b)
	})
	require.NoError(t, err)

	checked, found, err := v.VerifySample(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, checked)
	require.Len(t, found, 1)
	assert.Equal(t, "b", found[0].AccountID)
}
