package spend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/pricing"
	"github.com/kelpejol/runledger/internal/store/memory"
	"github.com/kelpejol/runledger/internal/throttle"
)

type fixture struct {
	store  *memory.Store
	ledger *ledger.Ledger
	guard  *throttle.Guard
	coord  *Coordinator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New(time.Second)
	l := ledger.NewLedger(store, zerolog.Nop(), ledger.DefaultOptions())
	p, err := pricing.New(pricing.Config{})
	require.NoError(t, err)
	g := throttle.New(throttle.Config{CeilingUSD: decimal.NewFromInt(1)}, zerolog.Nop())
	return &fixture{store: store, ledger: l, guard: g, coord: NewCoordinator(l, p, g, zerolog.Nop())}
}

// seed creates acct with the given pools.
func (f *fixture) seed(t *testing.T, acct string, monthly, rollover, purchased int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, acct, purchased)
	require.NoError(t, err)
	if monthly > 0 {
		_, err = f.ledger.AdminAdjust(ctx, acct, ledger.PoolMonthly, monthly, "seed")
		require.NoError(t, err)
	}
	if rollover > 0 {
		_, err = f.ledger.AdminAdjust(ctx, acct, ledger.PoolRollover, rollover, "seed")
		require.NoError(t, err)
	}
}

// plan gives acct a live plan schedule so monthly and rollover credits can
// be handed back by corrections.
func (f *fixture) plan(t *testing.T, acct string, allotment int64) {
	t.Helper()
	until := time.Now().Add(30 * 24 * time.Hour)
	err := f.ledger.Apply(context.Background(), acct, func(u *ledger.Unit) error {
		return u.Reschedule(func(b *ledger.Balance) {
			b.MonthlyAllotment = allotment
			b.MonthlyResetAt = &until
			b.RolloverExpiresAt = &until
		})
	})
	require.NoError(t, err)
}

func (f *fixture) balance(t *testing.T, acct string) ledger.Balance {
	t.Helper()
	b, err := f.ledger.GetBalance(context.Background(), acct)
	require.NoError(t, err)
	return b
}

func (f *fixture) txs(t *testing.T, acct string, reason ledger.Reason) []ledger.Transaction {
	t.Helper()
	out, err := f.store.ListTransactions(context.Background(), acct, ledger.TxFilter{Reason: reason})
	require.NoError(t, err)
	return out
}

// assertLogMatches checks that the latest Transaction's snapshot equals the balance.
func (f *fixture) assertLogMatches(t *testing.T, acct string) {
	t.Helper()
	b := f.balance(t, acct)
	sum, err := f.store.SummarizeTransactions(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, b.Total(), sum.LastBalanceAfter)
	assert.Equal(t, b.Total(), sum.DeltaSum)
	assert.GreaterOrEqual(t, b.Monthly, int64(0))
	assert.GreaterOrEqual(t, b.Rollover, int64(0))
	assert.GreaterOrEqual(t, b.Purchased, int64(0))
}

func TestSpend_PriorityOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 10, 5, 20)

	res, err := f.coord.Spend(context.Background(), Request{AccountID: "acct-1", Cost: 12, CorrelationID: "run-1"})
	require.NoError(t, err)

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(0), b.Monthly)
	assert.Equal(t, int64(3), b.Rollover)
	assert.Equal(t, int64(20), b.Purchased)
	assert.Equal(t, ledger.PoolDelta{Monthly: 10, Rollover: 2}, res.Drawn)
	assert.Equal(t, int64(23), res.Balance.Total())
	require.NotNil(t, res.Transaction)
	assert.Equal(t, int64(-12), res.Transaction.Delta)
	assert.Equal(t, int64(23), res.Transaction.BalanceAfter)
	f.assertLogMatches(t, "acct-1")
}

func TestSpend_InsufficientLeavesPoolsUntouched(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 3)

	_, err := f.coord.Spend(context.Background(), Request{AccountID: "acct-1", Cost: 5, CorrelationID: "run-1"})
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(0), b.Monthly)
	assert.Equal(t, int64(0), b.Rollover)
	assert.Equal(t, int64(3), b.Purchased)
	assert.Empty(t, f.txs(t, "acct-1", ledger.ReasonSpend))

	_, err = f.store.FindSessionAccount(context.Background(), "run-1")
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)
}

func TestSpend_ReplayedCorrelationChargesOnce(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 10)
	ctx := context.Background()

	first, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 4, CorrelationID: "run-1"})
	require.NoError(t, err)
	assert.False(t, first.Replayed)

	second, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 4, CorrelationID: "run-1"})
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Nil(t, second.Transaction)
	assert.Equal(t, int64(6), second.Balance.Total())

	assert.Len(t, f.txs(t, "acct-1", ledger.ReasonSpend), 1)
}

func TestSpend_RejectsBeforeDebit(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 1000)
	ctx := context.Background()

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "frontier", EstimatedTokens: 25000})
	assert.ErrorIs(t, err, ledger.ErrRequestTooLarge)

	_, err = f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "nope", Cost: 3})
	assert.ErrorIs(t, err, ledger.ErrUnknownModel)

	_, err = f.coord.Spend(ctx, Request{AccountID: "acct-1"})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.coord.Spend(ctx, Request{Cost: 1})
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)

	_, err = f.coord.Spend(ctx, Request{AccountID: "ghost", Cost: 1})
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)

	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Total())
}

func TestSpend_QuotesFromEstimate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 10)

	res, err := f.coord.Spend(context.Background(), Request{AccountID: "acct-1", Model: "frontier", EstimatedTokens: 2000})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Charged)
	assert.NotEmpty(t, res.CorrelationID)
}

func TestSpend_ThrottledRegardlessOfBalance(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 1000)
	ctx := context.Background()

	require.NoError(t, f.ledger.Apply(ctx, "acct-1", func(u *ledger.Unit) error {
		_, err := f.guard.Record(u, decimal.NewFromInt(5))
		return err
	}))

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 1, CorrelationID: "run-1"})
	assert.ErrorIs(t, err, ledger.ErrThrottled)
	assert.Equal(t, int64(1000), f.balance(t, "acct-1").Total())
}

func TestSpend_ConcurrentSpendsNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 10, 10, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, insufficient := 0, 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 1})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case assert.ErrorIs(t, err, ledger.ErrInsufficientBalance):
				insufficient++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 30, ok)
	assert.Equal(t, 20, insufficient)
	assert.Equal(t, int64(0), f.balance(t, "acct-1").Total())
	f.assertLogMatches(t, "acct-1")
}

func TestCorrect_RefundsInReversePriority(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 2, 1, 10)
	f.plan(t, "acct-1", 10)
	ctx := context.Background()

	// standard: 20000 tokens -> 4 credits, drawn monthly 2, rollover 1, purchased 1.
	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "standard", EstimatedTokens: 20000, CorrelationID: "run-1"})
	require.NoError(t, err)

	res, err := f.coord.Correct(ctx, "run-1", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Session.Adjustment)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ledger.PoolDelta{Monthly: 1, Rollover: 1, Purchased: 1}, res.Transaction.Pools)
	assert.Equal(t, "run-1:correction", res.Transaction.CorrelationID)

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(1), b.Monthly)
	assert.Equal(t, int64(1), b.Rollover)
	assert.Equal(t, int64(10), b.Purchased)
	f.assertLogMatches(t, "acct-1")
}

func TestCorrect_ExtraChargeClampedWithShortfall(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 3)
	ctx := context.Background()

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "standard", EstimatedTokens: 5000, CorrelationID: "run-1"})
	require.NoError(t, err)

	// 20000 actual tokens cost 4; 1 was charged, 2 remain.
	res, err := f.coord.Correct(ctx, "run-1", 20000)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), res.Session.Adjustment)
	assert.Equal(t, int64(1), res.Session.Shortfall)
	assert.Equal(t, int64(0), res.Balance.Total())
	f.assertLogMatches(t, "acct-1")
}

func TestCorrect_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 10)
	ctx := context.Background()

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 4, CorrelationID: "run-1"})
	require.NoError(t, err)

	first, err := f.coord.Correct(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(4), first.Session.Adjustment)

	second, err := f.coord.Correct(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.True(t, second.Replayed)
	assert.Nil(t, second.Transaction)

	assert.Equal(t, int64(10), f.balance(t, "acct-1").Total())
	assert.Len(t, f.txs(t, "acct-1", ledger.ReasonSpend), 2)
}

func TestCorrect_RecordsRealDollarSpend(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 100)
	ctx := context.Background()

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "frontier", EstimatedTokens: 20000, CorrelationID: "run-1"})
	require.NoError(t, err)
	_, err = f.coord.Correct(ctx, "run-1", 20000)
	require.NoError(t, err)

	c, err := f.store.GetThrottle(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, c.SpendUSD.Equal(decimal.RequireFromString("0.6")), c.SpendUSD.String())

	// 0.6 + 0.6 crosses the $1 ceiling of this fixture.
	_, err = f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "frontier", EstimatedTokens: 20000, CorrelationID: "run-2"})
	require.NoError(t, err)
	_, err = f.coord.Correct(ctx, "run-2", 20000)
	require.NoError(t, err)

	_, err = f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 1, CorrelationID: "run-3"})
	assert.ErrorIs(t, err, ledger.ErrThrottled)
}

func TestCorrect_ForfeitsWhatNoPoolCanTake(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 5, 0, 2)
	ctx := context.Background()

	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Cost: 7, CorrelationID: "run-1"})
	require.NoError(t, err)

	// No plan schedule: the monthly share is gone, purchased comes back.
	res, err := f.coord.Correct(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Session.Adjustment)
	require.NotNil(t, res.Transaction)
	assert.Equal(t, ledger.PoolDelta{Purchased: 2}, res.Transaction.Pools)
	assert.Contains(t, res.Transaction.Note, "5 forfeited")

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(0), b.Monthly)
	assert.Equal(t, int64(2), b.Purchased)
	f.assertLogMatches(t, "acct-1")
}

func TestSpend_RecordsEstimatedDollarsAndTruesUp(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "acct-1", 0, 0, 100)
	ctx := context.Background()

	// frontier costs $0.03 per 1k tokens.
	_, err := f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "frontier", EstimatedTokens: 20000, CorrelationID: "run-1"})
	require.NoError(t, err)
	c, err := f.store.GetThrottle(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, c.SpendUSD.Equal(decimal.RequireFromString("0.6")), c.SpendUSD.String())

	_, err = f.coord.Correct(ctx, "run-1", 5000)
	require.NoError(t, err)
	c, err = f.store.GetThrottle(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, c.SpendUSD.Equal(decimal.RequireFromString("0.15")), c.SpendUSD.String())

	// Spends without an estimate carry no dollar figure until corrected.
	_, err = f.coord.Spend(ctx, Request{AccountID: "acct-1", Model: "frontier", Cost: 1, CorrelationID: "run-2"})
	require.NoError(t, err)
	c, err = f.store.GetThrottle(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, c.SpendUSD.Equal(decimal.RequireFromString("0.15")), c.SpendUSD.String())
}

func TestCorrect_UnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.Correct(context.Background(), "missing", 10)
	assert.ErrorIs(t, err, ledger.ErrSessionNotFound)

	_, err = f.coord.Correct(context.Background(), "", 10)
	assert.ErrorIs(t, err, ledger.ErrInvalidInput)
}

func TestEstimate(t *testing.T) {
	f := newFixture(t)

	cost, err := f.coord.Estimate("frontier", 2000)
	require.NoError(t, err)
	assert.Equal(t, int64(2), cost)

	cost, err = f.coord.Estimate("", 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cost)

	_, err = f.coord.Estimate("standard", 20001)
	assert.ErrorIs(t, err, ledger.ErrRequestTooLarge)

	_, err = f.coord.Estimate("gigantic", 10)
	assert.ErrorIs(t, err, ledger.ErrUnknownModel)
}
