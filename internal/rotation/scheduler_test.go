package rotation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/store/memory"
	"github.com/kelpejol/runledger/internal/throttle"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

type fixture struct {
	clock  *clock
	ledger *ledger.Ledger
	guard  *throttle.Guard
	sched  *Scheduler
}

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	resetAt     = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
)

func newFixture(t *testing.T, fence Fence) *fixture {
	t.Helper()
	c := &clock{now: periodStart}
	opts := ledger.DefaultOptions()
	opts.Clock = c.Now
	l := ledger.NewLedger(memory.New(time.Second), zerolog.Nop(), opts)
	g := throttle.New(throttle.Config{}, zerolog.Nop())
	s := NewScheduler(l, g, fence, Config{BatchSize: 2}, zerolog.Nop())
	return &fixture{clock: c, ledger: l, guard: g, sched: s}
}

// subscribe creates an account on the individual plan (allotment 200)
// holding the given monthly and rollover credits, due for reset at resetAt.
func (f *fixture) subscribe(t *testing.T, acct string, monthly, rollover int64) {
	t.Helper()
	ctx := context.Background()
	_, err := f.ledger.CreateAccount(ctx, acct, 0)
	require.NoError(t, err)

	err = f.ledger.Apply(ctx, acct, func(u *ledger.Unit) error {
		if err := u.Tx().PutSubscription(ledger.Subscription{
			AccountID:        acct,
			ExternalID:       "sub_" + acct,
			PlanTier:         ledger.PlanIndividual,
			Status:           ledger.SubscriptionActive,
			CurrentPeriodEnd: resetAt,
			UpdatedAt:        u.Now(),
		}); err != nil {
			return err
		}
		if _, err := u.Mutate(ledger.PoolDelta{Monthly: monthly, Rollover: rollover}, ledger.ReasonAdminAdjustment, "", "seed"); err != nil {
			return err
		}
		return u.Reschedule(func(b *ledger.Balance) {
			b.MonthlyAllotment = 200
			due := resetAt
			b.MonthlyResetAt = &due
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

func (f *fixture) count(t *testing.T, acct string, reason ledger.Reason) int {
	t.Helper()
	txs, err := f.ledger.ListTransactions(context.Background(), acct, ledger.TxFilter{Reason: reason, Limit: 100})
	require.NoError(t, err)
	return len(txs)
}

func TestRotateCapsRolloverAtAllotment(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 350, 0)
	f.clock.Set(resetAt.Add(time.Minute))

	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Leader)
	assert.Equal(t, 1, rep.Rotated)

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(200), b.Rollover, "rollover is capped at the allotment")
	assert.Equal(t, int64(200), b.Monthly)
	assert.Equal(t, int64(200), b.MonthlyAllotment)
	require.NotNil(t, b.MonthlyResetAt)
	assert.True(t, b.MonthlyResetAt.Equal(time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, b.RolloverExpiresAt)
	assert.True(t, b.RolloverExpiresAt.Equal(*b.MonthlyResetAt))

	txs, err := f.ledger.ListTransactions(context.Background(), "acct-1", ledger.TxFilter{Reason: ledger.ReasonRolloverConversion})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-150), txs[0].Delta, "the excess over the cap is discarded")
}

func TestRotateIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 50, 0)
	f.clock.Set(resetAt.Add(time.Minute))

	_, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	first := f.balance(t, "acct-1")

	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Rotated)

	err = f.sched.RotateAccount(context.Background(), "acct-1")
	assert.ErrorIs(t, err, errNotDue)

	again := f.balance(t, "acct-1")
	assert.Equal(t, first.Total(), again.Total())
	assert.Equal(t, 1, f.count(t, "acct-1", ledger.ReasonMonthlyGrant))
	assert.Equal(t, int64(50), again.Rollover)
	assert.Equal(t, int64(200), again.Monthly)
}

func TestRotateExpiresStaleRolloverFirst(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 120, 0)

	// First rotation carries 120 into rollover, expiring at the next reset.
	f.clock.Set(resetAt.Add(time.Minute))
	require.NoError(t, f.sched.RotateAccount(context.Background(), "acct-1"))
	assert.Equal(t, int64(120), f.balance(t, "acct-1").Rollover)

	// Nothing spent during the month: the old rollover expires, the unused
	// monthly credits become the new rollover.
	f.clock.Set(time.Date(2026, 5, 1, 0, 1, 0, 0, time.UTC))
	require.NoError(t, f.sched.RotateAccount(context.Background(), "acct-1"))

	b := f.balance(t, "acct-1")
	assert.Equal(t, int64(200), b.Rollover)
	assert.Equal(t, int64(200), b.Monthly)
	assert.Equal(t, 1, f.count(t, "acct-1", ledger.ReasonRolloverExpiry))
}

func TestRotateResetsThrottle(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 10, 0)

	err := f.ledger.Apply(context.Background(), "acct-1", func(u *ledger.Unit) error {
		return u.Tx().PutThrottle(ledger.ThrottleCounter{
			AccountID:   "acct-1",
			WindowStart: u.Now(),
			Throttled:   true,
			Reason:      "over",
		})
	})
	require.NoError(t, err)

	f.clock.Set(resetAt.Add(time.Minute))
	require.NoError(t, f.sched.RotateAccount(context.Background(), "acct-1"))

	c, err := f.guard.Status(context.Background(), f.ledger.Store(), "acct-1", f.clock.Now())
	require.NoError(t, err)
	assert.False(t, c.Throttled)
	assert.True(t, c.SpendUSD.IsZero())
}

func TestRotateSkipsInactiveSubscription(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 10, 0)
	err := f.ledger.Apply(context.Background(), "acct-1", func(u *ledger.Unit) error {
		sub, err := u.Tx().Subscription()
		if err != nil {
			return err
		}
		sub.Status = ledger.SubscriptionCanceling
		return u.Tx().PutSubscription(*sub)
	})
	require.NoError(t, err)

	f.clock.Set(resetAt.Add(time.Minute))
	assert.ErrorIs(t, f.sched.RotateAccount(context.Background(), "acct-1"), errNotDue)
	assert.Equal(t, int64(10), f.balance(t, "acct-1").Monthly)
}

func TestExpiryPass(t *testing.T) {
	f := newFixture(t, nil)
	f.subscribe(t, "acct-1", 0, 75)
	expires := periodStart.Add(24 * time.Hour)
	err := f.ledger.Apply(context.Background(), "acct-1", func(u *ledger.Unit) error {
		return u.Reschedule(func(b *ledger.Balance) { b.RolloverExpiresAt = &expires })
	})
	require.NoError(t, err)

	f.clock.Set(expires.Add(time.Second))
	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Expired)
	assert.Equal(t, 0, rep.Rotated, "monthly reset is not due yet")

	b := f.balance(t, "acct-1")
	assert.Zero(t, b.Rollover)
	assert.Nil(t, b.RolloverExpiresAt)

	txs, err := f.ledger.ListTransactions(context.Background(), "acct-1", ledger.TxFilter{Reason: ledger.ReasonRolloverExpiry})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, int64(-75), txs[0].Delta)

	assert.ErrorIs(t, f.sched.ExpireAccount(context.Background(), "acct-1"), errNotDue)
}

func TestRunOnceDrainsBatches(t *testing.T) {
	f := newFixture(t, nil)
	for _, acct := range []string{"a", "b", "c", "d", "e"} {
		f.subscribe(t, acct, 10, 0)
	}
	f.clock.Set(resetAt.Add(time.Minute))

	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, rep.Rotated)
}

func newRedisFence(t *testing.T, instance string) (*RedisFence, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisFence(client, instance, time.Minute, time.Minute), mr
}

func TestHeldMarkSkipsAccount(t *testing.T) {
	fence, mr := newRedisFence(t, "instance-a")
	f := newFixture(t, fence)
	f.subscribe(t, "acct-1", 10, 0)
	f.subscribe(t, "acct-2", 10, 0)
	f.clock.Set(resetAt.Add(time.Minute))

	require.NoError(t, mr.Set(markKey("acct-1"), "instance-b"))

	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, rep.Rotated)
	assert.Equal(t, 1, rep.Skipped)
	assert.Equal(t, int64(10), f.balance(t, "acct-1").Monthly)
	assert.Equal(t, int64(200), f.balance(t, "acct-2").Monthly)

	// Our mark on acct-2 was released; the foreign mark on acct-1 was not.
	assert.False(t, mr.Exists(markKey("acct-2")))
	got, err := mr.Get(markKey("acct-1"))
	require.NoError(t, err)
	assert.Equal(t, "instance-b", got)
}

func TestRedisFenceLease(t *testing.T) {
	a, mr := newRedisFence(t, "instance-a")
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	b := NewRedisFence(client, "instance-b", time.Minute, time.Minute)
	ctx := context.Background()

	ok, err := a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok, "the holder renews its own lease")

	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	// Resigning someone else's lease is a no-op.
	require.NoError(t, b.Resign(ctx))
	assert.True(t, mr.Exists(leaseKey))

	require.NoError(t, a.Resign(ctx))
	ok, err = b.TryLead(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNonLeaderDoesNothing(t *testing.T) {
	fence, mr := newRedisFence(t, "instance-a")
	f := newFixture(t, fence)
	f.subscribe(t, "acct-1", 10, 0)
	f.clock.Set(resetAt.Add(time.Minute))

	require.NoError(t, mr.Set(leaseKey, "instance-b"))

	rep, err := f.sched.RunOnce(context.Background())
	require.NoError(t, err)
	assert.False(t, rep.Leader)
	assert.Equal(t, int64(10), f.balance(t, "acct-1").Monthly)
}
