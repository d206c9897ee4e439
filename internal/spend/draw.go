package spend

import (
	"math"
	"time"

	"github.com/kelpejol/runledger/internal/ledger"
)

// drawOrder is the consumption priority: use-it-or-lose-it monthly credits
// first, then rollover, then purchased.
var drawOrder = []ledger.Pool{ledger.PoolMonthly, ledger.PoolRollover, ledger.PoolPurchased}

// draw takes up to amount from b in priority order. It returns the amounts
// taken per pool (non-negative) and whatever could not be covered.
func draw(b ledger.Balance, amount int64) (ledger.PoolDelta, int64) {
	var taken ledger.PoolDelta
	remaining := amount
	for _, p := range drawOrder {
		if remaining == 0 {
			break
		}
		take := min(b.Get(p), remaining)
		taken = add(taken, p, take)
		remaining -= take
	}
	return taken, remaining
}

// giveBack returns up to amount in reverse priority, never more to a pool
// than was taken from it. Monthly and rollover only take credits back while
// they are live in b and below the plan allotment: a rotation, expiry or
// cancellation since the spend may have closed them. Whatever no pool can
// take is forfeited.
func giveBack(taken ledger.PoolDelta, amount int64, b ledger.Balance, now time.Time) (ledger.PoolDelta, int64) {
	var back ledger.PoolDelta
	remaining := amount
	for i := len(drawOrder) - 1; i >= 0 && remaining > 0; i-- {
		p := drawOrder[i]
		give := min(taken.Get(p), remaining, room(b, p, now))
		back = add(back, p, give)
		remaining -= give
	}
	return back, remaining
}

// room is how much pool p of b can take back.
func room(b ledger.Balance, p ledger.Pool, now time.Time) int64 {
	switch p {
	case ledger.PoolMonthly:
		if b.MonthlyResetAt == nil {
			return 0
		}
		return max(b.MonthlyAllotment-b.Monthly, 0)
	case ledger.PoolRollover:
		if b.RolloverExpiresAt == nil || !b.RolloverExpiresAt.After(now) {
			return 0
		}
		return max(b.MonthlyAllotment-b.Rollover, 0)
	}
	return math.MaxInt64
}

func add(d ledger.PoolDelta, p ledger.Pool, amount int64) ledger.PoolDelta {
	switch p {
	case ledger.PoolMonthly:
		d.Monthly += amount
	case ledger.PoolRollover:
		d.Rollover += amount
	case ledger.PoolPurchased:
		d.Purchased += amount
	}
	return d
}
