package spend

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
)

// CorrectionResult reports the corrective Transaction, if one was needed.
type CorrectionResult struct {
	Session     ledger.UsageSession
	Transaction *ledger.Transaction
	Balance     ledger.Balance
	Replayed    bool
}

func correctionID(correlationID string) string {
	return correlationID + ":correction"
}

// Correct reconciles a spend with the tokens actually used. Overcharges are
// credited back in reverse priority, never more to a pool than the spend
// took from it. Monthly and rollover credits only go back while that pool
// is still live and under the plan allotment; the rest is forfeited, as it
// would have been had it stayed unspent. Undercharges are debited in normal
// priority, clamped at what the account still holds; the uncovered
// remainder is kept on the session as Shortfall. The throttle counter is
// trued up from the estimated to the actual real-dollar cost in the same
// unit.
//
// A session is corrected at most once. Later calls return the first
// outcome with Replayed set.
func (c *Coordinator) Correct(ctx context.Context, correlationID string, actualTokens int64) (CorrectionResult, error) {
	if correlationID == "" {
		return CorrectionResult{}, ledger.ValidationError{Field: "correlation_id", Message: "is required"}
	}
	if actualTokens < 0 {
		return CorrectionResult{}, ledger.ValidationError{Field: "actual_tokens", Message: "must not be negative"}
	}

	accountID, err := c.ledger.Store().FindSessionAccount(ctx, correlationID)
	if err != nil {
		return CorrectionResult{}, err
	}

	var (
		res       CorrectionResult
		forfeited int64
	)
	err = c.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		res, forfeited = CorrectionResult{}, 0

		sess, err := u.Tx().Session(correlationID)
		if err != nil {
			return fmt.Errorf("session lookup: %w", err)
		}
		if sess == nil {
			return ledger.ErrSessionNotFound
		}
		if sess.CorrectedAt != nil {
			res.Session = *sess
			res.Replayed = true
			res.Balance, err = u.Balance()
			return err
		}

		actualCost, err := c.pricing.UsageCost(sess.Model, actualTokens)
		if err != nil {
			return err
		}

		bal, err := u.Balance()
		if err != nil {
			return err
		}
		var delta ledger.PoolDelta
		diff := actualCost - sess.Charged
		switch {
		case diff < 0:
			delta, forfeited = giveBack(sess.Drawn, -diff, bal, u.Now())
		case diff > 0:
			taken, short := draw(bal, diff)
			delta = taken.Neg()
			sess.Shortfall = short
		}

		note := fmt.Sprintf("usage correction: charged %d, actual %d", sess.Charged, actualCost)
		if forfeited > 0 {
			note += fmt.Sprintf(", %d forfeited", forfeited)
		}
		t, err := u.Mutate(delta, ledger.ReasonSpend, correctionID(correlationID), note)
		if err != nil {
			return err
		}

		usd, err := c.trueUp(sess.Model, sess.EstimatedTokens, actualTokens)
		if err != nil {
			return err
		}
		if _, err := c.guard.Record(u, usd); err != nil {
			return err
		}

		now := u.Now()
		sess.ActualTokens = &actualTokens
		sess.Adjustment = delta.Sum()
		sess.CorrectedAt = &now
		if err := u.Tx().PutSession(*sess); err != nil {
			return fmt.Errorf("write usage session: %w", err)
		}

		res.Session = *sess
		res.Transaction = t
		res.Balance, err = u.Balance()
		return err
	})
	if err != nil {
		return CorrectionResult{}, err
	}

	if res.Replayed {
		return res, nil
	}

	direction := "none"
	switch {
	case res.Session.Adjustment > 0:
		direction = "refund"
	case res.Session.Adjustment < 0 || res.Session.Shortfall > 0:
		direction = "charge"
	}
	metrics.Corrections.WithLabelValues(direction).Inc()

	ev := c.log.Info()
	if res.Session.Shortfall > 0 || forfeited > 0 {
		ev = c.log.Warn()
	}
	ev.Str("account_id", accountID).
		Str("correlation_id", correlationID).
		Int64("charged", res.Session.Charged).
		Int64("actual_tokens", actualTokens).
		Int64("adjustment", res.Session.Adjustment).
		Int64("shortfall", res.Session.Shortfall).
		Int64("forfeited", forfeited).
		Msg("usage corrected")

	return res, nil
}

// trueUp is the real-dollar difference between the actual usage and what
// Spend already recorded from the estimate.
func (c *Coordinator) trueUp(model string, estimatedTokens, actualTokens int64) (decimal.Decimal, error) {
	actual, err := c.pricing.USDCost(model, actualTokens)
	if err != nil {
		return decimal.Zero, err
	}
	if estimatedTokens <= 0 {
		return actual, nil
	}
	estimated, err := c.pricing.USDCost(model, estimatedTokens)
	if err != nil {
		return decimal.Zero, err
	}
	return actual.Sub(estimated), nil
}
