// Package spend debits credits for runs and reconciles them against the
// usage actually reported afterwards.
package spend

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
	"github.com/kelpejol/runledger/internal/pricing"
	"github.com/kelpejol/runledger/internal/throttle"
)

// Coordinator is the only entry point that spends credits.
type Coordinator struct {
	ledger  *ledger.Ledger
	pricing *pricing.Engine
	guard   *throttle.Guard
	log     zerolog.Logger
}

func NewCoordinator(l *ledger.Ledger, p *pricing.Engine, g *throttle.Guard, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		ledger:  l,
		pricing: p,
		guard:   g,
		log:     logger.With().Str("component", "spend").Logger(),
	}
}

// Request describes one spend. Cost may be left zero when Model and
// EstimatedTokens are given; a non-zero EstimatedTokens is always checked
// against the token ceiling before anything is debited.
type Request struct {
	AccountID       string
	CorrelationID   string
	Cost            int64
	Model           string
	EstimatedTokens int64
}

type Result struct {
	CorrelationID string
	Charged       int64
	Drawn         ledger.PoolDelta
	Transaction   *ledger.Transaction
	Balance       ledger.Balance
	// Replayed is set when the correlation id was already spent; nothing
	// was written by this call.
	Replayed bool
}

func (r *Request) validate(p *pricing.Engine) error {
	if r.AccountID == "" {
		return ledger.ValidationError{Field: "account_id", Message: "is required"}
	}
	if r.Cost == 0 && r.EstimatedTokens == 0 {
		return ledger.ValidationError{Field: "cost", Message: "cost or estimated_tokens is required"}
	}
	if r.EstimatedTokens != 0 {
		quote, err := p.Quote(r.Model, r.EstimatedTokens)
		if err != nil {
			return err
		}
		if r.Cost == 0 {
			r.Cost = quote
		}
	}
	if r.Cost < 1 {
		return ledger.ValidationError{Field: "cost", Message: "must be at least 1"}
	}
	if r.Model != "" {
		if _, err := p.Resolve(r.Model); err != nil {
			return err
		}
	}
	return nil
}

// Spend debits req.Cost in priority order (monthly, rollover, purchased) as
// one atomic unit. When the request carries an estimate, its real-dollar
// cost goes to the throttle counter in the same unit. It fails with ErrThrottled if the account is throttled
// and with ErrInsufficientBalance if the three pools together cannot cover
// the cost; in both cases nothing is written. Spending an already-used
// correlation id returns the original outcome.
func (c *Coordinator) Spend(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(c.pricing); err != nil {
		metrics.Spends.WithLabelValues("rejected").Inc()
		return Result{}, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	var res Result
	err := c.ledger.Apply(ctx, req.AccountID, func(u *ledger.Unit) error {
		res = Result{CorrelationID: req.CorrelationID}

		prior, err := u.Tx().Session(req.CorrelationID)
		if err != nil {
			return fmt.Errorf("session lookup: %w", err)
		}
		if prior != nil {
			bal, err := u.Balance()
			if err != nil {
				return err
			}
			res.Charged = prior.Charged
			res.Drawn = prior.Drawn
			res.Balance = bal
			res.Replayed = true
			return nil
		}

		if err := c.guard.Check(u); err != nil {
			return err
		}

		bal, err := u.Balance()
		if err != nil {
			return err
		}
		taken, short := draw(bal, req.Cost)
		if short > 0 {
			return fmt.Errorf("%w: cost %d, available %d", ledger.ErrInsufficientBalance, req.Cost, bal.Total())
		}

		t, err := u.Mutate(taken.Neg(), ledger.ReasonSpend, req.CorrelationID, req.Model)
		if err != nil {
			return err
		}

		if req.EstimatedTokens > 0 {
			usd, err := c.pricing.USDCost(req.Model, req.EstimatedTokens)
			if err != nil {
				return err
			}
			if _, err := c.guard.Record(u, usd); err != nil {
				return err
			}
		}

		if err := u.Tx().PutSession(ledger.UsageSession{
			CorrelationID:   req.CorrelationID,
			AccountID:       req.AccountID,
			Model:           req.Model,
			EstimatedTokens: req.EstimatedTokens,
			Charged:         req.Cost,
			Drawn:           taken,
			CreatedAt:       u.Now(),
		}); err != nil {
			return fmt.Errorf("write usage session: %w", err)
		}

		res.Charged = req.Cost
		res.Drawn = taken
		res.Transaction = t
		res.Balance, err = u.Balance()
		return err
	})
	if err != nil {
		metrics.Spends.WithLabelValues(outcome(err)).Inc()
		c.log.Info().
			Err(err).
			Str("account_id", req.AccountID).
			Str("correlation_id", req.CorrelationID).
			Int64("cost", req.Cost).
			Msg("spend rejected")
		return Result{}, err
	}

	if res.Replayed {
		metrics.Spends.WithLabelValues("replayed").Inc()
		c.log.Debug().
			Str("account_id", req.AccountID).
			Str("correlation_id", req.CorrelationID).
			Msg("spend replayed")
		return res, nil
	}

	metrics.Spends.WithLabelValues("ok").Inc()
	metrics.CreditsSpent.Add(float64(res.Charged))
	c.log.Info().
		Str("account_id", req.AccountID).
		Str("correlation_id", req.CorrelationID).
		Int64("cost", res.Charged).
		Int64("remaining", res.Balance.Total()).
		Msg("credits spent")
	return res, nil
}

func outcome(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return "insufficient"
	case errors.Is(err, ledger.ErrThrottled):
		return "throttled"
	case errors.Is(err, ledger.ErrConcurrentMutationTimeout):
		return "timeout"
	case ledger.IsCallerError(err):
		return "rejected"
	}
	return "error"
}

// Estimate quotes a run without touching any account.
func (c *Coordinator) Estimate(model string, estimatedTokens int64) (int64, error) {
	if model == "" {
		model = pricing.DefaultModel
	}
	cost, err := c.pricing.Quote(model, estimatedTokens)
	label := "ok"
	switch {
	case errors.Is(err, ledger.ErrRequestTooLarge):
		label = "too_large"
	case err != nil:
		label = "invalid"
	}
	metrics.Estimates.WithLabelValues(metricModel(c.pricing, model), label).Inc()
	return cost, err
}

// metricModel keeps label cardinality bounded to configured models.
func metricModel(p *pricing.Engine, model string) string {
	if _, err := p.Resolve(model); err != nil {
		return "unknown"
	}
	return model
}
