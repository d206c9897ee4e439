// Package rotation runs the two periodic passes over credit buckets.
//
// The monthly pass visits accounts whose monthly_reset_at has arrived: it
// expires a stale rollover pool, converts unused monthly credits into
// rollover (capped at the plan allotment), grants the new monthly
// allotment, advances the reset and expiry timestamps and resets the
// throttle window. The expiry pass zeroes rollover pools whose expiry has
// passed, independently of the monthly cadence.
//
// Every account is rotated inside one ledger unit and every Transaction
// carries a correlation id derived from the account and the timestamp being
// processed, so re-running a pass, or two instances racing on the same
// account, never grants twice.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
	"github.com/kelpejol/runledger/internal/throttle"
)

const (
	DefaultInterval  = 24 * time.Hour
	DefaultBatchSize = 500

	passMonthly = "monthly"
	passExpiry  = "expiry"
)

// errNotDue means another run already handled the account.
var errNotDue = errors.New("rotation: account not due")

type Config struct {
	Interval  time.Duration
	BatchSize int
	// PeriodMonths is the billing period length.
	PeriodMonths int
	Allotments   map[ledger.PlanTier]int64
}

// Report counts what one run did.
type Report struct {
	Leader  bool
	Rotated int
	Expired int
	Skipped int
	Failed  int
}

type Scheduler struct {
	ledger *ledger.Ledger
	guard  *throttle.Guard
	fence  Fence
	cfg    Config
	log    zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

func NewScheduler(l *ledger.Ledger, g *throttle.Guard, fence Fence, cfg Config, logger zerolog.Logger) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.PeriodMonths <= 0 {
		cfg.PeriodMonths = 1
	}
	if len(cfg.Allotments) == 0 {
		cfg.Allotments = ledger.DefaultAllotments()
	}
	if fence == nil {
		fence = LocalFence{}
	}
	return &Scheduler{
		ledger: l,
		guard:  g,
		fence:  fence,
		cfg:    cfg,
		log:    logger.With().Str("component", "rotation").Logger(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start runs a pass immediately and then on every tick until Stop.
func (s *Scheduler) Start() {
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("starting rotation scheduler")

	ticker := time.NewTicker(s.cfg.Interval)
	go func() {
		defer close(s.doneCh)
		s.tick()
		for {
			select {
			case <-ticker.C:
				s.tick()
			case <-s.stopCh:
				ticker.Stop()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.fence.Resign(ctx); err != nil {
					s.log.Warn().Err(err).Msg("failed to release scheduler lease")
				}
				cancel()
				s.log.Info().Msg("rotation scheduler stopped")
				return
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Interval)
	defer cancel()
	if _, err := s.RunOnce(ctx); err != nil {
		s.log.Error().Err(err).Msg("rotation run failed")
	}
}

// Stop ends the loop started by Start and waits for the current run.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	<-s.doneCh
}

// RunOnce runs the monthly pass and then the expiry pass. An instance that
// does not hold the lease does nothing and reports Leader false.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	var rep Report

	lead, err := s.fence.TryLead(ctx)
	if err != nil {
		return rep, err
	}
	if !lead {
		s.log.Debug().Msg("another instance holds the scheduler lease")
		return rep, nil
	}
	rep.Leader = true

	start := time.Now()
	if err := s.pass(ctx, passMonthly, s.ledger.Store().DueForReset, s.RotateAccount, &rep); err != nil {
		return rep, err
	}
	if err := s.pass(ctx, passExpiry, s.ledger.Store().DueForExpiry, s.ExpireAccount, &rep); err != nil {
		return rep, err
	}

	s.log.Info().
		Int("rotated", rep.Rotated).
		Int("expired", rep.Expired).
		Int("skipped", rep.Skipped).
		Int("failed", rep.Failed).
		Dur("duration", time.Since(start)).
		Msg("rotation run complete")
	return rep, nil
}

type dueFunc func(ctx context.Context, now time.Time, limit int) ([]string, error)

// pass drains due accounts batch by batch. Accounts that failed or were
// skipped stay due, so the loop stops once a batch brings nothing new.
func (s *Scheduler) pass(ctx context.Context, name string, due dueFunc, visit func(context.Context, string) error, rep *Report) error {
	seen := make(map[string]struct{})
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		ids, err := due(ctx, s.ledger.Now().UTC(), s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("%s pass: list due accounts: %w", name, err)
		}

		fresh := 0
		for _, acct := range ids {
			if _, ok := seen[acct]; ok {
				continue
			}
			seen[acct] = struct{}{}
			fresh++
			s.visit(ctx, name, acct, visit, rep)
		}
		if fresh == 0 || len(ids) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Scheduler) visit(ctx context.Context, name, acct string, fn func(context.Context, string) error, rep *Report) {
	marked, err := s.fence.TryMark(ctx, acct)
	if err != nil {
		s.log.Error().Err(err).Str("account_id", acct).Str("pass", name).Msg("failed to mark account")
		rep.Failed++
		metrics.RotatedAccounts.WithLabelValues(name, "failed").Inc()
		return
	}
	if !marked {
		rep.Skipped++
		metrics.RotatedAccounts.WithLabelValues(name, "skipped").Inc()
		return
	}
	defer func() {
		if err := s.fence.Unmark(context.WithoutCancel(ctx), acct); err != nil {
			s.log.Warn().Err(err).Str("account_id", acct).Msg("failed to release rotation mark")
		}
	}()

	err = fn(ctx, acct)
	switch {
	case err == nil:
		if name == passMonthly {
			rep.Rotated++
		} else {
			rep.Expired++
		}
		metrics.RotatedAccounts.WithLabelValues(name, "rotated").Inc()
	case errors.Is(err, errNotDue), errors.Is(err, ledger.ErrDuplicateEvent):
		rep.Skipped++
		metrics.RotatedAccounts.WithLabelValues(name, "skipped").Inc()
	default:
		rep.Failed++
		metrics.RotatedAccounts.WithLabelValues(name, "failed").Inc()
		s.log.Error().Err(err).Str("account_id", acct).Str("pass", name).Msg("account rotation failed")
	}
}

// RotateAccount performs the monthly reset of one account if it is due.
func (s *Scheduler) RotateAccount(ctx context.Context, accountID string) error {
	var converted, granted int64
	err := s.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		converted, granted = 0, 0
		now := u.Now()

		bal, err := u.Balance()
		if err != nil {
			return err
		}
		sub, err := u.Tx().Subscription()
		if err != nil {
			return fmt.Errorf("subscription lookup: %w", err)
		}
		if sub == nil || sub.Status != ledger.SubscriptionActive {
			return errNotDue
		}
		if bal.MonthlyResetAt == nil || bal.MonthlyResetAt.After(now) {
			return errNotDue
		}
		allotment, ok := s.cfg.Allotments[sub.PlanTier]
		if !ok {
			return ledger.ValidationError{Field: "plan_tier", Message: "no allotment configured for " + string(sub.PlanTier)}
		}
		resetAt := *bal.MonthlyResetAt

		if err := expireRollover(u, bal); err != nil {
			return err
		}
		if bal, err = u.Balance(); err != nil {
			return err
		}

		corr := fmt.Sprintf("rotation:%s:%d", accountID, resetAt.Unix())

		rollover := min(bal.Rollover+bal.Monthly, allotment)
		conversion := ledger.PoolDelta{Monthly: -bal.Monthly, Rollover: rollover - bal.Rollover}
		if _, err := u.Mutate(conversion, ledger.ReasonRolloverConversion, corr,
			fmt.Sprintf("%d unused, %d discarded", bal.Monthly, -conversion.Sum())); err != nil {
			return err
		}
		converted = conversion.Rollover

		next := resetAt
		for !next.After(now) {
			next = next.AddDate(0, s.cfg.PeriodMonths, 0)
		}
		if _, err := u.Mutate(ledger.PoolDelta{Monthly: allotment}, ledger.ReasonMonthlyGrant,
			ledger.PeriodGrantID(sub.ExternalID, next), "plan "+string(sub.PlanTier)); err != nil {
			return err
		}
		granted = allotment

		if err := u.Reschedule(func(b *ledger.Balance) {
			b.MonthlyAllotment = allotment
			b.MonthlyResetAt = &next
			if b.Rollover > 0 {
				b.RolloverExpiresAt = &next
			} else {
				b.RolloverExpiresAt = nil
			}
		}); err != nil {
			return err
		}

		return s.guard.Reset(u)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("account_id", accountID).
		Int64("converted", converted).
		Int64("granted", granted).
		Msg("monthly credits rotated")
	return nil
}

// ExpireAccount zeroes the rollover pool of one account if it has expired.
func (s *Scheduler) ExpireAccount(ctx context.Context, accountID string) error {
	var expired int64
	err := s.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		bal, err := u.Balance()
		if err != nil {
			return err
		}
		if bal.RolloverExpiresAt == nil || bal.RolloverExpiresAt.After(u.Now()) {
			return errNotDue
		}
		expired = bal.Rollover
		return expireRollover(u, bal)
	})
	if err != nil {
		return err
	}

	s.log.Info().
		Str("account_id", accountID).
		Int64("expired", expired).
		Msg("rollover credits expired")
	return nil
}

// expireRollover drops the rollover pool when its expiry has passed and
// clears the expiry timestamp.
func expireRollover(u *ledger.Unit, bal ledger.Balance) error {
	if bal.RolloverExpiresAt == nil || bal.RolloverExpiresAt.After(u.Now()) {
		return nil
	}
	corr := fmt.Sprintf("expiry:%s:%d", u.AccountID(), bal.RolloverExpiresAt.Unix())
	if _, err := u.Mutate(ledger.PoolDelta{Rollover: -bal.Rollover}, ledger.ReasonRolloverExpiry, corr, ""); err != nil {
		return err
	}
	return u.Reschedule(func(b *ledger.Balance) {
		b.RolloverExpiresAt = nil
	})
}
