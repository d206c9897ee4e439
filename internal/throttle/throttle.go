// Package throttle bounds the real-dollar provider spend of an account over
// a rolling window, independently of its credit balance.
//
// All methods that write take a *ledger.Unit so the counter changes in the
// same atomic unit as the spend or correction that caused them.
package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
)

const DefaultWindow = 30 * 24 * time.Hour

var DefaultCeilingUSD = decimal.NewFromInt(50)

type Config struct {
	CeilingUSD decimal.Decimal
	Window     time.Duration
}

type Guard struct {
	ceiling decimal.Decimal
	window  time.Duration
	log     zerolog.Logger
}

func New(cfg Config, logger zerolog.Logger) *Guard {
	if !cfg.CeilingUSD.IsPositive() {
		cfg.CeilingUSD = DefaultCeilingUSD
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Guard{
		ceiling: cfg.CeilingUSD,
		window:  cfg.Window,
		log:     logger.With().Str("component", "throttle").Logger(),
	}
}

// Ceiling is the configured dollar limit per window.
func (g *Guard) Ceiling() decimal.Decimal {
	return g.ceiling
}

// current returns the counter as of now. A counter whose window has
// elapsed reads as a fresh one starting now.
func (g *Guard) current(c *ledger.ThrottleCounter, accountID string, now time.Time) ledger.ThrottleCounter {
	if c == nil || !now.Before(c.WindowStart.Add(g.window)) {
		return ledger.ThrottleCounter{AccountID: accountID, SpendUSD: decimal.Zero, WindowStart: now}
	}
	return *c
}

// Check fails with ErrThrottled when the account is throttled in the
// current window.
func (g *Guard) Check(u *ledger.Unit) error {
	stored, err := u.Tx().Throttle()
	if err != nil {
		return fmt.Errorf("read throttle counter: %w", err)
	}
	c := g.current(stored, u.AccountID(), u.Now())
	if c.Throttled {
		return fmt.Errorf("%w: %s", ledger.ErrThrottled, c.Reason)
	}
	return nil
}

// Record adds usd to the window accumulator and flips the throttled flag
// once the total exceeds the ceiling. A negative usd trues an earlier
// estimate down; the accumulator never drops below zero and a tripped flag
// stays set until Reset.
func (g *Guard) Record(u *ledger.Unit, usd decimal.Decimal) (ledger.ThrottleCounter, error) {
	stored, err := u.Tx().Throttle()
	if err != nil {
		return ledger.ThrottleCounter{}, fmt.Errorf("read throttle counter: %w", err)
	}
	c := g.current(stored, u.AccountID(), u.Now())
	if usd.IsZero() {
		return c, nil
	}

	c.SpendUSD = decimal.Max(c.SpendUSD.Add(usd), decimal.Zero)
	c.UpdatedAt = u.Now()

	if !c.Throttled && c.SpendUSD.GreaterThan(g.ceiling) {
		c.Throttled = true
		c.Reason = fmt.Sprintf("provider spend $%s exceeded the $%s ceiling for the window starting %s",
			c.SpendUSD.StringFixed(2), g.ceiling.StringFixed(2), c.WindowStart.Format(time.RFC3339))
		metrics.ThrottleTrips.Inc()
		g.log.Warn().
			Str("account_id", u.AccountID()).
			Str("spend_usd", c.SpendUSD.String()).
			Str("ceiling_usd", g.ceiling.String()).
			Msg("account throttled")
	}

	if err := u.Tx().PutThrottle(c); err != nil {
		return ledger.ThrottleCounter{}, fmt.Errorf("write throttle counter: %w", err)
	}
	return c, nil
}

// Reset starts a new window and clears the flag.
func (g *Guard) Reset(u *ledger.Unit) error {
	stored, err := u.Tx().Throttle()
	if err != nil {
		return fmt.Errorf("read throttle counter: %w", err)
	}
	if stored == nil {
		return nil
	}
	if stored.Throttled {
		g.log.Info().Str("account_id", u.AccountID()).Msg("throttle cleared")
	}
	return u.Tx().PutThrottle(ledger.ThrottleCounter{
		AccountID:   u.AccountID(),
		SpendUSD:    decimal.Zero,
		WindowStart: u.Now(),
		UpdatedAt:   u.Now(),
	})
}

// Clear resets the counter of one account outside the rotation cadence.
func (g *Guard) Clear(ctx context.Context, l *ledger.Ledger, accountID string) error {
	return l.Apply(ctx, accountID, func(u *ledger.Unit) error {
		if _, err := u.Balance(); err != nil {
			return err
		}
		return g.Reset(u)
	})
}

// Status is a lock-free read of the effective counter for display.
func (g *Guard) Status(ctx context.Context, store ledger.Store, accountID string, now time.Time) (ledger.ThrottleCounter, error) {
	c, err := store.GetThrottle(ctx, accountID)
	if err != nil {
		return ledger.ThrottleCounter{}, err
	}
	if c.WindowStart.IsZero() {
		return g.current(nil, accountID, now), nil
	}
	return g.current(&c, accountID, now), nil
}
