// Package ledger provides the authoritative credit balances and the
// append-only transaction log behind pay-per-use runs.
//
// Every account carries three pools: monthly (granted each billing period,
// use it or lose it), rollover (unused monthly credits carried forward for
// one period, capped at the allotment) and purchased (never expires).
//
// All balance changes, whoever makes them, go through Ledger.Apply. Apply
// takes the account's exclusive lock in the Store, runs the caller's logic
// against a Unit, and commits the balance row and the Transaction rows it
// produced as one atomic write. There is no balance cache: every decision is
// made against rows read under the lock.
//
// Lock contention surfaces as ErrConcurrentMutationTimeout. Apply retries
// that error a bounded number of times with backoff; any other error aborts
// the unit with nothing written.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/rs/zerolog"

	"github.com/kelpejol/runledger/internal/metrics"
)

// Ledger serializes all mutations of an account through its Store.
//
// Thread safety: all methods are safe for concurrent use. Concurrency
// control lives in the Store, not here.
type Ledger struct {
	store Store
	log   zerolog.Logger
	retry retrypolicy.RetryPolicy[any]
	now   func() time.Time
}

// Options tunes the retry policy applied to lock timeouts.
type Options struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Clock      func() time.Time
}

// DefaultOptions retries a lock timeout three times, starting at 20ms.
func DefaultOptions() Options {
	return Options{
		MaxRetries: 3,
		BaseDelay:  20 * time.Millisecond,
		MaxDelay:   250 * time.Millisecond,
	}
}

// NewLedger wires a Ledger over store.
func NewLedger(store Store, logger zerolog.Logger, opts Options) *Ledger {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 20 * time.Millisecond
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	retry := retrypolicy.NewBuilder[any]().
		HandleErrors(ErrConcurrentMutationTimeout).
		WithBackoff(opts.BaseDelay, opts.MaxDelay).
		WithJitterFactor(0.1).
		WithMaxRetries(opts.MaxRetries).
		ReturnLastFailure().
		Build()

	return &Ledger{
		store: store,
		log:   logger.With().Str("component", "ledger").Logger(),
		retry: retry,
		now:   opts.Clock,
	}
}

// Store exposes the underlying store for lock-free lookups.
func (l *Ledger) Store() Store {
	return l.store
}

// Now is the ledger clock.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Apply runs fn as one atomic unit against accountID.
//
// fn may be invoked more than once when the lock times out, so it must not
// have side effects outside the Unit.
func (l *Ledger) Apply(ctx context.Context, accountID string, fn func(u *Unit) error) error {
	if accountID == "" {
		return ValidationError{Field: "account_id", Message: "is required"}
	}

	attempt := 0
	return failsafe.With(l.retry).WithContext(ctx).Run(func() error {
		attempt++
		start := time.Now()

		err := l.store.WithAccount(ctx, accountID, func(tx AccountTx) error {
			return fn(&Unit{tx: tx, accountID: accountID, now: l.now().UTC()})
		})

		metrics.MutationDuration.Observe(time.Since(start).Seconds())
		if errors.Is(err, ErrConcurrentMutationTimeout) {
			metrics.LockTimeouts.Inc()
			l.log.Warn().
				Str("account_id", accountID).
				Int("attempt", attempt).
				Dur("waited", time.Since(start)).
				Msg("account lock not acquired")
		}
		return err
	})
}

// Mutate applies a signed per-pool delta with a reason code and returns the
// Transaction it wrote. A non-empty correlationID that was already used
// with the same reason yields ErrDuplicateEvent.
func (l *Ledger) Mutate(ctx context.Context, accountID string, delta PoolDelta, reason Reason, correlationID string) (*Transaction, error) {
	if _, ok := reasons[reason]; !ok {
		return nil, ValidationError{Field: "reason", Message: "unknown reason " + string(reason)}
	}

	var out *Transaction
	err := l.Apply(ctx, accountID, func(u *Unit) error {
		t, err := u.Mutate(delta, reason, correlationID, "")
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// CreateAccount creates the balance row and records the signup grant into
// the purchased pool in the same unit.
func (l *Ledger) CreateAccount(ctx context.Context, accountID string, signupGrant int64) (*Transaction, error) {
	if signupGrant < 0 {
		return nil, ValidationError{Field: "signup_grant", Message: "must not be negative"}
	}

	var grant *Transaction
	err := l.Apply(ctx, accountID, func(u *Unit) error {
		if _, err := u.tx.Balance(); err == nil {
			return ErrAccountExists
		} else if !errors.Is(err, ErrAccountNotFound) {
			return err
		}

		if err := u.tx.CreateBalance(Balance{
			AccountID: accountID,
			CreatedAt: u.now,
			UpdatedAt: u.now,
		}); err != nil {
			return fmt.Errorf("create balance: %w", err)
		}

		t, err := u.Mutate(PoolDelta{Purchased: signupGrant}, ReasonSignupGrant, "signup:"+accountID, "")
		grant = t
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("account_id", accountID).
		Int64("signup_grant", signupGrant).
		Msg("account created")

	return grant, nil
}

// GetBalance returns current balances without side effects.
func (l *Ledger) GetBalance(ctx context.Context, accountID string) (Balance, error) {
	return l.store.GetBalance(ctx, accountID)
}

// ListTransactions pages an account's history, newest first. Limit defaults
// to 20 and is capped at 100.
func (l *Ledger) ListTransactions(ctx context.Context, accountID string, filter TxFilter) ([]Transaction, error) {
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Limit > 100 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	if filter.Reason != "" {
		if _, ok := reasons[filter.Reason]; !ok {
			return nil, ValidationError{Field: "type", Message: "unknown transaction type " + string(filter.Reason)}
		}
	}
	return l.store.ListTransactions(ctx, accountID, filter)
}

// Close releases the store.
func (l *Ledger) Close() error {
	l.log.Info().Msg("shutting down ledger")
	return l.store.Close()
}
