package ledger

import (
	"context"
	"strings"
)

// AdminAdjust applies a signed change to a single pool with an operator
// note. A negative delta larger than the pool fails with
// ErrInsufficientBalance like any other mutation.
func (l *Ledger) AdminAdjust(ctx context.Context, accountID string, pool Pool, delta int64, note string) (*Transaction, error) {
	if _, err := ParsePool(string(pool)); err != nil {
		return nil, err
	}
	if delta == 0 {
		return nil, ValidationError{Field: "delta", Message: "must not be zero"}
	}
	if strings.TrimSpace(note) == "" {
		return nil, ValidationError{Field: "note", Message: "is required for admin adjustments"}
	}

	var out *Transaction
	err := l.Apply(ctx, accountID, func(u *Unit) error {
		t, err := u.Mutate(Only(pool, delta), ReasonAdminAdjustment, "", note)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("account_id", accountID).
		Str("pool", string(pool)).
		Int64("delta", delta).
		Str("note", note).
		Msg("admin adjustment applied")
	return out, nil
}

// Bonus grants credits into the purchased pool. A repeated correlationID
// yields ErrDuplicateEvent and grants nothing.
func (l *Ledger) Bonus(ctx context.Context, accountID string, credits int64, correlationID, note string) (*Transaction, error) {
	if credits <= 0 {
		return nil, ValidationError{Field: "credits", Message: "must be positive"}
	}
	if correlationID == "" {
		return nil, ValidationError{Field: "correlation_id", Message: "is required for bonuses"}
	}

	var out *Transaction
	err := l.Apply(ctx, accountID, func(u *Unit) error {
		t, err := u.Mutate(PoolDelta{Purchased: credits}, ReasonBonus, correlationID, note)
		out = t
		return err
	})
	if err != nil {
		return nil, err
	}

	l.log.Info().
		Str("account_id", accountID).
		Int64("credits", credits).
		Str("correlation_id", correlationID).
		Msg("bonus granted")
	return out, nil
}
