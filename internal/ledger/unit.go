package ledger

import (
	"fmt"
	"time"
)

// Unit is one atomic mutation of one account, valid only inside the fn
// passed to Ledger.Apply.
type Unit struct {
	tx        AccountTx
	accountID string
	now       time.Time
	written   []Transaction
}

func (u *Unit) AccountID() string { return u.accountID }

// Now is the timestamp every row written by this unit carries.
func (u *Unit) Now() time.Time { return u.now }

// Tx exposes the non-balance rows of the account.
func (u *Unit) Tx() AccountTx { return u.tx }

// Balance reads the locked balance row, including writes made earlier in
// this unit.
func (u *Unit) Balance() (Balance, error) {
	return u.tx.Balance()
}

// Written lists the Transactions produced so far by this unit.
func (u *Unit) Written() []Transaction {
	return u.written
}

// Mutate applies delta and appends the matching Transaction. A zero delta
// writes nothing and returns (nil, nil). If any pool would go negative the
// unit fails with ErrInsufficientBalance.
func (u *Unit) Mutate(delta PoolDelta, reason Reason, correlationID, note string) (*Transaction, error) {
	if delta.IsZero() {
		return nil, nil
	}

	if correlationID != "" {
		seen, err := u.tx.HasTransaction(reason, correlationID)
		if err != nil {
			return nil, fmt.Errorf("correlation lookup: %w", err)
		}
		if seen {
			return nil, ErrDuplicateEvent
		}
	}

	bal, err := u.tx.Balance()
	if err != nil {
		return nil, err
	}

	next, ok := bal.apply(delta)
	if !ok {
		return nil, fmt.Errorf("%w: have %d/%d/%d, delta %d/%d/%d", ErrInsufficientBalance,
			bal.Monthly, bal.Rollover, bal.Purchased,
			delta.Monthly, delta.Rollover, delta.Purchased)
	}
	next.UpdatedAt = u.now

	if err := u.tx.UpdateBalance(next); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	t := &Transaction{
		AccountID:     u.accountID,
		Delta:         delta.Sum(),
		Pools:         delta,
		BalanceAfter:  next.Total(),
		Reason:        reason,
		CorrelationID: correlationID,
		Note:          note,
		CreatedAt:     u.now,
	}
	if err := u.tx.AppendTransaction(t); err != nil {
		return nil, fmt.Errorf("append transaction: %w", err)
	}

	u.written = append(u.written, *t)
	return t, nil
}

// Reschedule edits the non-pool fields of the balance row (reset and expiry
// timestamps, captured allotment). Pool amounts must be left alone; they
// only change through Mutate so that every change has a Transaction.
func (u *Unit) Reschedule(fn func(b *Balance)) error {
	bal, err := u.tx.Balance()
	if err != nil {
		return err
	}

	next := bal
	fn(&next)
	if next.Monthly != bal.Monthly || next.Rollover != bal.Rollover || next.Purchased != bal.Purchased {
		return ValidationError{Field: "balance", Message: "pool amounts change only through Mutate"}
	}
	next.AccountID = bal.AccountID
	next.UpdatedAt = u.now

	return u.tx.UpdateBalance(next)
}
