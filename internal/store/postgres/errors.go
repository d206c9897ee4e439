package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/kelpejol/runledger/internal/ledger"
)

const (
	codeLockNotAvailable = "55P03"
	codeQueryCanceled    = "57014"
	codeUniqueViolation  = "23505"
	codeCheckViolation   = "23514"
)

// mapError translates driver errors into ledger sentinels. Errors that are
// already domain errors pass through unchanged.
func mapError(err error) error {
	if err == nil {
		return nil
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case codeLockNotAvailable, codeQueryCanceled:
			return fmt.Errorf("%w: %s", ledger.ErrConcurrentMutationTimeout, pqErr.Message)
		case codeUniqueViolation:
			switch pqErr.Constraint {
			case "credit_balances_pkey":
				return ledger.ErrAccountExists
			case "credit_transactions_correlation_uniq", "webhook_events_provider_event_id_key":
				return ledger.ErrDuplicateEvent
			}
		case codeCheckViolation:
			return fmt.Errorf("%w: %s", ledger.ErrInsufficientBalance, pqErr.Message)
		}
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ledger.ErrConcurrentMutationTimeout, err)
	}
	return err
}
