package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors. Every ledger-mutating failure leaves balances untouched,
// so callers only need to decide whether to retry.
var (
	// ErrInsufficientBalance: the pools together cannot cover the cost.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")

	// ErrRequestTooLarge: the request exceeds the per-request token ceiling.
	ErrRequestTooLarge = errors.New("ledger: request too large")

	// ErrThrottled: the account crossed its real-dollar ceiling for the window.
	ErrThrottled = errors.New("ledger: account throttled")

	// ErrWebhookSignatureInvalid: signature or timestamp freshness check failed.
	ErrWebhookSignatureInvalid = errors.New("ledger: webhook signature invalid")

	// ErrDuplicateEvent is not a failure: the event or mutation was already applied.
	ErrDuplicateEvent = errors.New("ledger: duplicate event")

	// ErrConcurrentMutationTimeout: the per-account lock was not acquired in time.
	ErrConcurrentMutationTimeout = errors.New("ledger: concurrent mutation timeout")

	ErrAccountNotFound  = errors.New("ledger: account not found")
	ErrAccountExists    = errors.New("ledger: account already exists")
	ErrSessionNotFound  = errors.New("ledger: usage session not found")
	ErrPurchaseNotFound = errors.New("ledger: purchase not found")
	ErrEventNotFound    = errors.New("ledger: webhook event not found")
	ErrUnknownEventType = errors.New("ledger: unknown event type")
	ErrUnknownModel     = errors.New("ledger: unknown model")
	ErrInvalidInput     = errors.New("ledger: invalid input")
	ErrStoreClosed      = errors.New("ledger: store is closed")
)

// ValidationError is a caller-side input problem.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("ledger: validation failed for %s: %s", e.Field, e.Message)
}

// Is lets errors.Is(err, ErrInvalidInput) match any ValidationError.
func (e ValidationError) Is(target error) bool {
	return target == ErrInvalidInput
}

// IsRetryable reports whether the same call may succeed if retried as-is.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentMutationTimeout)
}

// IsCallerError reports errors the caller must act on (buy credits, shrink
// the request, wait) rather than infrastructure failures.
func IsCallerError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrRequestTooLarge) ||
		errors.Is(err, ErrThrottled) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnknownModel) ||
		errors.Is(err, ErrAccountNotFound) ||
		errors.Is(err, ErrSessionNotFound)
}
