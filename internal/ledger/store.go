package ledger

import (
	"context"
	"time"
)

// Store is the persistence boundary of the ledger.
//
// WithAccount is the only way to change an account. It takes the account's
// exclusive lock, hands fn a transactional view of every row keyed by that
// account, and commits all of fn's writes together, or none of them when fn
// returns an error. Implementations must give up with
// ErrConcurrentMutationTimeout when the lock is not acquired within their
// configured lock timeout or before ctx is done.
//
// The remaining methods are lock-free reads used for lookups, queries and
// scheduling. Nothing read through them may be used to compute a write;
// writes always re-read under WithAccount.
type Store interface {
	WithAccount(ctx context.Context, accountID string, fn func(tx AccountTx) error) error

	GetBalance(ctx context.Context, accountID string) (Balance, error)
	GetThrottle(ctx context.Context, accountID string) (ThrottleCounter, error)
	ListTransactions(ctx context.Context, accountID string, filter TxFilter) ([]Transaction, error)
	SummarizeTransactions(ctx context.Context, accountID string) (TxSummary, error)

	FindSessionAccount(ctx context.Context, correlationID string) (string, error)
	FindPurchaseAccount(ctx context.Context, externalPaymentID string) (string, error)
	FindSubscriptionAccount(ctx context.Context, externalSubscriptionID string) (string, error)

	// DueForReset lists accounts with an active subscription whose
	// monthly_reset_at is at or before now.
	DueForReset(ctx context.Context, now time.Time, limit int) ([]string, error)
	// DueForExpiry lists accounts holding rollover credits past their expiry.
	DueForExpiry(ctx context.Context, now time.Time, limit int) ([]string, error)
	SampleAccounts(ctx context.Context, n int) ([]string, error)

	// RecordEvent inserts a webhook event if its (provider, event id) is new.
	// It returns the stored row and whether this call inserted it.
	RecordEvent(ctx context.Context, ev WebhookEvent) (WebhookEvent, bool, error)
	GetEvent(ctx context.Context, provider, eventID string) (WebhookEvent, error)
	MarkEventProcessed(ctx context.Context, provider, eventID string, at time.Time) error
	MarkEventFailed(ctx context.Context, provider, eventID, reason string) error

	Ping(ctx context.Context) error
	Close() error
}

// AccountTx is the locked, transactional view handed to WithAccount.
// Getters return (nil, nil) for rows that do not exist yet, except Balance
// which returns ErrAccountNotFound.
type AccountTx interface {
	Balance() (Balance, error)
	CreateBalance(b Balance) error
	UpdateBalance(b Balance) error

	AppendTransaction(t *Transaction) error
	HasTransaction(reason Reason, correlationID string) (bool, error)

	Subscription() (*Subscription, error)
	PutSubscription(s Subscription) error

	Purchase(externalPaymentID string) (*Purchase, error)
	PutPurchase(p Purchase) error

	Session(correlationID string) (*UsageSession, error)
	PutSession(s UsageSession) error

	Throttle() (*ThrottleCounter, error)
	PutThrottle(c ThrottleCounter) error
}
