package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Pool names one of the three credit pools every account carries.
type Pool string

const (
	PoolMonthly   Pool = "monthly"
	PoolRollover  Pool = "rollover"
	PoolPurchased Pool = "purchased"
)

// ParsePool validates a pool name coming from a caller.
func ParsePool(s string) (Pool, error) {
	switch Pool(s) {
	case PoolMonthly, PoolRollover, PoolPurchased:
		return Pool(s), nil
	}
	return "", ValidationError{Field: "pool", Message: "must be monthly, rollover or purchased"}
}

// Reason is the reason code stamped on every Transaction.
type Reason string

const (
	ReasonSignupGrant        Reason = "signup-grant"
	ReasonMonthlyGrant       Reason = "monthly-grant"
	ReasonPurchase           Reason = "purchase"
	ReasonSpend              Reason = "spend"
	ReasonRolloverConversion Reason = "rollover-conversion"
	ReasonRolloverExpiry     Reason = "rollover-expiry"
	ReasonRefundClawback     Reason = "refund-clawback"
	ReasonBonus              Reason = "bonus"
	ReasonAdminAdjustment    Reason = "admin-adjustment"
	ReasonSubscriptionEnded  Reason = "subscription-ended"
)

var reasons = map[Reason]struct{}{
	ReasonSignupGrant:        {},
	ReasonMonthlyGrant:       {},
	ReasonPurchase:           {},
	ReasonSpend:              {},
	ReasonRolloverConversion: {},
	ReasonRolloverExpiry:     {},
	ReasonRefundClawback:     {},
	ReasonBonus:              {},
	ReasonAdminAdjustment:    {},
	ReasonSubscriptionEnded:  {},
}

// ParseReason validates a reason code, used by history filters.
func ParseReason(s string) (Reason, error) {
	if _, ok := reasons[Reason(s)]; !ok {
		return "", ValidationError{Field: "type", Message: "unknown transaction type " + s}
	}
	return Reason(s), nil
}

// Balance is the per-account credit record. The three pools are never
// negative; MonthlyAllotment is the allotment captured at the most recent
// grant or rotation and caps the rollover pool.
type Balance struct {
	AccountID         string
	Monthly           int64
	Rollover          int64
	Purchased         int64
	MonthlyAllotment  int64
	MonthlyResetAt    *time.Time
	RolloverExpiresAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Total is the spendable sum of all pools.
func (b Balance) Total() int64 {
	return b.Monthly + b.Rollover + b.Purchased
}

// Get returns the amount held in one pool.
func (b Balance) Get(p Pool) int64 {
	switch p {
	case PoolMonthly:
		return b.Monthly
	case PoolRollover:
		return b.Rollover
	case PoolPurchased:
		return b.Purchased
	}
	return 0
}

// PoolDelta is a signed change per pool.
type PoolDelta struct {
	Monthly   int64
	Rollover  int64
	Purchased int64
}

// Sum is the net change across pools.
func (d PoolDelta) Sum() int64 {
	return d.Monthly + d.Rollover + d.Purchased
}

// IsZero reports whether the delta leaves every pool untouched.
func (d PoolDelta) IsZero() bool {
	return d.Monthly == 0 && d.Rollover == 0 && d.Purchased == 0
}

// Get returns the change to one pool.
func (d PoolDelta) Get(p Pool) int64 {
	switch p {
	case PoolMonthly:
		return d.Monthly
	case PoolRollover:
		return d.Rollover
	case PoolPurchased:
		return d.Purchased
	}
	return 0
}

// Neg flips the sign of every pool.
func (d PoolDelta) Neg() PoolDelta {
	return PoolDelta{Monthly: -d.Monthly, Rollover: -d.Rollover, Purchased: -d.Purchased}
}

// Only builds a delta touching a single pool.
func Only(p Pool, amount int64) PoolDelta {
	switch p {
	case PoolMonthly:
		return PoolDelta{Monthly: amount}
	case PoolRollover:
		return PoolDelta{Rollover: amount}
	default:
		return PoolDelta{Purchased: amount}
	}
}

// apply returns the balance after delta, and false if any pool would go negative.
func (b Balance) apply(d PoolDelta) (Balance, bool) {
	b.Monthly += d.Monthly
	b.Rollover += d.Rollover
	b.Purchased += d.Purchased
	return b, b.Monthly >= 0 && b.Rollover >= 0 && b.Purchased >= 0
}

// Transaction is an immutable ledger entry. BalanceAfter is the account
// total immediately after the entry was applied.
type Transaction struct {
	ID            int64
	AccountID     string
	Delta         int64
	Pools         PoolDelta
	BalanceAfter  int64
	Reason        Reason
	CorrelationID string
	Note          string
	CreatedAt     time.Time
}

// TxFilter pages through an account's transaction history, newest first.
type TxFilter struct {
	Reason Reason
	Limit  int
	Offset int
}

// TxSummary aggregates the transaction log of one account.
type TxSummary struct {
	Count            int64
	DeltaSum         int64
	LastBalanceAfter int64
}

// PurchaseStatus tracks a payment intent through the gateway.
type PurchaseStatus string

const (
	PurchasePending   PurchaseStatus = "pending"
	PurchaseSucceeded PurchaseStatus = "succeeded"
	PurchaseFailed    PurchaseStatus = "failed"
	PurchaseRefunded  PurchaseStatus = "refunded"
)

// CanTransition reports whether a purchase may move from s to next.
// A failed intent may still succeed on a later attempt by the provider;
// otherwise only succeeded -> refunded leaves a settled state.
func (s PurchaseStatus) CanTransition(next PurchaseStatus) bool {
	switch s {
	case PurchasePending:
		return next == PurchaseSucceeded || next == PurchaseFailed
	case PurchaseFailed:
		return next == PurchaseSucceeded
	case PurchaseSucceeded:
		return next == PurchaseRefunded
	}
	return false
}

// Purchase records one gateway payment intent.
type Purchase struct {
	ID                string
	AccountID         string
	ExternalPaymentID string
	Credits           int64
	Amount            decimal.Decimal
	Currency          string
	PackageTier       string
	Status            PurchaseStatus
	// RefundedCredits is the credit share of the refund that was clawed
	// back against, whether or not the pool still held it.
	RefundedCredits int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// PlanTier is the subscription plan.
type PlanTier string

const (
	PlanIndividual PlanTier = "individual"
	PlanOrgMember  PlanTier = "org-member"
)

// SubscriptionStatus is the local view of the gateway subscription.
type SubscriptionStatus string

const (
	SubscriptionActive    SubscriptionStatus = "active"
	SubscriptionCanceling SubscriptionStatus = "canceling"
	SubscriptionCanceled  SubscriptionStatus = "canceled"
)

// Subscription is at most one per account.
type Subscription struct {
	AccountID        string
	ExternalID       string
	PlanTier         PlanTier
	Status           SubscriptionStatus
	CurrentPeriodEnd time.Time
	UpdatedAt        time.Time
}

// ThrottleCounter accumulates real-dollar provider spend for an account.
type ThrottleCounter struct {
	AccountID   string
	SpendUSD    decimal.Decimal
	WindowStart time.Time
	Throttled   bool
	Reason      string
	UpdatedAt   time.Time
}

// UsageSession remembers what a spend charged so actual usage can be
// reconciled against it later.
type UsageSession struct {
	CorrelationID   string
	AccountID       string
	Model           string
	EstimatedTokens int64
	Charged         int64
	Drawn           PoolDelta
	ActualTokens    *int64
	Adjustment      int64
	Shortfall       int64
	CorrectedAt     *time.Time
	CreatedAt       time.Time
}

// WebhookEvent is the durable log of a verified provider event.
type WebhookEvent struct {
	ID          string
	Provider    string
	EventID     string
	Type        string
	Payload     []byte
	Attempts    int
	ProcessedAt *time.Time
	Error       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}
