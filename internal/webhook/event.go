// Package webhook turns signed payment provider events into ledger
// mutations.
//
// Verification and decoding happen first and never touch the ledger: an
// event with a bad signature, a stale timestamp or a type we do not know is
// rejected outright. Verified events are recorded in the event log, then
// applied by the Reconciler through the same atomic unit as every other
// balance change.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/kelpejol/runledger/internal/ledger"
)

const Provider = "stripe"

// ErrMalformedEvent marks a verified event that can never be applied as
// sent, so the provider should stop retrying it.
var ErrMalformedEvent = errors.New("webhook: malformed event")

// Provider event types we act on.
const (
	TypeSubscriptionCreated = "customer.subscription.created"
	TypeSubscriptionUpdated = "customer.subscription.updated"
	TypeSubscriptionDeleted = "customer.subscription.deleted"
	TypePaymentSucceeded    = "payment_intent.succeeded"
	TypePaymentFailed       = "payment_intent.payment_failed"
	TypeChargeRefunded      = "charge.refunded"
)

// Metadata keys set on checkout sessions, payment intents and subscriptions.
const (
	MetaAccountID   = "account_id"
	MetaPlanTier    = "plan_tier"
	MetaCredits     = "credits"
	MetaPackageTier = "package_tier"
)

// Event is a verified provider event. Payload is one of
// SubscriptionChange, Payment or Refund.
type Event struct {
	ID      string
	Type    string
	Created time.Time
	Payload Payload
	Raw     []byte
}

// Payload is the closed set of event bodies the Reconciler handles.
type Payload interface {
	payload()
}

type SubscriptionAction string

const (
	SubscriptionCreated SubscriptionAction = "created"
	SubscriptionUpdated SubscriptionAction = "updated"
	SubscriptionDeleted SubscriptionAction = "deleted"
)

type SubscriptionChange struct {
	Action         SubscriptionAction
	SubscriptionID string
	AccountID      string
	PlanTier       ledger.PlanTier
	Status         ledger.SubscriptionStatus
	PeriodEnd      time.Time
}

type Payment struct {
	Succeeded       bool
	PaymentIntentID string
	AccountID       string
	Credits         int64
	Amount          decimal.Decimal
	Currency        string
	PackageTier     string
}

type Refund struct {
	ChargeID        string
	PaymentIntentID string
	AccountID       string
	// Amount and AmountRefunded are in the currency's minor unit.
	Amount         int64
	AmountRefunded int64
}

func (SubscriptionChange) payload() {}
func (Payment) payload()            {}
func (Refund) payload()             {}

// Verifier checks the provider signature and timestamp freshness.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify authenticates payload against the signature header.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if v.secret == "" {
		return stripe.Event{}, fmt.Errorf("%w: webhook secret not configured", ledger.ErrWebhookSignatureInvalid)
	}
	ev, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ledger.ErrWebhookSignatureInvalid, err)
	}
	return ev, nil
}

// ParseStored rebuilds a provider event from a payload already verified
// and kept in the event log.
func ParseStored(payload []byte) (stripe.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return stripe.Event{}, fmt.Errorf("decode stored event: %w", err)
	}
	return ev, nil
}

// Decode maps a provider event onto the closed Payload set. Types outside
// that set fail with ErrUnknownEventType.
func Decode(ev stripe.Event, raw []byte) (Event, error) {
	out := Event{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: time.Unix(ev.Created, 0).UTC(),
		Raw:     raw,
	}
	if ev.ID == "" {
		return Event{}, fmt.Errorf("%w: event id is required", ErrMalformedEvent)
	}
	if ev.Data == nil {
		return Event{}, ledger.ValidationError{Field: "data", Message: "event has no data object"}
	}

	var err error
	switch out.Type {
	case TypeSubscriptionCreated:
		out.Payload, err = decodeSubscription(ev, SubscriptionCreated)
	case TypeSubscriptionUpdated:
		out.Payload, err = decodeSubscription(ev, SubscriptionUpdated)
	case TypeSubscriptionDeleted:
		out.Payload, err = decodeSubscription(ev, SubscriptionDeleted)
	case TypePaymentSucceeded:
		out.Payload, err = decodePayment(ev, true)
	case TypePaymentFailed:
		out.Payload, err = decodePayment(ev, false)
	case TypeChargeRefunded:
		out.Payload, err = decodeRefund(ev)
	default:
		return Event{}, fmt.Errorf("%w: %s", ledger.ErrUnknownEventType, out.Type)
	}
	if err != nil {
		return Event{}, err
	}
	return out, nil
}

func decodeSubscription(ev stripe.Event, action SubscriptionAction) (SubscriptionChange, error) {
	var sub stripe.Subscription
	if err := sub.UnmarshalJSON(ev.Data.Raw); err != nil {
		return SubscriptionChange{}, fmt.Errorf("failed to unmarshal subscription: %w", err)
	}

	tier, err := ledger.ParsePlanTier(sub.Metadata[MetaPlanTier])
	if err != nil {
		if action != SubscriptionDeleted {
			return SubscriptionChange{}, err
		}
		tier = ledger.PlanIndividual
	}

	change := SubscriptionChange{
		Action:         action,
		SubscriptionID: sub.ID,
		AccountID:      sub.Metadata[MetaAccountID],
		PlanTier:       tier,
		Status:         subscriptionStatus(&sub),
	}
	if action == SubscriptionDeleted {
		change.Status = ledger.SubscriptionCanceled
	}
	// In this API version the billing period lives on the subscription items.
	if sub.Items != nil && len(sub.Items.Data) > 0 {
		change.PeriodEnd = time.Unix(sub.Items.Data[0].CurrentPeriodEnd, 0).UTC()
	}
	if change.SubscriptionID == "" {
		return SubscriptionChange{}, ledger.ValidationError{Field: "subscription.id", Message: "is required"}
	}
	if change.PeriodEnd.IsZero() && change.Status == ledger.SubscriptionActive {
		return SubscriptionChange{}, ledger.ValidationError{Field: "current_period_end", Message: "is required for active subscriptions"}
	}
	return change, nil
}

// subscriptionStatus folds the provider's lifecycle onto ours. Anything
// that is neither paying nor terminated keeps its credits but earns no
// new grants.
func subscriptionStatus(sub *stripe.Subscription) ledger.SubscriptionStatus {
	switch sub.Status {
	case stripe.SubscriptionStatusActive, stripe.SubscriptionStatusTrialing:
		if sub.CancelAtPeriodEnd {
			return ledger.SubscriptionCanceling
		}
		return ledger.SubscriptionActive
	case stripe.SubscriptionStatusCanceled, stripe.SubscriptionStatusUnpaid, stripe.SubscriptionStatusIncompleteExpired:
		return ledger.SubscriptionCanceled
	}
	return ledger.SubscriptionCanceling
}

func decodePayment(ev stripe.Event, succeeded bool) (Payment, error) {
	var pi stripe.PaymentIntent
	if err := pi.UnmarshalJSON(ev.Data.Raw); err != nil {
		return Payment{}, fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}
	if pi.ID == "" {
		return Payment{}, ledger.ValidationError{Field: "payment_intent.id", Message: "is required"}
	}

	p := Payment{
		Succeeded:       succeeded,
		PaymentIntentID: pi.ID,
		AccountID:       pi.Metadata[MetaAccountID],
		Amount:          decimal.New(pi.Amount, -ledger.MinorUnits(string(pi.Currency))),
		Currency:        string(pi.Currency),
		PackageTier:     pi.Metadata[MetaPackageTier],
	}
	credits, err := creditsFromMetadata(pi.Metadata)
	if err != nil {
		return Payment{}, err
	}
	p.Credits = credits
	return p, nil
}

// creditsFromMetadata prefers an explicit credits value, then the package
// tier. Zero means neither was present; the purchase record decides.
func creditsFromMetadata(md map[string]string) (int64, error) {
	if s := md[MetaCredits]; s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n <= 0 {
			return 0, ledger.ValidationError{Field: "metadata.credits", Message: "must be a positive integer"}
		}
		return n, nil
	}
	if tier := md[MetaPackageTier]; tier != "" {
		pkg, ok := ledger.LookupPackage(tier)
		if !ok {
			return 0, ledger.ValidationError{Field: "metadata.package_tier", Message: "unknown package " + tier}
		}
		return pkg.Credits, nil
	}
	return 0, nil
}

func decodeRefund(ev stripe.Event) (Refund, error) {
	var ch stripe.Charge
	if err := ch.UnmarshalJSON(ev.Data.Raw); err != nil {
		return Refund{}, fmt.Errorf("failed to unmarshal charge: %w", err)
	}
	if ch.PaymentIntent == nil || ch.PaymentIntent.ID == "" {
		return Refund{}, ledger.ValidationError{Field: "charge.payment_intent", Message: "is required"}
	}
	return Refund{
		ChargeID:        ch.ID,
		PaymentIntentID: ch.PaymentIntent.ID,
		AccountID:       ch.Metadata[MetaAccountID],
		Amount:          ch.Amount,
		AmountRefunded:  ch.AmountRefunded,
	}, nil
}

// IsRejected reports errors that mean the request itself was bad and the
// provider should not retry it.
func IsRejected(err error) bool {
	return errors.Is(err, ledger.ErrWebhookSignatureInvalid) ||
		errors.Is(err, ledger.ErrUnknownEventType) ||
		errors.Is(err, ErrMalformedEvent)
}
