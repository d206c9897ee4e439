// Package gateway is the outbound side of the payment provider: it starts
// credit package payments and subscription checkouts, and cancels
// subscriptions. Everything it learns about money arriving or leaving
// comes back later as a webhook; this package never changes a balance.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/webhook"
)

// ErrUnavailable is returned while the circuit to the provider is open.
var ErrUnavailable = errors.New("gateway: payment provider unavailable")

type Config struct {
	SecretKey string
	// BaseURL overrides the provider API endpoint.
	BaseURL    string
	MaxRetries int
	SuccessURL string
	CancelURL  string
	// PlanPrices maps a plan to the provider's recurring price id.
	PlanPrices map[ledger.PlanTier]string
}

type Client struct {
	api      *client.API
	ledger   *ledger.Ledger
	executor failsafe.Executor[any]
	cfg      Config
	log      zerolog.Logger
}

// PaymentCheckout is what a caller needs to confirm a package payment.
type PaymentCheckout struct {
	PurchaseID      string
	PaymentIntentID string
	ClientSecret    string
	Credits         int64
	Amount          decimal.Decimal
	Currency        string
}

// SubscriptionCheckout points the user at the hosted checkout page.
type SubscriptionCheckout struct {
	SessionID string
	URL       string
}

func New(cfg Config, l *ledger.Ledger, logger zerolog.Logger) *Client {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	log := logger.With().Str("component", "gateway").Logger()

	backendCfg := &stripe.BackendConfig{
		// Retries are ours, so the idempotency key spans every attempt.
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     stripeLogger{log: log},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg))

	retry := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isRetryable(err) }).
		WithBackoff(200*time.Millisecond, 2*time.Second).
		WithJitterFactor(0.1).
		WithMaxRetries(cfg.MaxRetries).
		ReturnLastFailure().
		OnRetry(func(e failsafe.ExecutionEvent[any]) {
			log.Warn().Err(e.LastError()).Int("attempt", e.Attempts()).Msg("retrying payment provider call")
		}).
		Build()

	breaker := circuitbreaker.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool { return isRetryable(err) }).
		WithFailureThresholdRatio(5, 10).
		WithDelay(30 * time.Second).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn().Str("from", stateName(e.OldState)).Str("to", stateName(e.NewState)).Msg("payment provider circuit changed state")
		}).
		Build()

	return &Client{
		api:      api,
		ledger:   l,
		executor: failsafe.With[any](retry, breaker),
		cfg:      cfg,
		log:      log,
	}
}

// isRetryable treats rate limits, provider 5xx and network failures as
// transient. Card and request errors are final.
func isRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *stripe.Error
	if errors.As(err, &se) {
		return se.HTTPStatusCode == 429 || se.HTTPStatusCode >= 500
	}
	var ne net.Error
	return errors.As(err, &ne)
}

func stateName(s circuitbreaker.State) string {
	switch s {
	case circuitbreaker.OpenState:
		return "open"
	case circuitbreaker.HalfOpenState:
		return "half-open"
	default:
		return "closed"
	}
}

func (c *Client) call(ctx context.Context, fn func() (any, error)) (any, error) {
	out, err := c.executor.WithContext(ctx).Get(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) {
		return nil, ErrUnavailable
	}
	return out, err
}

// CreatePurchase starts the payment of a credit package and records the
// pending purchase under the new payment intent id. Credits are granted
// only when the provider confirms the payment.
func (c *Client) CreatePurchase(ctx context.Context, accountID, packageTier string) (PaymentCheckout, error) {
	pkg, ok := ledger.LookupPackage(packageTier)
	if !ok {
		return PaymentCheckout{}, ledger.ValidationError{Field: "package_tier", Message: "unknown package " + packageTier}
	}
	if _, err := c.ledger.GetBalance(ctx, accountID); err != nil {
		return PaymentCheckout{}, err
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(pkg.Price.Shift(ledger.MinorUnits(pkg.Currency)).IntPart()),
		Currency: stripe.String(pkg.Currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Metadata: map[string]string{
			webhook.MetaAccountID:   accountID,
			webhook.MetaCredits:     strconv.FormatInt(pkg.Credits, 10),
			webhook.MetaPackageTier: pkg.Tier,
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey("purchase-" + uuid.NewString())

	out, err := c.call(ctx, func() (any, error) {
		return c.api.PaymentIntents.New(params)
	})
	if err != nil {
		return PaymentCheckout{}, fmt.Errorf("create payment intent: %w", err)
	}
	pi := out.(*stripe.PaymentIntent)

	purchase := ledger.Purchase{
		ID:                uuid.NewString(),
		AccountID:         accountID,
		ExternalPaymentID: pi.ID,
		Credits:           pkg.Credits,
		Amount:            pkg.Price,
		Currency:          pkg.Currency,
		PackageTier:       pkg.Tier,
		Status:            ledger.PurchasePending,
	}
	err = c.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		if _, err := u.Balance(); err != nil {
			return err
		}
		existing, err := u.Tx().Purchase(pi.ID)
		if err != nil {
			return fmt.Errorf("purchase lookup: %w", err)
		}
		if existing != nil {
			// The webhook beat us to it.
			purchase = *existing
			return nil
		}
		purchase.CreatedAt = u.Now()
		purchase.UpdatedAt = u.Now()
		return u.Tx().PutPurchase(purchase)
	})
	if err != nil {
		return PaymentCheckout{}, fmt.Errorf("record pending purchase: %w", err)
	}

	c.log.Info().
		Str("account_id", accountID).
		Str("payment_intent_id", pi.ID).
		Str("package_tier", pkg.Tier).
		Int64("credits", pkg.Credits).
		Msg("purchase started")

	return PaymentCheckout{
		PurchaseID:      purchase.ID,
		PaymentIntentID: pi.ID,
		ClientSecret:    pi.ClientSecret,
		Credits:         pkg.Credits,
		Amount:          pkg.Price,
		Currency:        pkg.Currency,
	}, nil
}

// StartSubscription creates a hosted checkout for a plan. The plan tier
// and account ride on the subscription metadata so the subscription
// webhooks can be attributed.
func (c *Client) StartSubscription(ctx context.Context, accountID string, tier ledger.PlanTier) (SubscriptionCheckout, error) {
	price, ok := c.cfg.PlanPrices[tier]
	if !ok || price == "" {
		return SubscriptionCheckout{}, ledger.ValidationError{Field: "plan_tier", Message: "no price configured for " + string(tier)}
	}
	if _, err := c.ledger.GetBalance(ctx, accountID); err != nil {
		return SubscriptionCheckout{}, err
	}

	metadata := map[string]string{
		webhook.MetaAccountID: accountID,
		webhook.MetaPlanTier:  string(tier),
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(price), Quantity: stripe.Int64(1)},
		},
		ClientReferenceID: stripe.String(accountID),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		Metadata:          metadata,
		SubscriptionData:  &stripe.CheckoutSessionSubscriptionDataParams{Metadata: metadata},
	}
	params.Context = ctx
	params.SetIdempotencyKey("subscribe-" + uuid.NewString())

	out, err := c.call(ctx, func() (any, error) {
		return c.api.CheckoutSessions.New(params)
	})
	if err != nil {
		return SubscriptionCheckout{}, fmt.Errorf("create checkout session: %w", err)
	}
	sess := out.(*stripe.CheckoutSession)

	c.log.Info().
		Str("account_id", accountID).
		Str("session_id", sess.ID).
		Str("plan_tier", string(tier)).
		Msg("subscription checkout started")
	return SubscriptionCheckout{SessionID: sess.ID, URL: sess.URL}, nil
}

// CancelSubscription asks the provider to cancel at period end. The local
// status moves to canceling when the resulting update webhook arrives.
func (c *Client) CancelSubscription(ctx context.Context, accountID string) error {
	var externalID string
	err := c.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		sub, err := u.Tx().Subscription()
		if err != nil {
			return fmt.Errorf("subscription lookup: %w", err)
		}
		if sub == nil || sub.Status == ledger.SubscriptionCanceled {
			return ledger.ValidationError{Field: "subscription", Message: "account has no live subscription"}
		}
		externalID = sub.ExternalID
		return nil
	})
	if err != nil {
		return err
	}

	params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
	params.Context = ctx
	if _, err := c.call(ctx, func() (any, error) {
		return c.api.Subscriptions.Update(externalID, params)
	}); err != nil {
		return fmt.Errorf("cancel subscription: %w", err)
	}

	c.log.Info().
		Str("account_id", accountID).
		Str("subscription_id", externalID).
		Msg("subscription scheduled for cancellation")
	return nil
}

// stripeLogger routes the provider library's logging into zerolog.
type stripeLogger struct {
	log zerolog.Logger
}

func (l stripeLogger) Debugf(format string, v ...interface{}) { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Infof(format string, v ...interface{})  { l.log.Debug().Msgf(format, v...) }
func (l stripeLogger) Warnf(format string, v ...interface{})  { l.log.Warn().Msgf(format, v...) }
func (l stripeLogger) Errorf(format string, v ...interface{}) { l.log.Error().Msgf(format, v...) }
