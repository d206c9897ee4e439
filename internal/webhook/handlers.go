package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/kelpejol/runledger/internal/ledger"
)

// resolveAccount prefers the account id carried in metadata and falls back
// to the record that already links the external id to an account.
func resolveAccount(metaAccount string, lookup func() (string, error)) (string, error) {
	if metaAccount != "" {
		return metaAccount, nil
	}
	acct, err := lookup()
	if err != nil {
		return "", fmt.Errorf("resolve account: %w", err)
	}
	return acct, nil
}

// resolvePurchaseAccount is resolveAccount for payment intents. An intent
// with no purchase record and no account metadata is not ours to credit.
func (r *Reconciler) resolvePurchaseAccount(ctx context.Context, metaAccount, paymentIntentID string) (string, error) {
	acct, err := resolveAccount(metaAccount, func() (string, error) {
		return r.ledger.Store().FindPurchaseAccount(ctx, paymentIntentID)
	})
	if errors.Is(err, ledger.ErrPurchaseNotFound) {
		return "", fmt.Errorf("%w: %s", errNotCredits, paymentIntentID)
	}
	return acct, err
}

func sameSubscription(a, b ledger.Subscription) bool {
	return a.ExternalID == b.ExternalID &&
		a.PlanTier == b.PlanTier &&
		a.Status == b.Status &&
		a.CurrentPeriodEnd.Equal(b.CurrentPeriodEnd)
}

// applySubscription upserts the subscription. Moving into active grants the
// plan allotment once per billing period, keyed by the period end.
// Deletion zeroes the monthly pool and leaves rollover and purchased alone.
func (r *Reconciler) applySubscription(ctx context.Context, ev Event, p SubscriptionChange) error {
	acct, err := resolveAccount(p.AccountID, func() (string, error) {
		return r.ledger.Store().FindSubscriptionAccount(ctx, p.SubscriptionID)
	})
	if err != nil {
		return err
	}

	allotment, ok := r.allotments[p.PlanTier]
	if !ok {
		return ledger.ValidationError{Field: "plan_tier", Message: "no allotment configured for " + string(p.PlanTier)}
	}

	granted := false
	err = r.ledger.Apply(ctx, acct, func(u *ledger.Unit) error {
		granted = false
		bal, err := u.Balance()
		if err != nil {
			return err
		}
		prev, err := u.Tx().Subscription()
		if err != nil {
			return fmt.Errorf("subscription lookup: %w", err)
		}

		next := ledger.Subscription{
			AccountID:        acct,
			ExternalID:       p.SubscriptionID,
			PlanTier:         p.PlanTier,
			Status:           p.Status,
			CurrentPeriodEnd: p.PeriodEnd,
			UpdatedAt:        u.Now(),
		}
		if prev != nil && next.CurrentPeriodEnd.IsZero() {
			next.CurrentPeriodEnd = prev.CurrentPeriodEnd
		}
		if prev != nil && sameSubscription(*prev, next) {
			return ledger.ErrDuplicateEvent
		}
		if p.Action == SubscriptionDeleted && prev != nil && prev.ExternalID != p.SubscriptionID {
			// Stale deletion of a subscription that was already replaced.
			return ledger.ErrDuplicateEvent
		}
		if err := u.Tx().PutSubscription(next); err != nil {
			return fmt.Errorf("write subscription: %w", err)
		}

		if p.Action == SubscriptionDeleted {
			_, err := u.Mutate(ledger.PoolDelta{Monthly: -bal.Monthly}, ledger.ReasonSubscriptionEnded,
				p.SubscriptionID+":canceled", "subscription canceled")
			if err != nil && !errors.Is(err, ledger.ErrDuplicateEvent) {
				return err
			}
			return u.Reschedule(func(b *ledger.Balance) {
				b.MonthlyResetAt = nil
			})
		}

		becameActive := p.Status == ledger.SubscriptionActive &&
			(prev == nil || prev.Status != ledger.SubscriptionActive || prev.ExternalID != p.SubscriptionID)
		if !becameActive {
			return nil
		}

		// A resumed subscription whose current period was already granted,
		// here or by a rotation, waits for the next rotation.
		if prev != nil && prev.ExternalID == p.SubscriptionID &&
			bal.MonthlyResetAt != nil && bal.MonthlyResetAt.After(u.Now()) {
			return nil
		}

		corr := ledger.PeriodGrantID(p.SubscriptionID, p.PeriodEnd)
		seen, err := u.Tx().HasTransaction(ledger.ReasonMonthlyGrant, corr)
		if err != nil {
			return fmt.Errorf("grant lookup: %w", err)
		}
		if seen {
			return nil
		}

		topUp := max(allotment-bal.Monthly, 0)
		if _, err := u.Mutate(ledger.PoolDelta{Monthly: topUp}, ledger.ReasonMonthlyGrant, corr,
			"plan "+string(p.PlanTier)); err != nil {
			return err
		}
		granted = true

		periodEnd := p.PeriodEnd
		return u.Reschedule(func(b *ledger.Balance) {
			b.MonthlyAllotment = allotment
			b.MonthlyResetAt = &periodEnd
		})
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("account_id", acct).
		Str("event_id", ev.ID).
		Str("subscription_id", p.SubscriptionID).
		Str("status", string(p.Status)).
		Bool("granted", granted).
		Msg("subscription reconciled")
	return nil
}

// applyPaymentSucceeded marks the purchase succeeded and grants its credits
// with the payment intent id as correlation id. An intent we never saw at
// checkout is recorded from its metadata first.
func (r *Reconciler) applyPaymentSucceeded(ctx context.Context, ev Event, p Payment) error {
	acct, err := r.resolvePurchaseAccount(ctx, p.AccountID, p.PaymentIntentID)
	if err != nil {
		return err
	}

	var credits int64
	err = r.ledger.Apply(ctx, acct, func(u *ledger.Unit) error {
		purchase, err := r.loadPurchase(u, p)
		if err != nil {
			return err
		}
		if purchase.Status == ledger.PurchaseSucceeded || purchase.Status == ledger.PurchaseRefunded {
			return ledger.ErrDuplicateEvent
		}
		if !purchase.Status.CanTransition(ledger.PurchaseSucceeded) {
			return fmt.Errorf("purchase %s cannot move from %s to succeeded: %w",
				p.PaymentIntentID, purchase.Status, ledger.ErrInvalidInput)
		}
		if purchase.Credits <= 0 {
			return ledger.ValidationError{Field: "credits", Message: "purchase " + p.PaymentIntentID + " has no credit amount"}
		}

		if _, err := u.Mutate(ledger.PoolDelta{Purchased: purchase.Credits}, ledger.ReasonPurchase,
			p.PaymentIntentID, "package "+purchase.PackageTier); err != nil {
			return err
		}

		purchase.Status = ledger.PurchaseSucceeded
		purchase.UpdatedAt = u.Now()
		credits = purchase.Credits
		return u.Tx().PutPurchase(*purchase)
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("account_id", acct).
		Str("event_id", ev.ID).
		Str("payment_intent_id", p.PaymentIntentID).
		Int64("credits", credits).
		Msg("purchase credited")
	return nil
}

func (r *Reconciler) applyPaymentFailed(ctx context.Context, ev Event, p Payment) error {
	acct, err := r.resolvePurchaseAccount(ctx, p.AccountID, p.PaymentIntentID)
	if err != nil {
		return err
	}

	err = r.ledger.Apply(ctx, acct, func(u *ledger.Unit) error {
		if _, err := u.Balance(); err != nil {
			return err
		}
		purchase, err := r.loadPurchase(u, p)
		if err != nil {
			return err
		}
		if !purchase.Status.CanTransition(ledger.PurchaseFailed) {
			return ledger.ErrDuplicateEvent
		}
		purchase.Status = ledger.PurchaseFailed
		purchase.UpdatedAt = u.Now()
		return u.Tx().PutPurchase(*purchase)
	})
	if err != nil {
		return err
	}

	r.log.Info().
		Str("account_id", acct).
		Str("event_id", ev.ID).
		Str("payment_intent_id", p.PaymentIntentID).
		Msg("purchase failed")
	return nil
}

// loadPurchase returns the stored record for the intent, or a pending one
// built from the event metadata.
func (r *Reconciler) loadPurchase(u *ledger.Unit, p Payment) (*ledger.Purchase, error) {
	purchase, err := u.Tx().Purchase(p.PaymentIntentID)
	if err != nil {
		return nil, fmt.Errorf("purchase lookup: %w", err)
	}
	if purchase != nil {
		return purchase, nil
	}
	if p.Credits <= 0 {
		return nil, fmt.Errorf("%w: %s", errNotCredits, p.PaymentIntentID)
	}
	return &ledger.Purchase{
		AccountID:         u.AccountID(),
		ExternalPaymentID: p.PaymentIntentID,
		Credits:           p.Credits,
		Amount:            p.Amount,
		Currency:          p.Currency,
		PackageTier:       p.PackageTier,
		Status:            ledger.PurchasePending,
		CreatedAt:         u.Now(),
		UpdatedAt:         u.Now(),
	}, nil
}

// applyRefund claws the refunded share of a purchase back out of the
// purchased pool. The debit is clamped at what the pool still holds, so a
// user who already spent the credits is never driven negative. A purchase
// is clawed back at most once.
func (r *Reconciler) applyRefund(ctx context.Context, ev Event, p Refund) error {
	acct, err := r.resolvePurchaseAccount(ctx, p.AccountID, p.PaymentIntentID)
	if err != nil {
		return err
	}

	var owed, clawed int64
	err = r.ledger.Apply(ctx, acct, func(u *ledger.Unit) error {
		purchase, err := u.Tx().Purchase(p.PaymentIntentID)
		if err != nil {
			return fmt.Errorf("purchase lookup: %w", err)
		}
		if purchase == nil {
			return fmt.Errorf("%w: %s", errNotCredits, p.PaymentIntentID)
		}
		if purchase.Status == ledger.PurchaseRefunded {
			if later := refundedCredits(purchase.Credits, p.Amount, p.AmountRefunded); later > purchase.RefundedCredits {
				r.log.Warn().
					Str("account_id", u.AccountID()).
					Str("event_id", ev.ID).
					Str("payment_intent_id", p.PaymentIntentID).
					Int64("already_refunded", purchase.RefundedCredits).
					Int64("now_refunded", later).
					Msg("further refund of an already refunded purchase left uncovered")
			}
			return ledger.ErrDuplicateEvent
		}
		if !purchase.Status.CanTransition(ledger.PurchaseRefunded) {
			return fmt.Errorf("purchase %s cannot be refunded from %s: %w",
				p.PaymentIntentID, purchase.Status, ledger.ErrInvalidInput)
		}

		bal, err := u.Balance()
		if err != nil {
			return err
		}
		owed = refundedCredits(purchase.Credits, p.Amount, p.AmountRefunded)
		clawed = min(owed, bal.Purchased)

		if _, err := u.Mutate(ledger.PoolDelta{Purchased: -clawed}, ledger.ReasonRefundClawback,
			p.PaymentIntentID, fmt.Sprintf("refund of %d credits, %d recovered", owed, clawed)); err != nil {
			return err
		}

		purchase.Status = ledger.PurchaseRefunded
		purchase.RefundedCredits = owed
		purchase.UpdatedAt = u.Now()
		return u.Tx().PutPurchase(*purchase)
	})
	if err != nil {
		return err
	}

	logEv := r.log.Info()
	if clawed < owed {
		logEv = r.log.Warn()
	}
	logEv.Str("account_id", acct).
		Str("event_id", ev.ID).
		Str("payment_intent_id", p.PaymentIntentID).
		Int64("owed", owed).
		Int64("clawed", clawed).
		Msg("refund clawed back")
	return nil
}

// refundedCredits is the credit share of a refund: everything for a full
// refund, otherwise proportional to the refunded money, rounded down.
func refundedCredits(credits, amount, refunded int64) int64 {
	if amount <= 0 || refunded >= amount {
		return credits
	}
	if refunded <= 0 {
		return 0
	}
	return credits * refunded / amount
}
