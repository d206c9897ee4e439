package webhook

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
)

// Outcome is what handling an event amounted to.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored is a payment or charge that belongs to no credit
	// purchase, such as a subscription invoice.
	OutcomeIgnored Outcome = "ignored"
)

// errNotCredits is returned by handlers for payments unrelated to credits.
var errNotCredits = errors.New("webhook: payment is not a credit purchase")

// Reconciler applies verified provider events exactly once. Every handler
// is safe to re-run: idempotency rests on the event log, on correlation ids
// in the Transaction log and on purchase status, never on delivery order.
type Reconciler struct {
	ledger     *ledger.Ledger
	verifier   *Verifier
	allotments map[ledger.PlanTier]int64
	log        zerolog.Logger
}

func NewReconciler(l *ledger.Ledger, v *Verifier, allotments map[ledger.PlanTier]int64, logger zerolog.Logger) *Reconciler {
	if len(allotments) == 0 {
		allotments = ledger.DefaultAllotments()
	}
	return &Reconciler{
		ledger:     l,
		verifier:   v,
		allotments: allotments,
		log:        logger.With().Str("component", "webhook_reconciler").Logger(),
	}
}

// HandleWebhook verifies, records and applies one delivery. Signature and
// unknown-type failures are returned before anything is stored.
// A delivery of an already processed event is a successful no-op.
func (r *Reconciler) HandleWebhook(ctx context.Context, payload []byte, signatureHeader string) (Outcome, error) {
	sev, err := r.verifier.Verify(payload, signatureHeader)
	if err != nil {
		metrics.WebhookEvents.WithLabelValues("unverified", "rejected").Inc()
		r.log.Warn().Err(err).Int("payload_len", len(payload)).Msg("webhook signature rejected")
		return "", err
	}
	return r.handle(ctx, sev, payload, false)
}

// Replay re-runs a stored event, typically one that failed earlier.
func (r *Reconciler) Replay(ctx context.Context, eventID string) (Outcome, error) {
	rec, err := r.ledger.Store().GetEvent(ctx, Provider, eventID)
	if err != nil {
		return "", err
	}
	sev, err := ParseStored(rec.Payload)
	if err != nil {
		return "", err
	}
	r.log.Info().Str("event_id", eventID).Int("attempts", rec.Attempts).Msg("replaying webhook event")
	return r.handle(ctx, sev, rec.Payload, true)
}

func (r *Reconciler) handle(ctx context.Context, sev stripe.Event, raw []byte, replay bool) (Outcome, error) {
	log := r.log.With().Str("event_id", sev.ID).Str("event_type", string(sev.Type)).Logger()

	ev, decodeErr := Decode(sev, raw)
	if errors.Is(decodeErr, ledger.ErrUnknownEventType) {
		metrics.WebhookEvents.WithLabelValues("unknown", "rejected").Inc()
		log.Warn().Msg("unknown webhook event type rejected")
		return "", decodeErr
	}
	if sev.ID == "" {
		metrics.WebhookEvents.WithLabelValues(string(sev.Type), "rejected").Inc()
		log.Warn().Err(decodeErr).Msg("webhook event without id rejected")
		return "", decodeErr
	}

	if !replay {
		rec, inserted, err := r.ledger.Store().RecordEvent(ctx, ledger.WebhookEvent{
			Provider: Provider,
			EventID:  sev.ID,
			Type:     string(sev.Type),
			Payload:  raw,
		})
		if err != nil {
			return "", fmt.Errorf("record webhook event: %w", err)
		}
		if !inserted && rec.ProcessedAt != nil {
			metrics.WebhookEvents.WithLabelValues(string(sev.Type), string(OutcomeDuplicate)).Inc()
			log.Debug().Msg("webhook event already processed")
			return OutcomeDuplicate, nil
		}
	}

	err := decodeErr
	if err == nil {
		err = r.Apply(ctx, ev)
	}

	outcome := OutcomeApplied
	switch {
	case errors.Is(err, ledger.ErrDuplicateEvent):
		outcome, err = OutcomeDuplicate, nil
	case errors.Is(err, errNotCredits):
		log.Info().Err(err).Msg("webhook event has no credit purchase")
		outcome, err = OutcomeIgnored, nil
	}

	if err != nil {
		metrics.WebhookEvents.WithLabelValues(string(sev.Type), "failed").Inc()
		if markErr := r.ledger.Store().MarkEventFailed(ctx, Provider, sev.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Msg("failed to record webhook failure")
		}
		log.Error().
			Err(err).
			RawJSON("payload", raw).
			Msg("webhook event processing failed")
		return "", err
	}

	if err := r.ledger.Store().MarkEventProcessed(ctx, Provider, sev.ID, r.ledger.Now().UTC()); err != nil {
		log.Error().Err(err).Msg("failed to mark webhook event processed")
	}
	metrics.WebhookEvents.WithLabelValues(string(sev.Type), string(outcome)).Inc()
	log.Info().Str("outcome", string(outcome)).Msg("webhook event handled")
	return outcome, nil
}

// Apply dispatches on the payload type. A handler that finds the event
// already reflected in the ledger returns ErrDuplicateEvent.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	switch p := ev.Payload.(type) {
	case SubscriptionChange:
		return r.applySubscription(ctx, ev, p)
	case Payment:
		if p.Succeeded {
			return r.applyPaymentSucceeded(ctx, ev, p)
		}
		return r.applyPaymentFailed(ctx, ev, p)
	case Refund:
		return r.applyRefund(ctx, ev, p)
	default:
		return fmt.Errorf("%w: %s", ledger.ErrUnknownEventType, ev.Type)
	}
}
