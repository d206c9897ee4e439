// Package api implements the gRPC CreditService.
//
// This is the interface layer between callers (the execution service, the
// web app, SDKs) and the ledger. It authenticates the caller, scopes the
// request to an account the caller may act on, validates the payload and
// translates ledger errors into gRPC status codes. It keeps no state of its
// own; everything it reads or writes goes through the spend coordinator,
// the ledger or the payment gateway.
package api

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/runledger/internal/auth"
	"github.com/kelpejol/runledger/internal/gateway"
	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/spend"
	"github.com/kelpejol/runledger/internal/throttle"
)

// CreditService implements CreditServiceServer.
type CreditService struct {
	ledger      *ledger.Ledger
	coord       *spend.Coordinator
	guard       *throttle.Guard
	gateway     *gateway.Client
	auth        *auth.Authenticator
	signupGrant int64
	log         zerolog.Logger
}

type Deps struct {
	Ledger      *ledger.Ledger
	Coordinator *spend.Coordinator
	Guard       *throttle.Guard
	// Gateway is optional; purchase and subscription calls fail with
	// Unavailable without it.
	Gateway     *gateway.Client
	Auth        *auth.Authenticator
	SignupGrant int64
}

func NewCreditService(d Deps, logger zerolog.Logger) *CreditService {
	return &CreditService{
		ledger:      d.Ledger,
		coord:       d.Coordinator,
		guard:       d.Guard,
		gateway:     d.Gateway,
		auth:        d.Auth,
		signupGrant: d.SignupGrant,
		log:         logger.With().Str("component", "credit_service").Logger(),
	}
}

// principal authenticates the call and resolves the account it acts on.
func (s *CreditService) principal(ctx context.Context, req *structpb.Struct) (auth.Principal, string, error) {
	p, err := s.auth.ValidateAPIKey(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("authentication failed")
		return auth.Principal{}, "", toStatus(err)
	}
	acct, err := p.Scope(stringField(req, "account_id"))
	if err != nil {
		return p, "", toStatus(err)
	}
	return p, acct, nil
}

// Estimate quotes a run. Any authenticated caller may ask.
func (s *CreditService) Estimate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if _, err := s.auth.ValidateAPIKey(ctx); err != nil {
		return nil, toStatus(err)
	}
	tokens, err := intField(req, "estimated_tokens")
	if err != nil {
		return nil, toStatus(err)
	}
	cost, err := s.coord.Estimate(stringField(req, "model"), tokens)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"cost": cost})
}

// Spend debits a run. Called by the execution service before a run starts.
func (s *CreditService) Spend(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	start := time.Now()
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}

	cost, err := intField(req, "cost")
	if err != nil {
		return nil, toStatus(err)
	}
	tokens, err := intField(req, "estimated_tokens")
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.coord.Spend(ctx, spend.Request{
		AccountID:       acct,
		CorrelationID:   stringField(req, "correlation_id"),
		Cost:            cost,
		Model:           stringField(req, "model"),
		EstimatedTokens: tokens,
	})
	if err != nil {
		return nil, toStatus(err)
	}

	s.log.Debug().
		Str("account_id", acct).
		Str("correlation_id", res.CorrelationID).
		Int64("charged", res.Charged).
		Bool("replayed", res.Replayed).
		Dur("duration", time.Since(start)).
		Msg("spend completed")

	return toStruct(spendView(res))
}

// Correct reconciles a spend against the tokens actually used.
func (s *CreditService) Correct(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := s.auth.ValidateAPIKey(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	corr := stringField(req, "correlation_id")
	if corr == "" {
		return nil, status.Error(codes.InvalidArgument, "correlation_id is required")
	}
	actual, err := intField(req, "actual_tokens")
	if err != nil {
		return nil, toStatus(err)
	}

	acct, err := s.ledger.Store().FindSessionAccount(ctx, corr)
	if err != nil {
		return nil, toStatus(err)
	}
	if !p.CanAccess(acct) {
		return nil, toStatus(auth.ErrPermissionDenied)
	}

	res, err := s.coord.Correct(ctx, corr, actual)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(correctionView(res))
}

func (s *CreditService) GetBalance(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}
	bal, err := s.ledger.GetBalance(ctx, acct)
	if err != nil {
		return nil, toStatus(err)
	}
	tc, err := s.guard.Status(ctx, s.ledger.Store(), acct, s.ledger.Now().UTC())
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(balanceView(bal, tc))
}

func (s *CreditService) ListHistory(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}

	filter := ledger.TxFilter{}
	if t := stringField(req, "type"); t != "" {
		reason, err := ledger.ParseReason(t)
		if err != nil {
			return nil, toStatus(err)
		}
		filter.Reason = reason
	}
	limit, err := intField(req, "limit")
	if err != nil {
		return nil, toStatus(err)
	}
	offset, err := intField(req, "offset")
	if err != nil {
		return nil, toStatus(err)
	}
	filter.Limit, filter.Offset = int(limit), int(offset)

	txs, err := s.ledger.ListTransactions(ctx, acct, filter)
	if err != nil {
		return nil, toStatus(err)
	}
	items := make([]interface{}, 0, len(txs))
	for _, t := range txs {
		items = append(items, transactionView(t))
	}
	return toStruct(map[string]interface{}{"transactions": items})
}

// CreateAccount is reserved for service keys.
func (s *CreditService) CreateAccount(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}
	if !p.Service {
		return nil, status.Error(codes.PermissionDenied, "only service keys may create accounts")
	}
	grant, err := s.ledger.CreateAccount(ctx, acct, s.signupGrant)
	if err != nil {
		return nil, toStatus(err)
	}
	bal, err := s.ledger.GetBalance(ctx, acct)
	if err != nil {
		return nil, toStatus(err)
	}
	out := balanceView(bal, ledger.ThrottleCounter{})
	if grant != nil {
		out["signup_transaction_id"] = grant.ID
	}
	return toStruct(out)
}

func (s *CreditService) CreatePurchase(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.gateway == nil {
		return nil, status.Error(codes.Unavailable, "payments are not configured")
	}
	out, err := s.gateway.CreatePurchase(ctx, acct, stringField(req, "package_tier"))
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{
		"purchase_id":       out.PurchaseID,
		"payment_intent_id": out.PaymentIntentID,
		"client_secret":     out.ClientSecret,
		"credits":           out.Credits,
		"amount":            out.Amount.StringFixed(2),
		"currency":          out.Currency,
	})
}

func (s *CreditService) StartSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.gateway == nil {
		return nil, status.Error(codes.Unavailable, "payments are not configured")
	}
	tier, err := ledger.ParsePlanTier(stringField(req, "plan_tier"))
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := s.gateway.StartSubscription(ctx, acct, tier)
	if err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"session_id": out.SessionID, "url": out.URL})
}

func (s *CreditService) CancelSubscription(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	_, acct, err := s.principal(ctx, req)
	if err != nil {
		return nil, err
	}
	if s.gateway == nil {
		return nil, status.Error(codes.Unavailable, "payments are not configured")
	}
	if err := s.gateway.CancelSubscription(ctx, acct); err != nil {
		return nil, toStatus(err)
	}
	return toStruct(map[string]interface{}{"status": string(ledger.SubscriptionCanceling)})
}

// toStatus translates ledger, auth and gateway errors into gRPC status codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	code := codes.Internal
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		code = codes.Unauthenticated
	case errors.Is(err, auth.ErrPermissionDenied):
		code = codes.PermissionDenied
	case errors.Is(err, ledger.ErrInsufficientBalance):
		code = codes.FailedPrecondition
	case errors.Is(err, ledger.ErrThrottled):
		code = codes.ResourceExhausted
	case errors.Is(err, ledger.ErrRequestTooLarge):
		code = codes.OutOfRange
	case errors.Is(err, ledger.ErrInvalidInput), errors.Is(err, ledger.ErrUnknownModel):
		code = codes.InvalidArgument
	case errors.Is(err, ledger.ErrConcurrentMutationTimeout), errors.Is(err, gateway.ErrUnavailable):
		code = codes.Unavailable
	case errors.Is(err, ledger.ErrAccountNotFound), errors.Is(err, ledger.ErrSessionNotFound):
		code = codes.NotFound
	case errors.Is(err, ledger.ErrAccountExists):
		code = codes.AlreadyExists
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}
