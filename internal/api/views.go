package api

import (
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/spend"
)

func stringField(s *structpb.Struct, key string) string {
	if s == nil {
		return ""
	}
	return s.GetFields()[key].GetStringValue()
}

// intField reads a whole number. JSON clients may send it as a number or
// as a decimal string; a missing field reads as zero.
func intField(s *structpb.Struct, key string) (int64, error) {
	if s == nil {
		return 0, nil
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, nil
	}
	switch k := v.GetKind().(type) {
	case *structpb.Value_NullValue:
		return 0, nil
	case *structpb.Value_NumberValue:
		f := k.NumberValue
		if f != math.Trunc(f) || math.Abs(f) > 1<<53 {
			return 0, ledger.ValidationError{Field: key, Message: "must be a whole number"}
		}
		return int64(f), nil
	case *structpb.Value_StringValue:
		n, err := strconv.ParseInt(k.StringValue, 10, 64)
		if err != nil {
			return 0, ledger.ValidationError{Field: key, Message: "must be a whole number"}
		}
		return n, nil
	}
	return 0, ledger.ValidationError{Field: key, Message: "must be a whole number"}
}

func toStruct(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func timeOrNil(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func poolsView(d ledger.PoolDelta) map[string]interface{} {
	return map[string]interface{}{
		"monthly":   d.Monthly,
		"rollover":  d.Rollover,
		"purchased": d.Purchased,
	}
}

func balanceView(b ledger.Balance, tc ledger.ThrottleCounter) map[string]interface{} {
	return map[string]interface{}{
		"account_id":          b.AccountID,
		"monthly":             b.Monthly,
		"rollover":            b.Rollover,
		"purchased":           b.Purchased,
		"total":               b.Total(),
		"monthly_allotment":   b.MonthlyAllotment,
		"monthly_reset_at":    timeOrNil(b.MonthlyResetAt),
		"rollover_expires_at": timeOrNil(b.RolloverExpiresAt),
		"throttled":           tc.Throttled,
		"throttle_reason":     tc.Reason,
		"window_spend_usd":    tc.SpendUSD.StringFixed(4),
	}
}

func transactionView(t ledger.Transaction) map[string]interface{} {
	return map[string]interface{}{
		"id":             t.ID,
		"delta":          t.Delta,
		"pools":          poolsView(t.Pools),
		"balance_after":  t.BalanceAfter,
		"type":           string(t.Reason),
		"correlation_id": t.CorrelationID,
		"note":           t.Note,
		"created_at":     t.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func spendView(r spend.Result) map[string]interface{} {
	out := map[string]interface{}{
		"correlation_id":    r.CorrelationID,
		"charged":           r.Charged,
		"drawn":             poolsView(r.Drawn),
		"remaining_balance": r.Balance.Total(),
		"replayed":          r.Replayed,
	}
	if r.Transaction != nil {
		out["transaction_id"] = r.Transaction.ID
	}
	return out
}

func correctionView(r spend.CorrectionResult) map[string]interface{} {
	var actual interface{}
	if r.Session.ActualTokens != nil {
		actual = *r.Session.ActualTokens
	}
	out := map[string]interface{}{
		"correlation_id":    r.Session.CorrelationID,
		"charged":           r.Session.Charged,
		"actual_tokens":     actual,
		"adjustment":        r.Session.Adjustment,
		"shortfall":         r.Session.Shortfall,
		"remaining_balance": r.Balance.Total(),
		"replayed":          r.Replayed,
	}
	if r.Transaction != nil {
		out["transaction_id"] = r.Transaction.ID
	}
	return out
}
