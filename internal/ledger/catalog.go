package ledger

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Package is a one-time credit pack sold through checkout.
type Package struct {
	Tier     string
	Credits  int64
	Price    decimal.Decimal
	Currency string
}

var packages = map[string]Package{
	"small":  {Tier: "small", Credits: 100, Price: decimal.RequireFromString("5.00"), Currency: "usd"},
	"medium": {Tier: "medium", Credits: 500, Price: decimal.RequireFromString("20.00"), Currency: "usd"},
	"large":  {Tier: "large", Credits: 1200, Price: decimal.RequireFromString("45.00"), Currency: "usd"},
}

// LookupPackage returns the credit pack sold under tier.
func LookupPackage(tier string) (Package, bool) {
	p, ok := packages[tier]
	return p, ok
}

// DefaultAllotments are the monthly credits granted per plan.
func DefaultAllotments() map[PlanTier]int64 {
	return map[PlanTier]int64{
		PlanIndividual: 200,
		PlanOrgMember:  500,
	}
}

// ParsePlanTier validates a plan tier coming from the payment provider.
func ParsePlanTier(s string) (PlanTier, error) {
	switch PlanTier(s) {
	case PlanIndividual, PlanOrgMember:
		return PlanTier(s), nil
	}
	return "", ValidationError{Field: "plan_tier", Message: "unknown plan tier " + s}
}

// MinorUnits is the number of decimal places the payment provider uses for
// amounts in currency.
func MinorUnits(currency string) int32 {
	switch strings.ToLower(currency) {
	case "bif", "clp", "djf", "gnf", "jpy", "kmf", "krw", "mga", "pyg", "rwf", "ugx", "vnd", "vuv", "xaf", "xof", "xpf":
		return 0
	case "bhd", "jod", "kwd", "omr", "tnd":
		return 3
	}
	return 2
}

// PeriodGrantID is the correlation id of the monthly grant for the billing
// period of subscriptionID ending at periodEnd. Webhook activations and
// rotations both key their grants on it.
func PeriodGrantID(subscriptionID string, periodEnd time.Time) string {
	return fmt.Sprintf("%s:%d", subscriptionID, periodEnd.Unix())
}
