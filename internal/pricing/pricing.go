// Package pricing turns token estimates into credit costs.
//
// The Engine is pure: a fixed model table, a tokens-per-credit ratio and a
// per-request token ceiling. Quote enforces the ceiling and is what spends
// are charged with; UsageCost prices tokens that were already consumed and
// so has no ceiling.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/kelpejol/runledger/internal/ledger"
)

const (
	DefaultTokensPerCredit int64 = 5000
	DefaultMaxTokens       int64 = 20000
	DefaultModel                 = "standard"
)

// Model is one row of the multiplier table. USDPer1KTokens is what the
// wrapped provider charges us and feeds the throttle guard.
type Model struct {
	Name           string
	Multiplier     decimal.Decimal
	USDPer1KTokens decimal.Decimal
}

// DefaultModels is the shipped multiplier table.
func DefaultModels() []Model {
	return []Model{
		{Name: "mini", Multiplier: decimal.RequireFromString("0.5"), USDPer1KTokens: decimal.RequireFromString("0.0006")},
		{Name: "standard", Multiplier: decimal.RequireFromString("1.0"), USDPer1KTokens: decimal.RequireFromString("0.003")},
		{Name: "premium", Multiplier: decimal.RequireFromString("2.0"), USDPer1KTokens: decimal.RequireFromString("0.010")},
		{Name: "frontier", Multiplier: decimal.RequireFromString("5.0"), USDPer1KTokens: decimal.RequireFromString("0.030")},
	}
}

type Config struct {
	TokensPerCredit int64
	MaxTokens       int64
	Models          []Model
	DefaultModel    string
}

type Engine struct {
	tokensPerCredit decimal.Decimal
	maxTokens       int64
	models          map[string]Model
	defaultModel    string
}

// New validates cfg and builds an Engine. Zero values fall back to the
// defaults above.
func New(cfg Config) (*Engine, error) {
	if cfg.TokensPerCredit == 0 {
		cfg.TokensPerCredit = DefaultTokensPerCredit
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if len(cfg.Models) == 0 {
		cfg.Models = DefaultModels()
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = DefaultModel
	}
	if cfg.TokensPerCredit < 0 || cfg.MaxTokens < 0 {
		return nil, fmt.Errorf("pricing: tokens per credit and max tokens must be positive")
	}

	models := make(map[string]Model, len(cfg.Models))
	for _, m := range cfg.Models {
		if m.Name == "" || !m.Multiplier.IsPositive() {
			return nil, fmt.Errorf("pricing: invalid model %q", m.Name)
		}
		models[m.Name] = m
	}
	if _, ok := models[cfg.DefaultModel]; !ok {
		return nil, fmt.Errorf("pricing: default model %q not in table", cfg.DefaultModel)
	}

	return &Engine{
		tokensPerCredit: decimal.NewFromInt(cfg.TokensPerCredit),
		maxTokens:       cfg.MaxTokens,
		models:          models,
		defaultModel:    cfg.DefaultModel,
	}, nil
}

// MaxTokens is the per-request ceiling.
func (e *Engine) MaxTokens() int64 {
	return e.maxTokens
}

// Models lists the table sorted by multiplier.
func (e *Engine) Models() []Model {
	out := make([]Model, 0, len(e.models))
	for _, m := range e.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Multiplier.Cmp(out[j].Multiplier); c != 0 {
			return c < 0
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Resolve returns the table row for name; empty means the default model.
func (e *Engine) Resolve(name string) (Model, error) {
	if name == "" {
		name = e.defaultModel
	}
	m, ok := e.models[name]
	if !ok {
		return Model{}, fmt.Errorf("%w: %s", ledger.ErrUnknownModel, name)
	}
	return m, nil
}

// Quote prices an estimate: ceil(tokens / tokens_per_credit * multiplier),
// at least 1. Estimates above the ceiling are rejected with
// ErrRequestTooLarge before anything else is looked at.
func (e *Engine) Quote(model string, estimatedTokens int64) (int64, error) {
	if estimatedTokens > e.maxTokens {
		return 0, fmt.Errorf("%w: %d tokens exceeds the %d token ceiling",
			ledger.ErrRequestTooLarge, estimatedTokens, e.maxTokens)
	}
	if estimatedTokens < 0 {
		return 0, ledger.ValidationError{Field: "estimated_tokens", Message: "must not be negative"}
	}

	m, err := e.Resolve(model)
	if err != nil {
		return 0, err
	}

	cost := e.credits(m, estimatedTokens)
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

// UsageCost prices tokens already consumed. There is no ceiling and zero
// tokens cost nothing.
func (e *Engine) UsageCost(model string, actualTokens int64) (int64, error) {
	if actualTokens < 0 {
		return 0, ledger.ValidationError{Field: "actual_tokens", Message: "must not be negative"}
	}
	m, err := e.Resolve(model)
	if err != nil {
		return 0, err
	}
	if actualTokens == 0 {
		return 0, nil
	}

	cost := e.credits(m, actualTokens)
	if cost < 1 {
		cost = 1
	}
	return cost, nil
}

// USDCost is the provider's real-dollar price for tokens on model.
func (e *Engine) USDCost(model string, tokens int64) (decimal.Decimal, error) {
	m, err := e.Resolve(model)
	if err != nil {
		return decimal.Zero, err
	}
	return m.USDPer1KTokens.Mul(decimal.NewFromInt(tokens)).Div(decimal.NewFromInt(1000)), nil
}

func (e *Engine) credits(m Model, tokens int64) int64 {
	q, r := decimal.NewFromInt(tokens).Mul(m.Multiplier).QuoRem(e.tokensPerCredit, 0)
	if r.IsPositive() {
		q = q.Add(decimal.NewFromInt(1))
	}
	return q.IntPart()
}
