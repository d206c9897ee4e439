// Package integrity checks balances against the transaction log.
//
// For every account the sum of all Transaction deltas must equal the
// current pool total, the most recent Transaction's balance_after must
// equal it too, and no pool may be negative. A disagreement means a write
// bypassed the ledger or a unit committed half its rows; both are bugs, so
// discrepancies are logged at error level and counted, never auto-fixed.
package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kelpejol/runledger/internal/ledger"
	"github.com/kelpejol/runledger/internal/metrics"
)

const (
	DefaultInterval   = 15 * time.Minute
	DefaultSampleSize = 100
)

// Discrepancy describes one account that failed verification.
type Discrepancy struct {
	AccountID        string
	Total            int64
	DeltaSum         int64
	LastBalanceAfter int64
	Transactions     int64
	Problems         []string
}

type Verifier struct {
	ledger *ledger.Ledger
	log    zerolog.Logger
	stopCh chan struct{}
}

func NewVerifier(l *ledger.Ledger, logger zerolog.Logger) *Verifier {
	return &Verifier{
		ledger: l,
		log:    logger.With().Str("component", "integrity").Logger(),
		stopCh: make(chan struct{}),
	}
}

// VerifyAccount checks one account. It holds the account lock while
// reading so that no mutation lands between the balance and the log.
// A nil result means the account is consistent.
func (v *Verifier) VerifyAccount(ctx context.Context, accountID string) (*Discrepancy, error) {
	var (
		bal ledger.Balance
		sum ledger.TxSummary
	)
	err := v.ledger.Apply(ctx, accountID, func(u *ledger.Unit) error {
		var err error
		if bal, err = u.Balance(); err != nil {
			return err
		}
		sum, err = v.ledger.Store().SummarizeTransactions(ctx, accountID)
		if err != nil {
			return fmt.Errorf("summarize transactions: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := Discrepancy{
		AccountID:        accountID,
		Total:            bal.Total(),
		DeltaSum:         sum.DeltaSum,
		LastBalanceAfter: sum.LastBalanceAfter,
		Transactions:     sum.Count,
	}
	if sum.DeltaSum != bal.Total() {
		d.Problems = append(d.Problems, fmt.Sprintf("transaction deltas sum to %d, balance is %d", sum.DeltaSum, bal.Total()))
	}
	if sum.Count > 0 && sum.LastBalanceAfter != bal.Total() {
		d.Problems = append(d.Problems, fmt.Sprintf("last balance_after is %d, balance is %d", sum.LastBalanceAfter, bal.Total()))
	}
	for _, p := range []ledger.Pool{ledger.PoolMonthly, ledger.PoolRollover, ledger.PoolPurchased} {
		if bal.Get(p) < 0 {
			d.Problems = append(d.Problems, fmt.Sprintf("%s pool is negative (%d)", p, bal.Get(p)))
		}
	}
	if len(d.Problems) == 0 {
		return nil, nil
	}

	metrics.IntegrityDiscrepancies.Inc()
	v.log.Error().
		Str("account_id", accountID).
		Int64("total", d.Total).
		Int64("delta_sum", d.DeltaSum).
		Int64("last_balance_after", d.LastBalanceAfter).
		Strs("problems", d.Problems).
		Msg("balance disagrees with transaction log")
	return &d, nil
}

// VerifySample checks a random sample of accounts and returns how many
// were checked along with every discrepancy found.
func (v *Verifier) VerifySample(ctx context.Context, n int) (int, []Discrepancy, error) {
	if n <= 0 {
		n = DefaultSampleSize
	}
	ids, err := v.ledger.Store().SampleAccounts(ctx, n)
	if err != nil {
		return 0, nil, fmt.Errorf("sample accounts: %w", err)
	}

	checked := 0
	var found []Discrepancy
	for _, id := range ids {
		d, err := v.VerifyAccount(ctx, id)
		if err != nil {
			v.log.Warn().Err(err).Str("account_id", id).Msg("failed to verify account")
			continue
		}
		checked++
		if d != nil {
			found = append(found, *d)
		}
	}
	return checked, found, nil
}

// StartPeriodic samples accounts on every tick until Stop.
func (v *Verifier) StartPeriodic(interval time.Duration, sampleSize int) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	v.log.Info().Dur("interval", interval).Int("sample_size", sampleSize).Msg("starting periodic integrity checks")

	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				checked, found, err := v.VerifySample(ctx, sampleSize)
				cancel()
				if err != nil {
					v.log.Error().Err(err).Msg("integrity check failed")
					continue
				}
				v.log.Debug().Int("checked", checked).Int("discrepancies", len(found)).Msg("integrity check complete")
			case <-v.stopCh:
				ticker.Stop()
				v.log.Info().Msg("periodic integrity checks stopped")
				return
			}
		}
	}()
}

func (v *Verifier) Stop() {
	close(v.stopCh)
}
