// Package memory is an in-process ledger.Store. Each account has its own
// exclusive lock; writes made inside WithAccount are staged and only become
// visible when fn returns nil.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/kelpejol/runledger/internal/ledger"
)

type Store struct {
	lockTimeout time.Duration

	locksMu sync.Mutex
	locks   map[string]chan struct{}

	nextTxID atomic.Int64

	mu        sync.RWMutex
	closed    bool
	balances  map[string]ledger.Balance
	txs       map[string][]ledger.Transaction
	subs      map[string]ledger.Subscription
	purchases map[string]ledger.Purchase
	sessions  map[string]ledger.UsageSession
	throttles map[string]ledger.ThrottleCounter
	events    map[string]ledger.WebhookEvent
}

// New creates an empty store. lockTimeout bounds how long WithAccount waits
// for an account lock.
func New(lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 500 * time.Millisecond
	}
	return &Store{
		lockTimeout: lockTimeout,
		locks:       make(map[string]chan struct{}),
		balances:    make(map[string]ledger.Balance),
		txs:         make(map[string][]ledger.Transaction),
		subs:        make(map[string]ledger.Subscription),
		purchases:   make(map[string]ledger.Purchase),
		sessions:    make(map[string]ledger.UsageSession),
		throttles:   make(map[string]ledger.ThrottleCounter),
		events:      make(map[string]ledger.WebhookEvent),
	}
}

func (s *Store) lock(ctx context.Context, accountID string) (func(), error) {
	s.locksMu.Lock()
	ch, ok := s.locks[accountID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[accountID] = ch
	}
	s.locksMu.Unlock()

	timer := time.NewTimer(s.lockTimeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ledger.ErrConcurrentMutationTimeout
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ledger.ErrConcurrentMutationTimeout, ctx.Err())
	}
}

// WithAccount implements ledger.Store.
func (s *Store) WithAccount(ctx context.Context, accountID string, fn func(tx ledger.AccountTx) error) error {
	unlock, err := s.lock(ctx, accountID)
	if err != nil {
		return err
	}
	defer unlock()

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ledger.ErrStoreClosed
	}
	tx := &memTx{
		s:         s,
		accountID: accountID,
		purchases: make(map[string]ledger.Purchase),
		sessions:  make(map[string]ledger.UsageSession),
	}
	if b, ok := s.balances[accountID]; ok {
		tx.balance = &b
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ledger.ErrStoreClosed
	}
	for id, p := range tx.purchases {
		if existing, ok := s.purchases[id]; ok && existing.AccountID != p.AccountID {
			return fmt.Errorf("purchase %s belongs to another account: %w", id, ledger.ErrInvalidInput)
		}
	}
	for id, sess := range tx.sessions {
		if existing, ok := s.sessions[id]; ok && existing.AccountID != sess.AccountID {
			return fmt.Errorf("correlation id %s belongs to another account: %w", id, ledger.ErrInvalidInput)
		}
	}

	if tx.balanceDirty && tx.balance != nil {
		s.balances[tx.accountID] = *tx.balance
	}
	s.txs[tx.accountID] = append(s.txs[tx.accountID], tx.txs...)
	if tx.sub != nil {
		s.subs[tx.accountID] = *tx.sub
	}
	for id, p := range tx.purchases {
		s.purchases[id] = p
	}
	for id, sess := range tx.sessions {
		s.sessions[id] = sess
	}
	if tx.throttle != nil {
		s.throttles[tx.accountID] = *tx.throttle
	}
	return nil
}

// GetBalance implements ledger.Store.
func (s *Store) GetBalance(_ context.Context, accountID string) (ledger.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.balances[accountID]
	if !ok {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	return b, nil
}

// GetThrottle implements ledger.Store. A missing counter reads as zero.
func (s *Store) GetThrottle(_ context.Context, accountID string) (ledger.ThrottleCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if c, ok := s.throttles[accountID]; ok {
		return c, nil
	}
	return ledger.ThrottleCounter{AccountID: accountID}, nil
}

// ListTransactions implements ledger.Store.
func (s *Store) ListTransactions(_ context.Context, accountID string, filter ledger.TxFilter) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.txs[accountID]
	out := make([]ledger.Transaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if filter.Reason != "" && all[i].Reason != filter.Reason {
			continue
		}
		out = append(out, all[i])
	}

	start := filter.Offset
	if start > len(out) {
		start = len(out)
	}
	end := start + filter.Limit
	if filter.Limit == 0 || end > len(out) {
		end = len(out)
	}
	return out[start:end], nil
}

// SummarizeTransactions implements ledger.Store.
func (s *Store) SummarizeTransactions(_ context.Context, accountID string) (ledger.TxSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum ledger.TxSummary
	for _, t := range s.txs[accountID] {
		sum.Count++
		sum.DeltaSum += t.Delta
		sum.LastBalanceAfter = t.BalanceAfter
	}
	return sum, nil
}

// FindSessionAccount implements ledger.Store.
func (s *Store) FindSessionAccount(_ context.Context, correlationID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if sess, ok := s.sessions[correlationID]; ok {
		return sess.AccountID, nil
	}
	return "", ledger.ErrSessionNotFound
}

// FindPurchaseAccount implements ledger.Store.
func (s *Store) FindPurchaseAccount(_ context.Context, externalPaymentID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if p, ok := s.purchases[externalPaymentID]; ok {
		return p.AccountID, nil
	}
	return "", ledger.ErrPurchaseNotFound
}

// FindSubscriptionAccount implements ledger.Store.
func (s *Store) FindSubscriptionAccount(_ context.Context, externalSubscriptionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for accountID, sub := range s.subs {
		if sub.ExternalID == externalSubscriptionID {
			return accountID, nil
		}
	}
	return "", ledger.ErrAccountNotFound
}

// DueForReset implements ledger.Store.
func (s *Store) DueForReset(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for accountID, sub := range s.subs {
		if sub.Status != ledger.SubscriptionActive {
			continue
		}
		b, ok := s.balances[accountID]
		if !ok || b.MonthlyResetAt == nil || b.MonthlyResetAt.After(now) {
			continue
		}
		ids = append(ids, accountID)
	}
	return limitSorted(ids, limit), nil
}

// DueForExpiry implements ledger.Store.
func (s *Store) DueForExpiry(_ context.Context, now time.Time, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for accountID, b := range s.balances {
		if b.Rollover > 0 && b.RolloverExpiresAt != nil && !b.RolloverExpiresAt.After(now) {
			ids = append(ids, accountID)
		}
	}
	return limitSorted(ids, limit), nil
}

// SampleAccounts implements ledger.Store.
func (s *Store) SampleAccounts(_ context.Context, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.balances))
	for accountID := range s.balances {
		ids = append(ids, accountID)
	}
	return limitSorted(ids, n), nil
}

func limitSorted(ids []string, limit int) []string {
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids
}

func eventKey(provider, eventID string) string {
	return provider + "|" + eventID
}

// RecordEvent implements ledger.Store.
func (s *Store) RecordEvent(_ context.Context, ev ledger.WebhookEvent) (ledger.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(ev.Provider, ev.EventID)
	if existing, ok := s.events[key]; ok {
		return existing, false, nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	ev.CreatedAt = now
	ev.UpdatedAt = now
	s.events[key] = ev
	return ev, true, nil
}

// GetEvent implements ledger.Store.
func (s *Store) GetEvent(_ context.Context, provider, eventID string) (ledger.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ev, ok := s.events[eventKey(provider, eventID)]
	if !ok {
		return ledger.WebhookEvent{}, ledger.ErrEventNotFound
	}
	return ev, nil
}

// MarkEventProcessed implements ledger.Store.
func (s *Store) MarkEventProcessed(_ context.Context, provider, eventID string, at time.Time) error {
	return s.updateEvent(provider, eventID, func(ev *ledger.WebhookEvent) {
		ev.Attempts++
		ev.ProcessedAt = &at
		ev.Error = ""
	})
}

// MarkEventFailed implements ledger.Store.
func (s *Store) MarkEventFailed(_ context.Context, provider, eventID, reason string) error {
	return s.updateEvent(provider, eventID, func(ev *ledger.WebhookEvent) {
		ev.Attempts++
		ev.Error = reason
	})
}

func (s *Store) updateEvent(provider, eventID string, fn func(ev *ledger.WebhookEvent)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := eventKey(provider, eventID)
	ev, ok := s.events[key]
	if !ok {
		return ledger.ErrEventNotFound
	}
	fn(&ev)
	ev.UpdatedAt = time.Now().UTC()
	s.events[key] = ev
	return nil
}

// Ping implements ledger.Store.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ledger.ErrStoreClosed
	}
	return nil
}

// Close implements ledger.Store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
