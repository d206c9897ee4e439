package memory

import (
	"github.com/kelpejol/runledger/internal/ledger"
)

// memTx stages writes for one WithAccount call. Reads see staged rows first,
// then committed ones.
type memTx struct {
	s            *Store
	accountID    string
	balance      *ledger.Balance
	balanceDirty bool
	txs          []ledger.Transaction
	sub          *ledger.Subscription
	purchases    map[string]ledger.Purchase
	sessions     map[string]ledger.UsageSession
	throttle     *ledger.ThrottleCounter
}

func (t *memTx) Balance() (ledger.Balance, error) {
	if t.balance == nil {
		return ledger.Balance{}, ledger.ErrAccountNotFound
	}
	return *t.balance, nil
}

func (t *memTx) CreateBalance(b ledger.Balance) error {
	if t.balance != nil {
		return ledger.ErrAccountExists
	}
	b.AccountID = t.accountID
	t.balance = &b
	t.balanceDirty = true
	return nil
}

func (t *memTx) UpdateBalance(b ledger.Balance) error {
	if t.balance == nil {
		return ledger.ErrAccountNotFound
	}
	b.AccountID = t.accountID
	t.balance = &b
	t.balanceDirty = true
	return nil
}

func (t *memTx) AppendTransaction(tr *ledger.Transaction) error {
	tr.ID = t.s.nextTxID.Add(1)
	tr.AccountID = t.accountID
	t.txs = append(t.txs, *tr)
	return nil
}

func (t *memTx) HasTransaction(reason ledger.Reason, correlationID string) (bool, error) {
	for _, tr := range t.txs {
		if tr.Reason == reason && tr.CorrelationID == correlationID {
			return true, nil
		}
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	for _, tr := range t.s.txs[t.accountID] {
		if tr.Reason == reason && tr.CorrelationID == correlationID {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) Subscription() (*ledger.Subscription, error) {
	if t.sub != nil {
		sub := *t.sub
		return &sub, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if sub, ok := t.s.subs[t.accountID]; ok {
		return &sub, nil
	}
	return nil, nil
}

func (t *memTx) PutSubscription(sub ledger.Subscription) error {
	sub.AccountID = t.accountID
	t.sub = &sub
	return nil
}

func (t *memTx) Purchase(externalPaymentID string) (*ledger.Purchase, error) {
	if p, ok := t.purchases[externalPaymentID]; ok {
		return &p, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if p, ok := t.s.purchases[externalPaymentID]; ok && p.AccountID == t.accountID {
		return &p, nil
	}
	return nil, nil
}

func (t *memTx) PutPurchase(p ledger.Purchase) error {
	p.AccountID = t.accountID
	t.purchases[p.ExternalPaymentID] = p
	return nil
}

func (t *memTx) Session(correlationID string) (*ledger.UsageSession, error) {
	if sess, ok := t.sessions[correlationID]; ok {
		return &sess, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if sess, ok := t.s.sessions[correlationID]; ok && sess.AccountID == t.accountID {
		return &sess, nil
	}
	return nil, nil
}

func (t *memTx) PutSession(sess ledger.UsageSession) error {
	sess.AccountID = t.accountID
	t.sessions[sess.CorrelationID] = sess
	return nil
}

func (t *memTx) Throttle() (*ledger.ThrottleCounter, error) {
	if t.throttle != nil {
		c := *t.throttle
		return &c, nil
	}

	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	if c, ok := t.s.throttles[t.accountID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (t *memTx) PutThrottle(c ledger.ThrottleCounter) error {
	c.AccountID = t.accountID
	t.throttle = &c
	return nil
}
