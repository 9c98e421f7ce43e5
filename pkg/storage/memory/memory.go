// Package memory provides in-memory implementations of the billing stores.
// It backs unit tests and the daemon's development mode; data does not
// survive a restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/platinummonkey/billingcore/pkg/billing"
	"github.com/platinummonkey/billingcore/pkg/storage"
)

type eventKey struct {
	provider billing.ProviderID
	eventID  string
}

type account struct {
	billing.Account
	balance int64
}

// Store implements ledger.Store, payments.EventStore, renewal.SubscriptionStore,
// referral.RelationshipStore, promo.GroupStore and promo.CodeStore behind one
// mutex.
type Store struct {
	mu sync.RWMutex

	accounts      map[int64]*account
	transactions  []*billing.LedgerTransaction
	byID          map[string]*billing.LedgerTransaction
	byKey         map[int64]map[string]*billing.LedgerTransaction
	events        map[eventKey]*billing.PaymentEvent
	subscriptions map[int64]*billing.Subscription
	referrals     map[int64]*billing.ReferralRelationship
	promoGroups   map[int64]*billing.PromoGroup
	promoCodes    map[string]*billing.PromoCode
	activations   map[string]map[int64]*billing.PromoCodeActivation
	nextSubID     int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		accounts:      make(map[int64]*account),
		byID:          make(map[string]*billing.LedgerTransaction),
		byKey:         make(map[int64]map[string]*billing.LedgerTransaction),
		events:        make(map[eventKey]*billing.PaymentEvent),
		subscriptions: make(map[int64]*billing.Subscription),
		referrals:     make(map[int64]*billing.ReferralRelationship),
		promoGroups:   make(map[int64]*billing.PromoGroup),
		promoCodes:    make(map[string]*billing.PromoCode),
		activations:   make(map[string]map[int64]*billing.PromoCodeActivation),
	}
}

// CreateAccount registers an account with zero balance
func (s *Store) CreateAccount(_ context.Context, a *billing.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %d", storage.ErrDuplicateKey, a.ID)
	}
	cp := *a
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.accounts[a.ID] = &account{Account: cp}
	return nil
}

// GetAccount returns an account
func (s *Store) GetAccount(_ context.Context, accountID int64) (*billing.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	cp := a.Account
	return &cp, nil
}

// SetAccountPromoGroup assigns a promo group to an account
func (s *Store) SetAccountPromoGroup(_ context.Context, accountID int64, groupID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	a.PromoGroupID = groupID
	return nil
}

// Ledger

func cloneTx(tx *billing.LedgerTransaction) *billing.LedgerTransaction {
	cp := *tx
	if tx.External != nil {
		ext := *tx.External
		cp.External = &ext
	}
	return &cp
}

// AppendTransaction implements ledger.Store
func (s *Store) AppendTransaction(_ context.Context, tx *billing.LedgerTransaction, expectedBalance int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[tx.AccountID]
	if !ok {
		return fmt.Errorf("%w: %d", billing.ErrAccountNotFound, tx.AccountID)
	}
	if tx.IdempotencyKey != "" {
		if _, dup := s.byKey[tx.AccountID][tx.IdempotencyKey]; dup {
			return fmt.Errorf("%w: %s", storage.ErrDuplicateKey, tx.IdempotencyKey)
		}
	}
	if a.balance != expectedBalance {
		return fmt.Errorf("%w: expected %d, have %d", storage.ErrBalanceConflict, expectedBalance, a.balance)
	}
	if expectedBalance+tx.Amount != tx.BalanceAfter {
		return fmt.Errorf("%w: balance_after %d does not match %d%+d", storage.ErrBalanceConflict, tx.BalanceAfter, expectedBalance, tx.Amount)
	}
	if tx.BalanceAfter < 0 {
		return fmt.Errorf("%w: %d", storage.ErrNegativeBalance, tx.BalanceAfter)
	}

	stored := cloneTx(tx)
	a.balance = stored.BalanceAfter
	s.transactions = append(s.transactions, stored)
	s.byID[stored.ID] = stored
	if stored.IdempotencyKey != "" {
		if s.byKey[stored.AccountID] == nil {
			s.byKey[stored.AccountID] = make(map[string]*billing.LedgerTransaction)
		}
		s.byKey[stored.AccountID][stored.IdempotencyKey] = stored
	}
	return nil
}

// GetBalance implements ledger.Store
func (s *Store) GetBalance(_ context.Context, accountID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[accountID]
	if !ok {
		return 0, fmt.Errorf("%w: %d", billing.ErrAccountNotFound, accountID)
	}
	return a.balance, nil
}

// SumTransactions implements ledger.Store
func (s *Store) SumTransactions(_ context.Context, accountID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var sum int64
	for _, tx := range s.transactions {
		if tx.AccountID == accountID {
			sum += tx.Amount
		}
	}
	return sum, nil
}

// FindTransactionByKey implements ledger.Store
func (s *Store) FindTransactionByKey(_ context.Context, accountID int64, key string) (*billing.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byKey[accountID][key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTx(tx), nil
}

// GetTransaction implements ledger.Store
func (s *Store) GetTransaction(_ context.Context, id string) (*billing.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTx(tx), nil
}

// ListTransactions implements ledger.Store, newest first
func (s *Store) ListTransactions(_ context.Context, accountID int64, limit, offset int) ([]*billing.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.LedgerTransaction
	for i := len(s.transactions) - 1; i >= 0; i-- {
		tx := s.transactions[i]
		if tx.AccountID != accountID {
			continue
		}
		if offset > 0 {
			offset--
			continue
		}
		out = append(out, cloneTx(tx))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// FirstTransactionOfKind implements ledger.Store
func (s *Store) FirstTransactionOfKind(_ context.Context, accountID int64, kind billing.TransactionKind) (*billing.LedgerTransaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.transactions {
		if tx.AccountID == accountID && tx.Kind == kind {
			return cloneTx(tx), nil
		}
	}
	return nil, storage.ErrNotFound
}

// TotalSpent implements ledger.Store
func (s *Store) TotalSpent(_ context.Context, accountID int64) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var spent int64
	for _, tx := range s.transactions {
		if tx.AccountID != accountID {
			continue
		}
		switch tx.Kind {
		case billing.KindTopup:
			spent += tx.Amount
		case billing.KindRefund:
			if orig, ok := s.byID[tx.RelatedID]; ok && orig.Kind == billing.KindTopup {
				spent += tx.Amount
			}
		}
	}
	return spent, nil
}

// Payment events

func cloneEvent(e *billing.PaymentEvent) *billing.PaymentEvent {
	cp := *e
	if e.ConfirmedAt != nil {
		t := *e.ConfirmedAt
		cp.ConfirmedAt = &t
	}
	return &cp
}

// GetEvent implements payments.EventStore
func (s *Store) GetEvent(_ context.Context, provider billing.ProviderID, eventID string) (*billing.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[eventKey{provider, eventID}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneEvent(e), nil
}

// CreateEvent implements payments.EventStore; it inserts only if absent
func (s *Store) CreateEvent(_ context.Context, e *billing.PaymentEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := eventKey{e.Provider, e.EventID}
	if _, ok := s.events[k]; ok {
		return storage.ErrDuplicateKey
	}
	s.events[k] = cloneEvent(e)
	return nil
}

// TouchEvent implements payments.EventStore
func (s *Store) TouchEvent(_ context.Context, provider billing.ProviderID, eventID string, observed billing.PaymentStatus, seenAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventKey{provider, eventID}]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Observed != billing.PaymentConfirmed {
		e.Observed = observed
	}
	e.LastSeenAt = seenAt
	e.Attempts++
	e.LastError = lastError
	return nil
}

// TransitionEvent implements payments.EventStore as a compare-and-swap on status
func (s *Store) TransitionEvent(_ context.Context, provider billing.ProviderID, eventID string, from, to billing.PaymentStatus, transactionID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[eventKey{provider, eventID}]
	if !ok {
		return storage.ErrNotFound
	}
	if e.Status != from {
		return storage.ErrConditionFailed
	}
	e.Status = to
	e.LastSeenAt = at
	if to == billing.PaymentConfirmed {
		t := at
		e.ConfirmedAt = &t
		e.TransactionID = transactionID
		e.LastError = ""
	}
	return nil
}

// ListPendingEvents implements payments.EventStore, oldest first
func (s *Store) ListPendingEvents(_ context.Context, q storage.PendingQuery) ([]*billing.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.PaymentEvent
	for _, e := range s.events {
		if e.Status != billing.PaymentPending {
			continue
		}
		if q.After != nil && !eventAfter(e, q.After) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return eventAfter(out[j], storage.EventCursorAfter(out[i])) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// eventAfter reports whether e sorts strictly after c
func eventAfter(e *billing.PaymentEvent, c *storage.EventCursor) bool {
	if !e.FirstSeenAt.Equal(c.FirstSeenAt) {
		return e.FirstSeenAt.After(c.FirstSeenAt)
	}
	if e.Provider != c.Provider {
		return e.Provider > c.Provider
	}
	return e.EventID > c.EventID
}

// Subscriptions

func cloneSub(sub *billing.Subscription) *billing.Subscription {
	cp := *sub
	cp.Plan.Servers = append([]string(nil), sub.Plan.Servers...)
	cp.WarningsSent = append([]int(nil), sub.WarningsSent...)
	if sub.LastRenewalAttempt != nil {
		t := *sub.LastRenewalAttempt
		cp.LastRenewalAttempt = &t
	}
	return &cp
}

// CreateSubscription stores a subscription and assigns its id
func (s *Store) CreateSubscription(_ context.Context, sub *billing.Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSubID++
	sub.ID = s.nextSubID
	s.subscriptions[sub.ID] = cloneSub(sub)
	return nil
}

// GetSubscription implements renewal.SubscriptionStore
func (s *Store) GetSubscription(_ context.Context, id int64) (*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id)
	}
	return cloneSub(sub), nil
}

// ListDueSubscriptions implements renewal.SubscriptionStore
func (s *Store) ListDueSubscriptions(_ context.Context, q storage.DueQuery) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.subscriptions {
		renewable := sub.State == billing.SubscriptionActive || sub.State == billing.SubscriptionTrial
		if !sub.AutoRenew || !renewable || !sub.PeriodEnd.Before(q.DueBefore) {
			continue
		}
		if !q.RetryBefore.IsZero() && sub.LastRenewalAttempt != nil && sub.LastRenewalAttempt.After(q.RetryBefore) {
			continue
		}
		if q.After != nil && !subAfter(sub, q.After) {
			continue
		}
		out = append(out, cloneSub(sub))
	}
	sort.Slice(out, func(i, j int) bool { return subAfter(out[j], storage.CursorAfter(out[i])) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func subAfter(sub *billing.Subscription, c *storage.SubscriptionCursor) bool {
	if !sub.PeriodEnd.Equal(c.PeriodEnd) {
		return sub.PeriodEnd.After(c.PeriodEnd)
	}
	return sub.ID > c.ID
}

// ListAccountSubscriptions implements renewal.SubscriptionStore
func (s *Store) ListAccountSubscriptions(_ context.Context, accountID int64) ([]*billing.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*billing.Subscription
	for _, sub := range s.subscriptions {
		if sub.AccountID == accountID {
			out = append(out, cloneSub(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// RecordRenewal implements renewal.SubscriptionStore
func (s *Store) RecordRenewal(_ context.Context, id int64, prevPeriodEnd, newPeriodEnd, attemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id)
	}
	if !sub.PeriodEnd.Equal(prevPeriodEnd) {
		return storage.ErrConditionFailed
	}
	t := attemptAt
	sub.PeriodEnd = newPeriodEnd
	sub.LastRenewalAttempt = &t
	sub.FailedAttempts = 0
	sub.WarningsSent = nil
	sub.State = billing.SubscriptionActive
	sub.UpdatedAt = attemptAt
	return nil
}

// RecordFailedAttempt implements renewal.SubscriptionStore
func (s *Store) RecordFailedAttempt(_ context.Context, id int64, periodEnd, attemptAt time.Time, warningsSent []int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id)
	}
	if !sub.PeriodEnd.Equal(periodEnd) {
		return storage.ErrConditionFailed
	}
	t := attemptAt
	sub.LastRenewalAttempt = &t
	sub.FailedAttempts++
	sub.WarningsSent = append([]int(nil), warningsSent...)
	sub.UpdatedAt = attemptAt
	return nil
}

// SetSubscriptionState implements renewal.SubscriptionStore as a compare-and-swap
func (s *Store) SetSubscriptionState(_ context.Context, id int64, from, to billing.SubscriptionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subscriptions[id]
	if !ok {
		return fmt.Errorf("%w: %d", billing.ErrSubscriptionNotFound, id)
	}
	if sub.State != from {
		return storage.ErrConditionFailed
	}
	sub.State = to
	return nil
}

// Referrals

// CreateRelationship implements referral.RelationshipStore; it is set once
func (s *Store) CreateRelationship(_ context.Context, rel *billing.ReferralRelationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.referrals[rel.ReferredID]; ok {
		return storage.ErrDuplicateKey
	}
	for id, seen := rel.InviterID, 0; seen <= len(s.referrals); seen++ {
		if id == rel.ReferredID {
			return fmt.Errorf("%w: %d invited by %d", billing.ErrReferralCycle, rel.ReferredID, rel.InviterID)
		}
		up, ok := s.referrals[id]
		if !ok {
			break
		}
		id = up.InviterID
	}
	cp := *rel
	s.referrals[rel.ReferredID] = &cp
	return nil
}

// GetRelationship implements referral.RelationshipStore
func (s *Store) GetRelationship(_ context.Context, referredID int64) (*billing.ReferralRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rel, ok := s.referrals[referredID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *rel
	return &cp, nil
}

// MarkFirstTopupBonusPaid implements referral.RelationshipStore as a check-and-set
func (s *Store) MarkFirstTopupBonusPaid(_ context.Context, referredID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rel, ok := s.referrals[referredID]
	if !ok {
		return storage.ErrNotFound
	}
	if rel.FirstTopupBonusPaid {
		return storage.ErrConditionFailed
	}
	rel.FirstTopupBonusPaid = true
	return nil
}

// Promo groups

// PutPromoGroup creates or replaces a promo group
func (s *Store) PutPromoGroup(_ context.Context, g *billing.PromoGroup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *g
	s.promoGroups[g.ID] = &cp
	return nil
}

// GetPromoGroup implements promo.GroupStore
func (s *Store) GetPromoGroup(_ context.Context, id int64) (*billing.PromoGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.promoGroups[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *g
	return &cp, nil
}

// ListPromoGroups implements promo.GroupStore, ordered by id
func (s *Store) ListPromoGroups(_ context.Context) ([]*billing.PromoGroup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*billing.PromoGroup, 0, len(s.promoGroups))
	for _, g := range s.promoGroups {
		cp := *g
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Promo codes

func clonePromoCode(c *billing.PromoCode) *billing.PromoCode {
	cp := *c
	if c.ValidUntil != nil {
		until := *c.ValidUntil
		cp.ValidUntil = &until
	}
	return &cp
}

// PutPromoCode creates or replaces a promo code, keeping its use count
func (s *Store) PutPromoCode(_ context.Context, c *billing.PromoCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := clonePromoCode(c)
	if prev, ok := s.promoCodes[c.Code]; ok {
		cp.CurrentUses = prev.CurrentUses
		cp.CreatedAt = prev.CreatedAt
	} else {
		cp.CurrentUses = 0
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = time.Now().UTC()
		}
	}
	s.promoCodes[c.Code] = cp
	return nil
}

// GetPromoCode implements promo.CodeStore
func (s *Store) GetPromoCode(_ context.Context, code string) (*billing.PromoCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.promoCodes[code]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePromoCode(c), nil
}

// GetPromoCodeActivation implements promo.CodeStore
func (s *Store) GetPromoCodeActivation(_ context.Context, code string, accountID int64) (*billing.PromoCodeActivation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.activations[code][accountID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// RecordPromoCodeActivation implements promo.CodeStore
func (s *Store) RecordPromoCodeActivation(_ context.Context, a *billing.PromoCodeActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.promoCodes[a.Code]
	if !ok {
		return storage.ErrNotFound
	}
	if _, ok := s.activations[a.Code][a.AccountID]; ok {
		return fmt.Errorf("%w: promo code %s account %d", storage.ErrDuplicateKey, a.Code, a.AccountID)
	}
	if c.MaxUses > 0 && c.CurrentUses >= c.MaxUses {
		return storage.ErrConditionFailed
	}
	if s.activations[a.Code] == nil {
		s.activations[a.Code] = make(map[int64]*billing.PromoCodeActivation)
	}
	cp := *a
	s.activations[a.Code][a.AccountID] = &cp
	c.CurrentUses++
	return nil
}
