package ledger

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryStore struct {
	mu           sync.RWMutex
	customers    map[string]Customer
	byPrefix     map[string]string
	byEmail      map[string]string
	transactions map[string]Transaction // keyed by reference
	now          func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store useful for unit
// tests and local development.
func NewInMemory() Store {
	return &inMemoryStore{
		customers:    make(map[string]Customer),
		byPrefix:     make(map[string]string),
		byEmail:      make(map[string]string),
		transactions: make(map[string]Transaction),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *inMemoryStore) CreateCustomer(_ context.Context, c Customer) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byEmail[c.Email]; taken {
		return Customer{}, ErrDuplicateCustomer
	}
	if c.APIKeyPrefix != "" {
		if _, taken := s.byPrefix[c.APIKeyPrefix]; taken {
			return Customer{}, ErrDuplicateCustomer
		}
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Status == "" {
		c.Status = CustomerActive
	}
	now := s.now()
	c.CreatedAt, c.UpdatedAt = now, now

	s.customers[c.ID] = c
	s.byEmail[c.Email] = c.ID
	if c.APIKeyPrefix != "" {
		s.byPrefix[c.APIKeyPrefix] = c.ID
	}
	return c, nil
}

func (s *inMemoryStore) GetCustomer(_ context.Context, id string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.customers[id]
	if !ok {
		return Customer{}, ErrCustomerNotFound
	}
	return c, nil
}

func (s *inMemoryStore) GetCustomerByAPIKeyPrefix(_ context.Context, prefix string) (Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byPrefix[prefix]
	if !ok {
		return Customer{}, ErrCustomerNotFound
	}
	return s.customers[id], nil
}

func (s *inMemoryStore) UpdateCustomerStatus(_ context.Context, id string, status CustomerStatus) (Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.customers[id]
	if !ok {
		return Customer{}, ErrCustomerNotFound
	}
	c.Status = status
	c.UpdatedAt = s.now()
	s.customers[id] = c
	return c, nil
}

func (s *inMemoryStore) UpdateCustomerBalance(_ context.Context, id string, delta int64) (BalanceChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustLocked(id, delta)
}

// adjustLocked must be called with mu held for writing.
func (s *inMemoryStore) adjustLocked(id string, delta int64) (BalanceChange, error) {
	c, ok := s.customers[id]
	if !ok {
		return BalanceChange{}, ErrCustomerNotFound
	}
	if c.WalletBalance+delta < 0 {
		return BalanceChange{}, ErrInsufficientBalance
	}
	change := BalanceChange{Before: c.WalletBalance, After: c.WalletBalance + delta}
	c.WalletBalance = change.After
	c.UpdatedAt = s.now()
	s.customers[id] = c
	return change, nil
}

func (s *inMemoryStore) CreateWalletTransaction(_ context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[tx.Reference]; ok {
		return existing, ErrDuplicateReference
	}
	if _, ok := s.customers[tx.CustomerID]; !ok {
		return Transaction{}, ErrCustomerNotFound
	}
	return s.insertLocked(tx), nil
}

func (s *inMemoryStore) insertLocked(tx Transaction) Transaction {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.Metadata = maps.Clone(tx.Metadata)
	s.transactions[tx.Reference] = tx
	return tx
}

func (s *inMemoryStore) GetWalletTransactionByReference(_ context.Context, reference string) (Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.transactions[reference]
	if !ok {
		return Transaction{}, ErrTransactionNotFound
	}
	return tx, nil
}

func (s *inMemoryStore) UpdateWalletTransactionStatus(_ context.Context, reference string, update StatusUpdate) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[reference]
	if !ok {
		return Transaction{}, false, ErrTransactionNotFound
	}
	if tx.Status != StatusPending {
		return tx, false, nil
	}
	at := update.At
	tx.Status = update.Status
	tx.CompletedAt = &at
	tx.Metadata = mergeMetadata(tx.Metadata, update.Metadata)
	s.transactions[reference] = tx
	return tx, true, nil
}

func (s *inMemoryStore) ListWalletTransactions(_ context.Context, customerID string, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if tx.CustomerID == customerID {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *inMemoryStore) ListPendingCredits(_ context.Context, createdBefore time.Time, limit int) ([]Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Transaction
	for _, tx := range s.transactions {
		if tx.Type == TypeCredit && tx.Status == StatusPending && tx.CreatedAt.Before(createdBefore) {
			out = append(out, tx)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit = normalizeLimit(limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *inMemoryStore) RecordDebit(_ context.Context, tx Transaction) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.transactions[tx.Reference]; ok {
		return existing, ErrDuplicateReference
	}
	change, err := s.adjustLocked(tx.CustomerID, -tx.Amount)
	if err != nil {
		return Transaction{}, err
	}

	now := s.now()
	tx.Type = TypeDebit
	tx.Status = StatusCompleted
	tx.BalanceBefore, tx.BalanceAfter = change.Before, change.After
	tx.CreatedAt = now
	tx.CompletedAt = &now
	return s.insertLocked(tx), nil
}

func (s *inMemoryStore) SettleCredit(_ context.Context, reference string, amount int64, at time.Time) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.transactions[reference]
	if !ok {
		return Transaction{}, false, ErrTransactionNotFound
	}
	if tx.Type != TypeCredit {
		return tx, false, ErrNotCredit
	}
	if tx.Status != StatusPending {
		return tx, false, nil
	}

	change, err := s.adjustLocked(tx.CustomerID, amount)
	if err != nil {
		return Transaction{}, false, err
	}
	tx.Metadata = mergeMetadata(tx.Metadata, settlementMetadata(tx.Amount, amount))
	tx.Amount = amount
	tx.BalanceBefore, tx.BalanceAfter = change.Before, change.After
	tx.Status = StatusCompleted
	tx.CompletedAt = &at
	s.transactions[reference] = tx
	return tx, true, nil
}
