package ledger

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
type MemoryStore struct {
	balances map[string]*Balance
	entries  []*Entry
	deposits map[string]bool
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		entries:  make([]*Entry, 0),
		deposits: make(map[string]bool),
	}
}

func (m *MemoryStore) GetBalance(ctx context.Context, account string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[account]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{Account: account, UpdatedAt: time.Now()}, nil
}

func (m *MemoryStore) Transfer(ctx context.Context, from, to string, amt uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	src, ok := m.balances[from]
	if !ok || src.Available < amt {
		return ErrInsufficientBalance
	}
	dst := m.balanceLocked(to)
	avail, err := amount.Add(dst.Available, amt)
	if err != nil {
		return err
	}
	totalIn, err := amount.Add(dst.TotalIn, amt)
	if err != nil {
		return err
	}
	totalOut, err := amount.Add(src.TotalOut, amt)
	if err != nil {
		return err
	}

	now := time.Now()
	src.Available -= amt
	src.TotalOut = totalOut
	src.UpdatedAt = now
	dst.Available = avail
	dst.TotalIn = totalIn
	dst.UpdatedAt = now

	m.entries = append(m.entries,
		&Entry{ID: idgen.WithPrefix("le_"), Account: from, Type: EntryDebit, Amount: amt, Counterparty: to, Reference: reference, CreatedAt: now},
		&Entry{ID: idgen.WithPrefix("le_"), Account: to, Type: EntryCredit, Amount: amt, Counterparty: from, Reference: reference, CreatedAt: now},
	)
	return nil
}

func (m *MemoryStore) Credit(ctx context.Context, account string, amt uint64, reference string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reference != "" && m.deposits[reference] {
		return ErrDuplicateDeposit
	}
	bal := m.balanceLocked(account)
	avail, err := amount.Add(bal.Available, amt)
	if err != nil {
		return err
	}
	totalIn, err := amount.Add(bal.TotalIn, amt)
	if err != nil {
		return err
	}

	now := time.Now()
	bal.Available = avail
	bal.TotalIn = totalIn
	bal.UpdatedAt = now
	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("le_"),
		Account:   account,
		Type:      EntryDeposit,
		Amount:    amt,
		Reference: reference,
		CreatedAt: now,
	})
	if reference != "" {
		m.deposits[reference] = true
	}
	return nil
}

func (m *MemoryStore) HasDeposit(ctx context.Context, reference string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.deposits[reference], nil
}

func (m *MemoryStore) GetHistory(ctx context.Context, account string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(result) < limit; i-- {
		if m.entries[i].Account == account {
			cp := *m.entries[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) balanceLocked(account string) *Balance {
	bal, ok := m.balances[account]
	if !ok {
		bal = &Balance{Account: account}
		m.balances[account] = bal
	}
	return bal
}
