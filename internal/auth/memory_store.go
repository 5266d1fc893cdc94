package auth

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps keys in process memory, indexed by ID and by hash.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*APIKey
	byHash map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*APIKey), byHash: make(map[string]string)}
}

func (s *MemoryStore) Create(_ context.Context, key *APIKey) error {
	cp := *key
	cp.Account = canonical(cp.Account)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = &cp
	s.byHash[cp.Hash] = cp.ID
	return nil
}

func (s *MemoryStore) GetByHash(_ context.Context, hash string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.byID[s.byHash[hash]]
	if !ok {
		return nil, ErrKeyNotFound
	}
	cp := *k
	return &cp, nil
}

// GetByAccount returns the account's keys newest first.
func (s *MemoryStore) GetByAccount(_ context.Context, account string) ([]*APIKey, error) {
	account = canonical(account)
	s.mu.RLock()
	var out []*APIKey
	for _, k := range s.byID {
		if k.Account == account {
			cp := *k
			out = append(out, &cp)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Update applies last-used and revocation. A zero LastUsed leaves the
// stored value alone and revocation cannot be undone.
func (s *MemoryStore) Update(_ context.Context, key *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.byID[key.ID]
	if !ok {
		return ErrKeyNotFound
	}
	if !key.LastUsed.IsZero() {
		k.LastUsed = key.LastUsed
	}
	k.Revoked = k.Revoked || key.Revoked
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.byID[id]; ok {
		delete(s.byHash, k.Hash)
		delete(s.byID, id)
	}
	return nil
}
