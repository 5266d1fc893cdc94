package engine

import (
	"context"
	"sort"
	"sync"

	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/tiers"
)

type claimKey struct {
	account string
	id      uint64
}

// MemoryStore is an in-memory engine store for demo/development mode and
// tests.
type MemoryStore struct {
	state       *protocol.State
	tiers       map[uint32]*tiers.Tier
	policies    map[string]*policy.Policy
	claims      map[claimKey]*claims.Claim
	profiles    map[string]*risk.Profile
	assessments []*risk.Assessment
	stakes      map[string]*stakes.Account

	// failCommit, when set, is returned by the next Commit (tests only).
	failCommit error

	mu sync.RWMutex
}

// NewMemoryStore creates a new in-memory engine store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tiers:    make(map[uint32]*tiers.Tier),
		policies: make(map[string]*policy.Policy),
		claims:   make(map[claimKey]*claims.Claim),
		profiles: make(map[string]*risk.Profile),
		stakes:   make(map[string]*stakes.Account),
	}
}

func (m *MemoryStore) GetState(ctx context.Context) (*protocol.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, ErrNotInitialized
	}
	cp := *m.state
	return &cp, nil
}

func (m *MemoryStore) GetTier(ctx context.Context, id uint32) (*tiers.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tiers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) ListTiers(ctx context.Context) ([]*tiers.Tier, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*tiers.Tier, 0, len(m.tiers))
	for _, t := range m.tiers {
		cp := *t
		out = append(out, &cp)
	}
	tiers.SortByID(out)
	return out, nil
}

func (m *MemoryStore) GetPolicy(ctx context.Context, account string) (*policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.policies[account]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListLapsedPolicies(ctx context.Context, height uint64, limit int) ([]*policy.Policy, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*policy.Policy
	for _, p := range m.policies {
		if p.Status == policy.StatusActive && p.ExpiryTime < height {
			cp := *p
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiryTime < out[j].ExpiryTime })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) GetClaim(ctx context.Context, account string, id uint64) (*claims.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[claimKey{account, id}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *MemoryStore) ListClaims(ctx context.Context, account string) ([]*claims.Claim, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*claims.Claim
	for k, c := range m.claims {
		if k.account == account {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) GetProfile(ctx context.Context, account string) (*risk.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[account]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListAssessments(ctx context.Context, account string, limit int) ([]*risk.Assessment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*risk.Assessment
	for i := len(m.assessments) - 1; i >= 0 && len(out) < limit; i-- {
		if m.assessments[i].Account == account {
			cp := *m.assessments[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) GetStakeAccount(ctx context.Context, account string) (*stakes.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.stakes[account]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) Commit(ctx context.Context, cs *Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.failCommit; err != nil {
		m.failCommit = nil
		return err
	}

	if cs.State != nil {
		cp := *cs.State
		m.state = &cp
	}
	for _, t := range cs.Tiers {
		cp := *t
		m.tiers[t.ID] = &cp
	}
	if cs.Policy != nil {
		cp := *cs.Policy
		m.policies[cp.Account] = &cp
	}
	if cs.Claim != nil {
		cp := *cs.Claim
		m.claims[claimKey{cp.Account, cp.ID}] = &cp
	}
	if cs.Profile != nil {
		cp := *cs.Profile
		m.profiles[cp.Account] = &cp
	}
	if cs.Assessment != nil {
		cp := *cs.Assessment
		m.assessments = append(m.assessments, &cp)
	}
	if cs.Stake != nil {
		cp := *cs.Stake
		m.stakes[cp.Account] = &cp
	}
	return nil
}
