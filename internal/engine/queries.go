package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/premium"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/tiers"
	"github.com/mbd888/coverpool/internal/traces"
)

// Reads run under the gate so they only ever observe committed state.

// GetState returns the protocol record.
func (e *Engine) GetState(ctx context.Context) (*protocol.State, error) {
	var out *protocol.State
	err := e.read(ctx, "get_state", func(ctx context.Context) (err error) {
		out, err = e.loadState(ctx)
		return err
	})
	return out, err
}

// Owner returns the current protocol owner.
func (e *Engine) Owner(ctx context.Context) (string, error) {
	state, err := e.GetState(ctx)
	if err != nil {
		return "", err
	}
	return state.Owner, nil
}

// GetTier returns a registered tier.
func (e *Engine) GetTier(ctx context.Context, id uint32) (*tiers.Tier, error) {
	var out *tiers.Tier
	err := e.read(ctx, "get_tier", func(ctx context.Context) (err error) {
		out, err = optional(e.store.GetTier(ctx, id))
		if err == nil && out == nil {
			return tiers.ErrTierNotFound
		}
		return err
	})
	return out, err
}

// ListTiers returns every tier ordered by ID.
func (e *Engine) ListTiers(ctx context.Context) ([]*tiers.Tier, error) {
	var out []*tiers.Tier
	err := e.read(ctx, "list_tiers", func(ctx context.Context) (err error) {
		out, err = e.store.ListTiers(ctx)
		tiers.SortByID(out)
		return err
	})
	return out, err
}

// GetPolicy returns an account's policy record, active or ended.
func (e *Engine) GetPolicy(ctx context.Context, account string) (*policy.Policy, error) {
	account = protocol.NormalizeAccount(account)
	var out *policy.Policy
	err := e.read(ctx, "get_policy", func(ctx context.Context) (err error) {
		out, err = optional(e.store.GetPolicy(ctx, account))
		if err == nil && out == nil {
			return fmt.Errorf("%w: account %s has no policy", protocol.ErrNoPolicyExists, account)
		}
		return err
	})
	return out, err
}

// IsActive reports whether account holds coverage at height now.
func (e *Engine) IsActive(ctx context.Context, account string, now uint64) (bool, error) {
	p, err := e.GetPolicy(ctx, account)
	if err != nil {
		if errors.Is(err, protocol.ErrNoPolicyExists) {
			return false, nil
		}
		return false, err
	}
	return p.IsActive(now), nil
}

// GetClaim returns one claim, or ErrNotFound.
func (e *Engine) GetClaim(ctx context.Context, account string, id uint64) (*claims.Claim, error) {
	account = protocol.NormalizeAccount(account)
	var out *claims.Claim
	err := e.read(ctx, "get_claim", func(ctx context.Context) (err error) {
		out, err = e.store.GetClaim(ctx, account, id)
		return err
	})
	return out, err
}

// ListClaims returns an account's claims ordered by ID.
func (e *Engine) ListClaims(ctx context.Context, account string) ([]*claims.Claim, error) {
	account = protocol.NormalizeAccount(account)
	var out []*claims.Claim
	err := e.read(ctx, "list_claims", func(ctx context.Context) (err error) {
		out, err = e.store.ListClaims(ctx, account)
		return err
	})
	return out, err
}

// RiskView is an account's profile (nil when never observed) with the
// score and decision it currently produces.
type RiskView struct {
	Account  string        `json:"account"`
	Profile  *risk.Profile `json:"profile"`
	Score    uint64        `json:"score"`
	Decision risk.Decision `json:"decision"`
}

// GetRiskProfile returns an account's risk view.
func (e *Engine) GetRiskProfile(ctx context.Context, account string) (*RiskView, error) {
	account = protocol.NormalizeAccount(account)
	var out *RiskView
	err := e.read(ctx, "get_risk_profile", func(ctx context.Context) error {
		p, err := optional(e.store.GetProfile(ctx, account))
		if err != nil {
			return err
		}
		score := risk.Score(p)
		out = &RiskView{Account: account, Profile: p, Score: score, Decision: risk.Decide(score)}
		return nil
	})
	return out, err
}

// ListAssessments returns an account's scoring audit trail, newest first.
func (e *Engine) ListAssessments(ctx context.Context, account string, limit int) ([]*risk.Assessment, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	account = protocol.NormalizeAccount(account)
	var out []*risk.Assessment
	err := e.read(ctx, "list_assessments", func(ctx context.Context) (err error) {
		out, err = e.store.ListAssessments(ctx, account, limit)
		return err
	})
	return out, err
}

// ComputePremium prices coverage under a tier for account's current risk
// score. An empty account prices at the neutral score.
func (e *Engine) ComputePremium(ctx context.Context, tierID uint32, coverage uint64, account string) (*premium.Quote, error) {
	account = protocol.NormalizeAccount(account)
	var out *premium.Quote
	err := e.read(ctx, "compute_premium", func(ctx context.Context) error {
		tier, err := optional(e.store.GetTier(ctx, tierID))
		if err != nil {
			return err
		}
		var profile *risk.Profile
		if account != "" {
			if profile, err = optional(e.store.GetProfile(ctx, account)); err != nil {
				return err
			}
		}
		score := risk.Score(profile)
		p, err := premium.Calculate(tier, coverage, score)
		if err != nil {
			return err
		}
		out = &premium.Quote{TierID: tierID, Coverage: coverage, RiskScore: score, Premium: p, Display: amount.Format(p)}
		return nil
	})
	return out, err
}

// GetStakeAccount returns a staking position, or ErrNotFound.
func (e *Engine) GetStakeAccount(ctx context.Context, account string) (*stakes.Account, error) {
	account = protocol.NormalizeAccount(account)
	var out *stakes.Account
	err := e.read(ctx, "get_stake_account", func(ctx context.Context) (err error) {
		out, err = e.store.GetStakeAccount(ctx, account)
		return err
	})
	return out, err
}

// PendingRewards returns the rewards account could claim at height now.
// Accounts without a position have none.
func (e *Engine) PendingRewards(ctx context.Context, account string, now uint64) (uint64, error) {
	acct, err := optional(e.GetStakeAccount(ctx, account))
	if err != nil || acct == nil {
		return 0, err
	}
	return acct.Pending(now)
}

// WithState runs fn with the committed protocol state while holding the
// engine gate, so no operation can move funds until fn returns.
func (e *Engine) WithState(ctx context.Context, fn func(ctx context.Context, state *protocol.State) error) error {
	return e.read(ctx, "with_state", func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		return fn(ctx, state)
	})
}

func (e *Engine) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "engine."+op)
	defer span.End()

	release, err := e.gate.Enter(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
