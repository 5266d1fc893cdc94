package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/traces"
)

// PurchasePolicy opens coverage for the caller. Premium and stake move to
// custody in one transfer; the premium joins the reserve pool and the
// stake joins the stake pool.
func (e *Engine) PurchasePolicy(ctx context.Context, call protocol.Call, req policy.PurchaseRequest) (*policy.Policy, error) {
	var out *policy.Policy
	err := e.run(ctx, "purchase_policy", &call, func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		existing, err := optional(e.store.GetPolicy(ctx, call.Caller))
		if err != nil {
			return err
		}
		tier, err := optional(e.store.GetTier(ctx, req.TierID))
		if err != nil {
			return err
		}
		profile, err := optional(e.store.GetProfile(ctx, call.Caller))
		if err != nil {
			return err
		}

		quote, err := policy.Prepare(policy.Inputs{State: state, Existing: existing, Tier: tier, Profile: profile}, call, req)
		if err != nil {
			return err
		}

		reserve, err := amount.Add(state.ReservePool, quote.Premium)
		if err != nil {
			return fmt.Errorf("%w: reserve pool overflows", protocol.ErrInvalidParameters)
		}
		stakePool, err := amount.Add(state.StakePool, quote.Stake)
		if err != nil {
			return fmt.Errorf("%w: stake pool overflows", protocol.ErrInvalidParameters)
		}
		total, err := amount.Add(state.TotalPolicies, 1)
		if err != nil {
			return fmt.Errorf("%w: policy counter exhausted", protocol.ErrInvalidParameters)
		}
		state.ReservePool = reserve
		state.StakePool = stakePool
		state.TotalPolicies = total
		state.UpdatedAt = time.Now()

		p := quote.Policy(existing, call.Height)
		t := &transfer{from: call.Caller, to: state.Custody, amount: quote.Total, reference: reference("policy", call.Caller, call.Height)}
		cs := &Changeset{State: state, Policy: p, Assessment: quote.Assessment}
		if err := e.settle(ctx, "purchase_policy", t, cs); err != nil {
			return err
		}

		e.logger.Info("policy purchased",
			"account", p.Account, "tier", p.TierID, "coverage", p.CoverageLimit,
			"premium", p.PremiumPaid, "stake", p.StakeAmount, "riskScore", p.RiskScore, "expiry", p.ExpiryTime)
		e.notifier.Notify(EventPolicyPurchased, p.Account, call.Height, p)
		out = p
		return nil
	})
	return out, err
}

// ExpirePolicy writes the expired status of a lapsed policy and returns its
// stake collateral to the holder. Any caller may trigger it.
func (e *Engine) ExpirePolicy(ctx context.Context, call protocol.Call, account string) (*policy.Policy, error) {
	var out *policy.Policy
	err := e.run(ctx, "expire_policy", &call, func(ctx context.Context) error {
		p, err := e.endPolicy(ctx, call, account, "expire_policy", func(p *policy.Policy) (uint64, error) {
			return p.Expire(call.Height)
		})
		if err != nil {
			return err
		}
		e.notifier.Notify(EventPolicyExpired, p.Account, call.Height, p)
		out = p
		return nil
	})
	return out, err
}

// TerminatePolicy ends a policy immediately. The premium stays in the
// reserve; the stake is returned. Owner only.
func (e *Engine) TerminatePolicy(ctx context.Context, call protocol.Call, account string) (*policy.Policy, error) {
	var out *policy.Policy
	err := e.run(ctx, "terminate_policy", &call, func(ctx context.Context) error {
		if _, err := e.authorize(ctx, call); err != nil {
			return err
		}
		p, err := e.endPolicy(ctx, call, account, "terminate_policy", func(p *policy.Policy) (uint64, error) {
			return p.Terminate()
		})
		if err != nil {
			return err
		}
		e.notifier.Notify(EventPolicyTerminated, p.Account, call.Height, p)
		out = p
		return nil
	})
	return out, err
}

// endPolicy applies a terminal transition and releases the collateral.
func (e *Engine) endPolicy(ctx context.Context, call protocol.Call, account, op string, transition func(*policy.Policy) (uint64, error)) (*policy.Policy, error) {
	account = protocol.NormalizeAccount(account)
	state, err := e.loadState(ctx)
	if err != nil {
		return nil, err
	}
	p, err := optional(e.store.GetPolicy(ctx, account))
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: account %s has no policy", protocol.ErrNoPolicyExists, account)
	}

	release, err := transition(p)
	if err != nil {
		return nil, err
	}

	var t *transfer
	if release > 0 {
		pool, err := amount.Sub(state.StakePool, release)
		if err != nil {
			return nil, fmt.Errorf("%w: stake pool holds %d", protocol.ErrFundsInsufficient, state.StakePool)
		}
		state.StakePool = pool
		state.UpdatedAt = time.Now()
		t = &transfer{from: state.Custody, to: account, amount: release, reference: reference("collateral", account, call.Height)}
	}

	if err := e.settle(ctx, op, t, &Changeset{State: state, Policy: p}); err != nil {
		return nil, err
	}
	e.logger.Info("policy ended", "account", account, "status", p.Status, "released", release)
	return p, nil
}

// ExpireLapsed expires up to limit policies whose coverage window ended
// before height. Failures are logged and skipped; it returns how many were
// expired.
func (e *Engine) ExpireLapsed(ctx context.Context, height uint64, limit int) (int, error) {
	ctx, span := traces.StartSpan(ctx, "engine.expire_lapsed", traces.Height(height))
	defer span.End()

	lapsed, err := e.store.ListLapsedPolicies(ctx, height, limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, p := range lapsed {
		if _, err := e.ExpirePolicy(ctx, protocol.Call{Caller: p.Account, Height: height}, p.Account); err != nil {
			e.logger.Warn("failed to expire policy", "account", p.Account, "expiry", p.ExpiryTime, "error", err)
			continue
		}
		expired++
	}
	return expired, nil
}
