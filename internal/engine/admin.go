package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/tiers"
)

// RegisterTier creates or overwrites a tier. Owner only.
func (e *Engine) RegisterTier(ctx context.Context, call protocol.Call, req tiers.RegisterRequest) (*tiers.Tier, error) {
	var out *tiers.Tier
	err := e.run(ctx, "register_tier", &call, func(ctx context.Context) error {
		if _, err := e.authorize(ctx, call); err != nil {
			return err
		}
		tier, err := tiers.New(req.ID, req.Name, req.CoverageMultiplier, req.DiscountPercent, req.MinStake)
		if err != nil {
			return err
		}
		if err := e.settle(ctx, "register_tier", nil, &Changeset{Tiers: []*tiers.Tier{tier}}); err != nil {
			return err
		}
		e.logger.Info("tier registered", "id", tier.ID, "name", tier.Name, "multiplier", tier.CoverageMultiplier)
		e.notifier.Notify(EventTierRegistered, "", call.Height, tier)
		out = tier
		return nil
	})
	return out, err
}

// UpdateParameters replaces the base premium and claim ceiling. Owner only.
func (e *Engine) UpdateParameters(ctx context.Context, call protocol.Call, params protocol.Params) (*protocol.State, error) {
	var out *protocol.State
	err := e.run(ctx, "update_parameters", &call, func(ctx context.Context) error {
		state, err := e.authorize(ctx, call)
		if err != nil {
			return err
		}
		if err := params.Validate(); err != nil {
			return err
		}
		state.BasePremium = params.BasePremium
		state.ClaimCeiling = params.ClaimCeiling
		state.UpdatedAt = time.Now()
		if err := e.settle(ctx, "update_parameters", nil, &Changeset{State: state}); err != nil {
			return err
		}
		e.logger.Info("protocol parameters updated", "basePremium", params.BasePremium, "claimCeiling", params.ClaimCeiling)
		e.notifier.Notify(EventParametersUpdated, "", call.Height, params)
		out = state
		return nil
	})
	return out, err
}

// TransferOwnership hands admin rights to newOwner immediately. Owner only.
func (e *Engine) TransferOwnership(ctx context.Context, call protocol.Call, newOwner string) (*protocol.State, error) {
	var out *protocol.State
	err := e.run(ctx, "transfer_ownership", &call, func(ctx context.Context) error {
		state, err := e.authorize(ctx, call)
		if err != nil {
			return err
		}
		newOwner = protocol.NormalizeAccount(newOwner)
		if !protocol.IsAccount(newOwner) {
			return fmt.Errorf("%w: new owner must be a hex account address", protocol.ErrInvalidParameters)
		}
		if newOwner == state.Custody {
			return fmt.Errorf("%w: owner cannot be the custody account", protocol.ErrInvalidParameters)
		}
		previous := state.Owner
		state.Owner = newOwner
		state.UpdatedAt = time.Now()
		if err := e.settle(ctx, "transfer_ownership", nil, &Changeset{State: state}); err != nil {
			return err
		}
		e.logger.Info("ownership transferred", "from", previous, "to", newOwner)
		e.notifier.Notify(EventOwnershipTransferred, newOwner, call.Height, map[string]string{"previous": previous, "owner": newOwner})
		out = state
		return nil
	})
	return out, err
}

// FundRewardPool moves amt from the owner into custody and credits the
// reward pool. Owner only.
func (e *Engine) FundRewardPool(ctx context.Context, call protocol.Call, amt uint64) (*protocol.State, error) {
	var out *protocol.State
	err := e.run(ctx, "fund_reward_pool", &call, func(ctx context.Context) error {
		state, err := e.authorize(ctx, call)
		if err != nil {
			return err
		}
		if amt == 0 {
			return fmt.Errorf("%w: funding amount must be positive", protocol.ErrInvalidParameters)
		}
		pool, err := amount.Add(state.RewardPool, amt)
		if err != nil {
			return fmt.Errorf("%w: reward pool overflows", protocol.ErrInvalidParameters)
		}
		state.RewardPool = pool
		state.UpdatedAt = time.Now()

		t := &transfer{from: call.Caller, to: state.Custody, amount: amt, reference: reference("reward_fund", call.Caller, call.Height)}
		if err := e.settle(ctx, "fund_reward_pool", t, &Changeset{State: state}); err != nil {
			return err
		}
		e.logger.Info("reward pool funded", "amount", amt, "rewardPool", state.RewardPool)
		e.notifier.Notify(EventRewardPoolFunded, call.Caller, call.Height, map[string]uint64{"amount": amt, "rewardPool": pool})
		out = state
		return nil
	})
	return out, err
}

// SetRiskProfile writes an account's risk profile. This is the write path
// of the external observer that tracks claim outcomes. Owner only.
func (e *Engine) SetRiskProfile(ctx context.Context, call protocol.Call, account string, req risk.ProfileRequest) (*risk.Profile, error) {
	var out *risk.Profile
	err := e.run(ctx, "set_risk_profile", &call, func(ctx context.Context) error {
		if _, err := e.authorize(ctx, call); err != nil {
			return err
		}
		p := &risk.Profile{
			Account:            protocol.NormalizeAccount(account),
			BaseScore:          req.BaseScore,
			ClaimHistory:       req.ClaimHistory,
			StakeWeight:        req.StakeWeight,
			DurationMultiplier: req.DurationMultiplier,
			UpdatedAt:          time.Now(),
		}
		if err := p.Validate(); err != nil {
			return err
		}
		if err := e.settle(ctx, "set_risk_profile", nil, &Changeset{Profile: p}); err != nil {
			return err
		}
		e.notifier.Notify(EventRiskProfileUpdated, p.Account, call.Height, map[string]uint64{"score": risk.Score(p)})
		out = p
		return nil
	})
	return out, err
}
