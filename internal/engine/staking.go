package engine

import (
	"context"
	"time"

	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/stakes"
)

// Stake locks amt from the caller into the stake pool.
func (e *Engine) Stake(ctx context.Context, call protocol.Call, amt uint64) (*stakes.Account, error) {
	var out *stakes.Account
	err := e.run(ctx, "stake", &call, func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		acct, err := optional(e.store.GetStakeAccount(ctx, call.Caller))
		if err != nil {
			return err
		}

		next, err := stakes.Stake(acct, state, call, amt)
		if err != nil {
			return err
		}
		state.UpdatedAt = time.Now()

		t := &transfer{from: call.Caller, to: state.Custody, amount: amt, reference: reference("stake", call.Caller, call.Height)}
		if err := e.settle(ctx, "stake", t, &Changeset{State: state, Stake: next}); err != nil {
			return err
		}
		e.logger.Info("staked", "account", call.Caller, "amount", amt, "total", next.Amount, "lockUntil", next.LockUntil)
		e.notifier.Notify(EventStaked, call.Caller, call.Height, next)
		out = next
		return nil
	})
	return out, err
}

// ClaimRewards pays the caller's accrued rewards from the reward pool and
// returns the amount paid.
func (e *Engine) ClaimRewards(ctx context.Context, call protocol.Call) (uint64, error) {
	var paid uint64
	err := e.run(ctx, "claim_rewards", &call, func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		acct, err := optional(e.store.GetStakeAccount(ctx, call.Caller))
		if err != nil {
			return err
		}

		rewards, err := stakes.ClaimRewards(acct, state, call)
		if err != nil {
			return err
		}
		state.UpdatedAt = time.Now()

		t := &transfer{from: state.Custody, to: call.Caller, amount: rewards, reference: reference("rewards", call.Caller, call.Height)}
		if err := e.settle(ctx, "claim_rewards", t, &Changeset{State: state, Stake: acct}); err != nil {
			return err
		}
		e.logger.Info("rewards claimed", "account", call.Caller, "amount", rewards, "rewardPool", state.RewardPool)
		e.notifier.Notify(EventRewardsClaimed, call.Caller, call.Height, map[string]uint64{"amount": rewards})
		paid = rewards
		return nil
	})
	return paid, err
}

// Unstake returns amt of an unlocked position to the caller.
func (e *Engine) Unstake(ctx context.Context, call protocol.Call, amt uint64) (*stakes.Account, error) {
	var out *stakes.Account
	err := e.run(ctx, "unstake", &call, func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		acct, err := optional(e.store.GetStakeAccount(ctx, call.Caller))
		if err != nil {
			return err
		}

		if err := stakes.Unstake(acct, state, call, amt); err != nil {
			return err
		}
		state.UpdatedAt = time.Now()

		t := &transfer{from: state.Custody, to: call.Caller, amount: amt, reference: reference("unstake", call.Caller, call.Height)}
		if err := e.settle(ctx, "unstake", t, &Changeset{State: state, Stake: acct}); err != nil {
			return err
		}
		e.logger.Info("unstaked", "account", call.Caller, "amount", amt, "remaining", acct.Amount)
		e.notifier.Notify(EventUnstaked, call.Caller, call.Height, acct)
		out = acct
		return nil
	})
	return out, err
}
