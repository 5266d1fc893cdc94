package stakes

import (
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/protocol"
)

// Stake adds amt to the caller's position, creating it when acct is nil.
// Pending rewards are checkpointed first and the lock restarts at
// now + LockPeriod. It returns the updated position and credits the stake
// pool; the caller moves the funds.
func Stake(acct *Account, state *protocol.State, call protocol.Call, amt uint64) (*Account, error) {
	if amt < MinStake {
		return nil, fmt.Errorf("%w: minimum stake is %d", protocol.ErrStakeTooLow, MinStake)
	}

	now := time.Now()
	next := &Account{Account: call.Caller, LastRewardTime: call.Height, CreatedAt: now}
	if acct != nil {
		cp := *acct
		next = &cp
		if err := next.checkpoint(call.Height); err != nil {
			return nil, err
		}
	}

	total, err := amount.Add(next.Amount, amt)
	if err != nil {
		return nil, fmt.Errorf("%w: staked amount overflows", protocol.ErrInvalidParameters)
	}
	lock, err := amount.Add(call.Height, LockPeriod)
	if err != nil {
		return nil, fmt.Errorf("%w: lock period overflows block height", protocol.ErrInvalidParameters)
	}
	pool, err := amount.Add(state.StakePool, amt)
	if err != nil {
		return nil, fmt.Errorf("%w: stake pool overflows", protocol.ErrInvalidParameters)
	}

	// checkpoint already moved the reward clock forward; a stale height
	// must not rewind it or shorten an existing lock.
	next.Amount = total
	next.LockUntil = max(next.LockUntil, lock)
	next.UpdatedAt = now
	state.StakePool = pool
	return next, nil
}

// ClaimRewards settles the caller's rewards against the reward pool and
// returns the amount to pay out. Zero is a valid result.
func ClaimRewards(acct *Account, state *protocol.State, call protocol.Call) (uint64, error) {
	if acct == nil {
		return 0, fmt.Errorf("%w: no stake account for %s", protocol.ErrUnauthorized, call.Caller)
	}
	if acct.Locked(call.Height) {
		return 0, fmt.Errorf("%w: stake locked until height %d", protocol.ErrCooldownActive, acct.LockUntil)
	}
	rewards, err := acct.Pending(call.Height)
	if err != nil {
		return 0, err
	}
	if rewards > state.RewardPool {
		return 0, fmt.Errorf("%w: reward pool holds %d, owed %d", protocol.ErrFundsInsufficient, state.RewardPool, rewards)
	}
	claimed, err := amount.Add(acct.TotalClaimed, rewards)
	if err != nil {
		return 0, fmt.Errorf("%w: claimed total overflows", protocol.ErrInvalidParameters)
	}

	state.RewardPool -= rewards
	acct.RewardsAccrued = 0
	acct.LastRewardTime = max(acct.LastRewardTime, call.Height)
	acct.TotalClaimed = claimed
	acct.UpdatedAt = time.Now()
	return rewards, nil
}

// Unstake withdraws amt from an unlocked position. Rewards earned so far
// stay claimable.
func Unstake(acct *Account, state *protocol.State, call protocol.Call, amt uint64) error {
	if acct == nil {
		return fmt.Errorf("%w: no stake account for %s", protocol.ErrUnauthorized, call.Caller)
	}
	if acct.Locked(call.Height) {
		return fmt.Errorf("%w: stake locked until height %d", protocol.ErrCooldownActive, acct.LockUntil)
	}
	if amt == 0 || amt > acct.Amount {
		return fmt.Errorf("%w: unstake amount must be within 1-%d", protocol.ErrInvalidParameters, acct.Amount)
	}
	pool, err := amount.Sub(state.StakePool, amt)
	if err != nil {
		return fmt.Errorf("%w: stake pool holds %d", protocol.ErrFundsInsufficient, state.StakePool)
	}
	if err := acct.checkpoint(call.Height); err != nil {
		return err
	}

	acct.Amount -= amt
	acct.UpdatedAt = time.Now()
	state.StakePool = pool
	return nil
}

// NewView builds the read model for acct at height now.
func NewView(acct *Account, now uint64) (*View, error) {
	pending, err := acct.Pending(now)
	if err != nil {
		return nil, err
	}
	return &View{Account: acct, PendingRewards: pending, Locked: acct.Locked(now), Height: now}, nil
}
