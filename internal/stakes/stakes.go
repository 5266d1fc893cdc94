// Package stakes implements the staking engine: participants lock value
// into the stake pool and accrue time-based rewards.
//
// Rewards accrue linearly per block:
//
//	pending = accrued + (now - lastRewardTime) * amount * RewardRate / RewardDivisor
//
// and are paid from the pre-funded reward pool.
package stakes

import (
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/protocol"
)

const (
	// MinStake is the smallest accepted deposit, in base units.
	MinStake uint64 = 1_000_000
	// LockPeriod is the number of blocks a deposit stays locked.
	LockPeriod uint64 = 2160
	// RewardRate over RewardDivisor is the per-block reward fraction
	// (0.1% of the staked amount per block).
	RewardRate    uint64 = 100
	RewardDivisor uint64 = 100_000
)

// Account is a participant's staking position.
type Account struct {
	Account        string    `json:"account"`
	Amount         uint64    `json:"amount"`
	RewardsAccrued uint64    `json:"rewardsAccrued"`
	LockUntil      uint64    `json:"lockUntil"`
	LastRewardTime uint64    `json:"lastRewardTime"`
	TotalClaimed   uint64    `json:"totalClaimed"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Locked reports whether the position is still inside its lock period.
func (a *Account) Locked(now uint64) bool {
	return now < a.LockUntil
}

// Pending returns the rewards the position could claim at height now.
func (a *Account) Pending(now uint64) (uint64, error) {
	if a.Amount == 0 || now <= a.LastRewardTime {
		return a.RewardsAccrued, nil
	}
	fresh, err := amount.MulDiv(RewardDivisor, now-a.LastRewardTime, a.Amount, RewardRate)
	if err != nil {
		return 0, fmt.Errorf("%w: reward accrual overflows", protocol.ErrInvalidParameters)
	}
	total, err := amount.Add(a.RewardsAccrued, fresh)
	if err != nil {
		return 0, fmt.Errorf("%w: reward accrual overflows", protocol.ErrInvalidParameters)
	}
	return total, nil
}

// checkpoint folds pending rewards into RewardsAccrued so the amount can
// change without losing accrual.
func (a *Account) checkpoint(now uint64) error {
	pending, err := a.Pending(now)
	if err != nil {
		return err
	}
	a.RewardsAccrued = pending
	if now > a.LastRewardTime {
		a.LastRewardTime = now
	}
	return nil
}

// StakeRequest is the request body for POST /v1/stakes.
type StakeRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// UnstakeRequest is the request body for POST /v1/stakes/unstake.
type UnstakeRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}

// View is a position with its claimable rewards at the current height.
type View struct {
	*Account
	PendingRewards uint64 `json:"pendingRewards"`
	Locked         bool   `json:"locked"`
	Height         uint64 `json:"height"`
}
