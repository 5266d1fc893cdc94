package stakes

import (
	"testing"

	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	owner   = "0x1111111111111111111111111111111111111111"
	custody = "0xc0ffee0000000000000000000000000000000000"
	staker  = "0x3333333333333333333333333333333333333333"
)

func newState(t *testing.T) *protocol.State {
	t.Helper()
	s, err := protocol.NewState(owner, custody, protocol.Params{ClaimCeiling: protocol.DefaultClaimCeiling})
	require.NoError(t, err)
	return s
}

func TestStake_New(t *testing.T) {
	state := newState(t)

	acct, err := Stake(nil, state, protocol.NewCall(staker, 100), 2_000_000)
	require.NoError(t, err)
	assert.Equal(t, staker, acct.Account)
	assert.Equal(t, uint64(2_000_000), acct.Amount)
	assert.Equal(t, uint64(2260), acct.LockUntil)
	assert.Equal(t, uint64(100), acct.LastRewardTime)
	assert.Zero(t, acct.RewardsAccrued)
	assert.Equal(t, uint64(2_000_000), state.StakePool)
}

func TestStake_BelowMinimum(t *testing.T) {
	state := newState(t)
	_, err := Stake(nil, state, protocol.NewCall(staker, 1), MinStake-1)
	assert.ErrorIs(t, err, protocol.ErrStakeTooLow)
	assert.Zero(t, state.StakePool)
}

func TestStake_CheckpointsRewards(t *testing.T) {
	state := newState(t)
	acct, err := Stake(nil, state, protocol.NewCall(staker, 100), 1_000_000)
	require.NoError(t, err)

	// 50 blocks * 1_000_000 * 100 / 100_000 = 50_000
	again, err := Stake(acct, state, protocol.NewCall(staker, 150), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(50_000), again.RewardsAccrued)
	assert.Equal(t, uint64(2_000_000), again.Amount)
	assert.Equal(t, uint64(150), again.LastRewardTime)
	assert.Equal(t, uint64(2310), again.LockUntil, "lock restarts")
	assert.Equal(t, uint64(1_000_000), acct.Amount, "input position is not mutated")
}

func TestStake_StaleHeight(t *testing.T) {
	state := newState(t)
	acct, err := Stake(nil, state, protocol.NewCall(staker, 100), 1_000_000)
	require.NoError(t, err)

	again, err := Stake(acct, state, protocol.NewCall(staker, 50), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), again.LastRewardTime, "reward clock does not rewind")
	assert.Equal(t, uint64(2260), again.LockUntil, "lock is not shortened")
	assert.Zero(t, again.RewardsAccrued)

	// Accrual resumes from 100 on the doubled position.
	pending, err := again.Pending(150)
	require.NoError(t, err)
	assert.Equal(t, uint64(100_000), pending)
}

func TestPending(t *testing.T) {
	acct := &Account{Amount: 1_000_000, RewardsAccrued: 7, LastRewardTime: 100}

	p, err := acct.Pending(100)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), p)

	p, err = acct.Pending(2260)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_160_007), p)

	huge := &Account{Amount: ^uint64(0), LastRewardTime: 0}
	_, err = huge.Pending(10)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestClaimRewards(t *testing.T) {
	state := newState(t)
	state.RewardPool = 5_000_000
	acct, err := Stake(nil, state, protocol.NewCall(staker, 0), 1_000_000)
	require.NoError(t, err)

	_, err = ClaimRewards(acct, state, protocol.NewCall(staker, 2159))
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)

	rewards, err := ClaimRewards(acct, state, protocol.NewCall(staker, 2160))
	require.NoError(t, err)
	assert.Equal(t, uint64(2_160_000), rewards)
	assert.Equal(t, uint64(2_840_000), state.RewardPool)
	assert.Equal(t, uint64(2160), acct.LastRewardTime)
	assert.Equal(t, uint64(2_160_000), acct.TotalClaimed)
	assert.Zero(t, acct.RewardsAccrued)

	again, err := ClaimRewards(acct, state, protocol.NewCall(staker, 2160))
	require.NoError(t, err)
	assert.Zero(t, again, "second claim at the same height pays nothing")
}

func TestClaimRewards_StaleHeight(t *testing.T) {
	state := newState(t)
	state.RewardPool = 5_000_000
	acct := &Account{Account: staker, Amount: 1_000_000, RewardsAccrued: 500, LastRewardTime: 3000, LockUntil: 2160}

	rewards, err := ClaimRewards(acct, state, protocol.NewCall(staker, 2500))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), rewards)
	assert.Equal(t, uint64(3000), acct.LastRewardTime)

	// Nothing between 2500 and 3000 is paid twice.
	pending, err := acct.Pending(3000)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestClaimRewards_Errors(t *testing.T) {
	state := newState(t)
	_, err := ClaimRewards(nil, state, protocol.NewCall(staker, 1))
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	acct := &Account{Account: staker, Amount: 1_000_000, LockUntil: 10}
	_, err = ClaimRewards(acct, state, protocol.NewCall(staker, 10))
	assert.ErrorIs(t, err, protocol.ErrFundsInsufficient, "unfunded reward pool")
	assert.Zero(t, acct.TotalClaimed)
}

func TestUnstake(t *testing.T) {
	state := newState(t)
	acct, err := Stake(nil, state, protocol.NewCall(staker, 0), 3_000_000)
	require.NoError(t, err)

	err = Unstake(acct, state, protocol.NewCall(staker, 100), 1_000_000)
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)

	err = Unstake(acct, state, protocol.NewCall(staker, 2160), 3_000_001)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)

	require.NoError(t, Unstake(acct, state, protocol.NewCall(staker, 2160), 1_000_000))
	assert.Equal(t, uint64(2_000_000), acct.Amount)
	assert.Equal(t, uint64(2_000_000), state.StakePool)
	assert.Equal(t, uint64(6_480_000), acct.RewardsAccrued, "rewards accrued before withdrawal are kept")

	assert.ErrorIs(t, Unstake(nil, state, protocol.NewCall(staker, 2160), 1), protocol.ErrUnauthorized)
}

func TestNewView(t *testing.T) {
	acct := &Account{Account: staker, Amount: 1_000_000, LockUntil: 2160}
	v, err := NewView(acct, 10)
	require.NoError(t, err)
	assert.True(t, v.Locked)
	assert.Equal(t, uint64(10_000), v.PendingRewards)
}
