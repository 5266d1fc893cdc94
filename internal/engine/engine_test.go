package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/ledger"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/tiers"
)

const (
	owner   = "0x0000000000000000000000000000000000000001"
	custody = "0x00000000000000000000000000000000000000cc"
	alice   = "0x1111111111111111111111111111111111111111"
	bob     = "0x2222222222222222222222222222222222222222"
	carol   = "0x3333333333333333333333333333333333333333"
)

var evidence = common.HexToHash("0xabababababababababababababababababababababababababababababababab")

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) Notify(eventType, _ string, _ uint64, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, eventType)
}

func (n *recordingNotifier) Events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

type harness struct {
	engine   *Engine
	store    *MemoryStore
	ledger   *ledger.Ledger
	notifier *recordingNotifier
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	store := NewMemoryStore()
	l := ledger.New(ledger.NewMemoryStore())
	n := &recordingNotifier{}
	e := New(store, l, append([]Option{WithNotifier(n), WithLogger(slog.Default())}, opts...)...)

	_, err := e.Bootstrap(context.Background(), BootstrapConfig{
		Owner:       owner,
		Custody:     custody,
		Params:      protocol.Params{BasePremium: protocol.DefaultBasePremium, ClaimCeiling: protocol.DefaultClaimCeiling},
		SeedCatalog: true,
	})
	require.NoError(t, err)
	return &harness{engine: e, store: store, ledger: l, notifier: n}
}

func (h *harness) fund(t *testing.T, account string, amt uint64) {
	t.Helper()
	require.NoError(t, h.ledger.Deposit(context.Background(), account, amt, ""))
}

func (h *harness) balance(t *testing.T, account string) uint64 {
	t.Helper()
	b, err := h.ledger.GetBalance(context.Background(), account)
	require.NoError(t, err)
	return b.Available
}

func (h *harness) state(t *testing.T) *protocol.State {
	t.Helper()
	s, err := h.engine.GetState(context.Background())
	require.NoError(t, err)
	return s
}

// assertSolvent checks that custody holds exactly the three pools.
func (h *harness) assertSolvent(t *testing.T) {
	t.Helper()
	s := h.state(t)
	assert.Equal(t, s.ReservePool+s.StakePool+s.RewardPool, h.balance(t, custody), "custody balance must equal pool total")
}

func (h *harness) buyBasic(t *testing.T, account string, height uint64) *policy.Policy {
	t.Helper()
	p, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(account, height), policy.PurchaseRequest{
		TierID:      1,
		Coverage:    10_000_000,
		StakeAmount: 1_000_000,
		Duration:    1000,
	})
	require.NoError(t, err)
	return p
}

func TestBootstrap_Idempotent(t *testing.T) {
	h := newHarness(t)

	state, err := h.engine.Bootstrap(context.Background(), BootstrapConfig{
		Owner:   bob,
		Custody: carol,
		Params:  protocol.Params{BasePremium: 1, ClaimCeiling: 1},
	})
	require.NoError(t, err)
	assert.Equal(t, owner, state.Owner, "existing state must win over configuration")
	assert.Equal(t, custody, state.Custody)

	ts, err := h.engine.ListTiers(context.Background())
	require.NoError(t, err)
	assert.Len(t, ts, 3)
}

func TestOperationsBeforeBootstrap(t *testing.T) {
	e := New(NewMemoryStore(), ledger.New(ledger.NewMemoryStore()))
	_, err := e.Stake(context.Background(), protocol.NewCall(alice, 1), 1_000_000)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestPurchasePolicy_ScenarioA(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)

	p := h.buyBasic(t, alice, 1)

	assert.Equal(t, uint64(15_000_000), p.PremiumPaid)
	assert.Equal(t, policy.StatusActive, p.Status)
	assert.Equal(t, uint64(0), p.ClaimsMade)
	assert.Equal(t, uint64(1001), p.ExpiryTime)
	assert.Equal(t, uint64(risk.NeutralScore), p.RiskScore)

	s := h.state(t)
	assert.Equal(t, uint64(15_000_000), s.ReservePool)
	assert.Equal(t, uint64(1_000_000), s.StakePool)
	assert.Equal(t, uint64(1), s.TotalPolicies)
	assert.Equal(t, uint64(4_000_000), h.balance(t, alice))
	h.assertSolvent(t)

	stored, err := h.engine.GetPolicy(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, p.PremiumPaid, stored.PremiumPaid)
	assert.Equal(t, p.CoverageLimit, stored.CoverageLimit)
	assert.Equal(t, p.ExpiryTime, stored.ExpiryTime)

	as, err := h.engine.ListAssessments(context.Background(), alice, 0)
	require.NoError(t, err)
	require.Len(t, as, 1)
	assert.Equal(t, risk.DecisionAllow, as[0].Decision)

	assert.Contains(t, h.notifier.Events(), EventPolicyPurchased)
}

func TestPurchasePolicy_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		req     policy.PurchaseRequest
		wantErr error
	}{
		{"unknown tier", policy.PurchaseRequest{TierID: 9, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10}, protocol.ErrInvalidParameters},
		{"stake too low", policy.PurchaseRequest{TierID: 1, Coverage: 10_000_000, StakeAmount: 999_999, Duration: 10}, protocol.ErrStakeTooLow},
		{"premium tier stake too low", policy.PurchaseRequest{TierID: 2, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10}, protocol.ErrStakeTooLow},
		{"coverage over ceiling", policy.PurchaseRequest{TierID: 1, Coverage: protocol.DefaultClaimCeiling + 1, StakeAmount: 1_000_000, Duration: 10}, protocol.ErrMaxCoverageExceeded},
		{"zero coverage", policy.PurchaseRequest{TierID: 1, Coverage: 0, StakeAmount: 1_000_000, Duration: 10}, protocol.ErrInvalidParameters},
		{"zero duration", policy.PurchaseRequest{TierID: 1, Coverage: 10_000_000, StakeAmount: 1_000_000}, protocol.ErrInvalidParameters},
		{"premium below base", policy.PurchaseRequest{TierID: 1, Coverage: 100, StakeAmount: 1_000_000, Duration: 10}, protocol.ErrInvalidParameters},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.fund(t, alice, 1_000_000_000)
			before := h.state(t)

			_, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(alice, 1), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)

			after := h.state(t)
			assert.Equal(t, before.ReservePool, after.ReservePool)
			assert.Equal(t, before.StakePool, after.StakePool)
			assert.Equal(t, uint64(1_000_000_000), h.balance(t, alice))
			_, err = h.engine.GetPolicy(context.Background(), alice)
			assert.ErrorIs(t, err, protocol.ErrNoPolicyExists)
		})
	}
}

func TestPurchasePolicy_HigherTierCoverage(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 1_000_000_000)

	// Elite multiplies the ceiling by 5 and discounts 20%.
	p, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(alice, 1), policy.PurchaseRequest{
		TierID: 3, Coverage: 300_000_000, StakeAmount: 10_000_000, Duration: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(360_000_000), p.PremiumPaid) // 300M * 150 * 80 / 10000
	h.assertSolvent(t)
}

func TestPurchasePolicy_RiskTooHigh(t *testing.T) {
	h := newHarness(t)
	h.fund(t, carol, 100_000_000)

	_, err := h.engine.SetRiskProfile(context.Background(), protocol.NewCall(owner, 1), carol, risk.ProfileRequest{BaseScore: 100, ClaimHistory: 100, StakeWeight: 100})
	require.NoError(t, err)

	_, err = h.engine.PurchasePolicy(context.Background(), protocol.NewCall(carol, 2), policy.PurchaseRequest{
		TierID: 1, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10,
	})
	assert.ErrorIs(t, err, protocol.ErrRiskScoreHigh)
	assert.Equal(t, uint64(100_000_000), h.balance(t, carol))

	view, err := h.engine.GetRiskProfile(context.Background(), carol)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), view.Score)
	assert.Equal(t, risk.DecisionBlock, view.Decision)
}

func TestPurchasePolicy_ActivePolicyExists(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 100_000_000)
	h.buyBasic(t, alice, 1)

	_, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(alice, 2), policy.PurchaseRequest{
		TierID: 1, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10,
	})
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
}

func TestPurchasePolicy_InsufficientFunds(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 1_000_000)
	before := h.state(t)

	_, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(alice, 1), policy.PurchaseRequest{
		TierID: 1, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10,
	})
	assert.ErrorIs(t, err, protocol.ErrFundsInsufficient)

	after := h.state(t)
	assert.Equal(t, before.TotalPolicies, after.TotalPolicies)
	assert.Equal(t, uint64(1_000_000), h.balance(t, alice))
	_, err = h.engine.GetPolicy(context.Background(), alice)
	assert.ErrorIs(t, err, protocol.ErrNoPolicyExists)
	h.assertSolvent(t)
}

func TestSettle_CompensatesFailedCommit(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.store.failCommit = errors.New("disk full")

	_, err := h.engine.PurchasePolicy(context.Background(), protocol.NewCall(alice, 1), policy.PurchaseRequest{
		TierID: 1, Coverage: 10_000_000, StakeAmount: 1_000_000, Duration: 10,
	})
	require.Error(t, err)

	assert.Equal(t, uint64(20_000_000), h.balance(t, alice), "funds must be returned")
	assert.Equal(t, uint64(0), h.balance(t, custody))
	assert.Equal(t, uint64(0), h.state(t).ReservePool)
	h.assertSolvent(t)

	// The next attempt goes through normally.
	h.buyBasic(t, alice, 2)
	h.assertSolvent(t)
}

func TestClaims_ScenarioB(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.buyBasic(t, alice, 1)

	c, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 10), 5_000_000, evidence, "smart-contract-exploit")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), c.ID)
	assert.Equal(t, claims.VerdictPending, c.Verdict)
	assert.Equal(t, owner, c.Assessor)
	assert.Equal(t, uint64(1), h.state(t).ActiveClaims)
	h.assertSolvent(t)

	decided, err := h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(owner, 20), alice, c.ID, claims.VerdictApproved, 5_000_000)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictApproved, decided.Verdict)
	assert.Equal(t, uint64(5_000_000), decided.PayoutAmount)

	s := h.state(t)
	assert.Equal(t, uint64(10_000_000), s.ReservePool)
	assert.Equal(t, uint64(0), s.ActiveClaims)
	assert.Equal(t, uint64(9_000_000), h.balance(t, alice))
	h.assertSolvent(t)

	p, err := h.engine.GetPolicy(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), p.ClaimsMade)
	assert.Equal(t, uint64(5_000_000), p.PaidOut)

	_, err = h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(owner, 21), alice, c.ID, claims.VerdictRejected, 0)
	assert.ErrorIs(t, err, protocol.ErrDuplicateClaim)
}

func TestClaims_Reject(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.buyBasic(t, alice, 1)

	c, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 10), 2_000_000, evidence, "oracle")
	require.NoError(t, err)

	_, err = h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(owner, 11), alice, c.ID, claims.VerdictRejected, 0)
	require.NoError(t, err)

	s := h.state(t)
	assert.Equal(t, uint64(15_000_000), s.ReservePool)
	assert.Equal(t, uint64(0), s.ActiveClaims)
	assert.Equal(t, uint64(4_000_000), h.balance(t, alice))
	h.assertSolvent(t)
}

func TestClaims_Cooldown(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.buyBasic(t, alice, 1)

	_, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 10), 1_000_000, evidence, "oracle")
	require.NoError(t, err)

	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 10+claims.CooldownPeriod), 1_000_000, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)

	cs, err := h.engine.ListClaims(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, cs, 1, "a rejected submission must not create a claim")

	c, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 11+claims.CooldownPeriod), 1_000_000, evidence, "oracle")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.ID)
	assert.Equal(t, uint64(2), h.state(t).ActiveClaims)
}

func TestClaims_OutOfOrderHeight(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.buyBasic(t, alice, 1)

	_, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 11), 1_000_000, evidence, "oracle")
	require.NoError(t, err)

	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 10), 1_000_000, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)

	cs, err := h.engine.ListClaims(context.Background(), alice)
	require.NoError(t, err)
	assert.Len(t, cs, 1)
	assert.Equal(t, uint64(1), h.state(t).ActiveClaims)
}

func TestClaims_Rejections(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)

	_, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 5), 1, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrNoPolicyExists)

	h.buyBasic(t, alice, 1)

	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 5), 10_000_001, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 5), 1, common.Hash{}, "oracle")
	assert.ErrorIs(t, err, protocol.ErrInvalidClaimData)
	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 5), 1, evidence, "  ")
	assert.ErrorIs(t, err, protocol.ErrInvalidClaimData)
	_, err = h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 1002), 1, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrPolicyTerminated, "claims after expiry are rejected even before the status is written")

	c, err := h.engine.SubmitClaim(context.Background(), protocol.NewCall(alice, 5), 1_000_000, evidence, "oracle")
	require.NoError(t, err)

	_, err = h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(bob, 6), alice, c.ID, claims.VerdictApproved, 1)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(owner, 6), alice, c.ID, claims.VerdictApproved, 1_000_001)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
	_, err = h.engine.AdjudicateClaim(context.Background(), protocol.NewCall(owner, 6), alice, 99, claims.VerdictApproved, 1)
	assert.ErrorIs(t, err, protocol.ErrInvalidClaimData)

	got, err := h.engine.GetClaim(context.Background(), alice, c.ID)
	require.NoError(t, err)
	assert.Equal(t, claims.VerdictPending, got.Verdict)
}

func TestStaking_ScenarioC(t *testing.T) {
	h := newHarness(t)
	h.fund(t, bob, 1_000_000)
	h.fund(t, owner, 5_000_000)

	acct, err := h.engine.Stake(context.Background(), protocol.NewCall(bob, 1), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1+2160), acct.LockUntil)
	h.assertSolvent(t)

	_, err = h.engine.ClaimRewards(context.Background(), protocol.NewCall(bob, 2))
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)

	_, err = h.engine.FundRewardPool(context.Background(), protocol.NewCall(owner, 3), 5_000_000)
	require.NoError(t, err)
	h.assertSolvent(t)

	pending, err := h.engine.PendingRewards(context.Background(), bob, 2161)
	require.NoError(t, err)
	assert.Equal(t, uint64(2_160_000), pending) // 2160 * 1_000_000 * 100 / 100_000

	paid, err := h.engine.ClaimRewards(context.Background(), protocol.NewCall(bob, 2161))
	require.NoError(t, err)
	assert.Equal(t, uint64(2_160_000), paid)
	assert.Equal(t, uint64(2_160_000), h.balance(t, bob))
	assert.Equal(t, uint64(5_000_000-2_160_000), h.state(t).RewardPool)
	h.assertSolvent(t)

	acct, err = h.engine.Unstake(context.Background(), protocol.NewCall(bob, 2162), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), acct.Amount)
	assert.Equal(t, uint64(3_160_000), h.balance(t, bob))
	assert.Equal(t, uint64(0), h.state(t).StakePool)
	h.assertSolvent(t)
}

func TestStaking_Rejections(t *testing.T) {
	h := newHarness(t)
	h.fund(t, bob, 10_000_000)

	_, err := h.engine.Stake(context.Background(), protocol.NewCall(bob, 1), 999_999)
	assert.ErrorIs(t, err, protocol.ErrStakeTooLow)
	assert.Equal(t, uint64(0), h.state(t).StakePool)

	_, err = h.engine.ClaimRewards(context.Background(), protocol.NewCall(bob, 1))
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	_, err = h.engine.Stake(context.Background(), protocol.NewCall(bob, 1), 2_000_000)
	require.NoError(t, err)

	_, err = h.engine.Unstake(context.Background(), protocol.NewCall(bob, 100), 1)
	assert.ErrorIs(t, err, protocol.ErrCooldownActive)
	_, err = h.engine.Unstake(context.Background(), protocol.NewCall(bob, 3000), 2_000_001)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)

	// Rewards outstrip an unfunded pool.
	_, err = h.engine.ClaimRewards(context.Background(), protocol.NewCall(bob, 3000))
	assert.ErrorIs(t, err, protocol.ErrFundsInsufficient)
	h.assertSolvent(t)
}

func TestAdmin_Unauthorized(t *testing.T) {
	h := newHarness(t)
	call := protocol.NewCall(bob, 1)
	ctx := context.Background()

	_, err := h.engine.RegisterTier(ctx, call, tiers.RegisterRequest{ID: 4, Name: "Gold", CoverageMultiplier: 2})
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.UpdateParameters(ctx, call, protocol.Params{BasePremium: 1, ClaimCeiling: 1})
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.TransferOwnership(ctx, call, bob)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.FundRewardPool(ctx, call, 1)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.SetRiskProfile(ctx, call, bob, risk.ProfileRequest{})
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)
	_, err = h.engine.TerminatePolicy(ctx, call, alice)
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	assert.Equal(t, owner, h.state(t).Owner)
}

func TestAdmin_Operations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	call := protocol.NewCall(owner, 1)

	tier, err := h.engine.RegisterTier(ctx, call, tiers.RegisterRequest{ID: 4, Name: "Gold", CoverageMultiplier: 2, DiscountPercent: 5, MinStake: 2_000_000})
	require.NoError(t, err)
	got, err := h.engine.GetTier(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, tier.Name, got.Name)

	_, err = h.engine.RegisterTier(ctx, call, tiers.RegisterRequest{ID: 5, Name: "Bad", CoverageMultiplier: 1, DiscountPercent: 101})
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)

	state, err := h.engine.UpdateParameters(ctx, call, protocol.Params{BasePremium: 5, ClaimCeiling: 1_000})
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), state.ClaimCeiling)
	_, err = h.engine.UpdateParameters(ctx, call, protocol.Params{BasePremium: 5})
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)

	_, err = h.engine.TransferOwnership(ctx, call, "not-an-address")
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
	_, err = h.engine.TransferOwnership(ctx, call, "0x00000000000000000000000000000000000000CC")
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters, "custody cannot own the protocol")
	assert.Equal(t, owner, h.state(t).Owner)
	state, err = h.engine.TransferOwnership(ctx, call, bob)
	require.NoError(t, err)
	assert.Equal(t, bob, state.Owner)

	// The previous owner lost admin rights immediately.
	_, err = h.engine.UpdateParameters(ctx, call, protocol.Params{BasePremium: 5, ClaimCeiling: 2_000})
	assert.ErrorIs(t, err, protocol.ErrUnauthorized)

	got2, err := h.engine.Owner(ctx)
	require.NoError(t, err)
	assert.Equal(t, bob, got2)
}

func TestPolicy_ExpireAndTerminate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, 20_000_000)
	h.fund(t, bob, 20_000_000)
	h.buyBasic(t, alice, 1)
	h.buyBasic(t, bob, 1)

	_, err := h.engine.ExpirePolicy(ctx, protocol.NewCall(carol, 1001), alice)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters, "coverage is still in force at expiry height")

	active, err := h.engine.IsActive(ctx, alice, 1002)
	require.NoError(t, err)
	assert.False(t, active)

	p, err := h.engine.ExpirePolicy(ctx, protocol.NewCall(carol, 1002), alice)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusExpired, p.Status)
	assert.Equal(t, uint64(5_000_000), h.balance(t, alice), "stake returned on expiry")
	h.assertSolvent(t)

	_, err = h.engine.ExpirePolicy(ctx, protocol.NewCall(carol, 1003), alice)
	assert.ErrorIs(t, err, protocol.ErrPolicyTerminated)

	p, err = h.engine.TerminatePolicy(ctx, protocol.NewCall(owner, 50), bob)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusTerminated, p.Status)
	assert.Equal(t, uint64(5_000_000), h.balance(t, bob))

	_, err = h.engine.SubmitClaim(ctx, protocol.NewCall(bob, 60), 1, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrPolicyTerminated)

	s := h.state(t)
	assert.Equal(t, uint64(30_000_000), s.ReservePool, "premiums are never refunded")
	assert.Equal(t, uint64(0), s.StakePool)
	h.assertSolvent(t)

	// A released account can buy again; claim IDs keep counting.
	h.fund(t, alice, 20_000_000)
	renewed := h.buyBasic(t, alice, 2000)
	assert.Equal(t, policy.StatusActive, renewed.Status)
}

func TestExpirer_Sweep(t *testing.T) {
	h := newHarness(t)
	h.fund(t, alice, 20_000_000)
	h.fund(t, bob, 20_000_000)
	h.buyBasic(t, alice, 1)
	h.buyBasic(t, bob, 500)

	clock := ledger.NewBlockClock(0, slog.Default())
	clock.Advance(1001) // height 1002: alice lapsed, bob still covered

	x := NewExpirer(h.engine, clock, slog.Default())
	n, err := x.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := h.engine.GetPolicy(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusExpired, p.Status)
	p, err = h.engine.GetPolicy(context.Background(), bob)
	require.NoError(t, err)
	assert.Equal(t, policy.StatusActive, p.Status)

	n, err = x.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	h.assertSolvent(t)
}

func TestExpirer_StartStop(t *testing.T) {
	h := newHarness(t)
	x := NewExpirer(h.engine, ledger.NewBlockClock(0, slog.Default()), slog.Default())

	done := make(chan struct{})
	go func() {
		x.Start(context.Background())
		close(done)
	}()
	x.Stop()
	<-done
}

func TestStaking_OutOfOrderHeight(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fund(t, alice, 10_000_000)

	_, err := h.engine.Stake(ctx, protocol.NewCall(alice, 100), 1_000_000)
	require.NoError(t, err)
	acct, err := h.engine.Stake(ctx, protocol.NewCall(alice, 50), 1_000_000)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acct.LastRewardTime)
	assert.Equal(t, 100+stakes.LockPeriod, acct.LockUntil)
	h.assertSolvent(t)
}

func TestEngine_ClockStampsHeightInsideGate(t *testing.T) {
	clock := ledger.NewBlockClock(0, slog.Default())
	clock.Advance(499) // height 500
	h := newHarness(t, WithClock(clock))
	ctx := context.Background()
	h.fund(t, alice, 20_000_000)
	h.fund(t, bob, 20_000_000)

	// Heights read before the gate lag the clock; the engine uses the
	// clock's height instead.
	tests := []struct {
		name   string
		height uint64
		want   uint64
	}{
		{"stale height raised", 10, 500},
		{"later height kept", 900, 900},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			acct, err := h.engine.Stake(ctx, protocol.NewCall(alice, tt.height), 1_000_000)
			require.NoError(t, err)
			assert.Equal(t, tt.want, acct.LastRewardTime)
		})
	}

	p := h.buyBasic(t, bob, 1)
	assert.Equal(t, uint64(500), p.StartTime)

	_, err := h.engine.SubmitClaim(ctx, protocol.NewCall(bob, 600), 1_000_000, evidence, "oracle")
	require.NoError(t, err)
	_, err = h.engine.SubmitClaim(ctx, protocol.NewCall(bob, 2), 1_000_000, evidence, "oracle")
	assert.ErrorIs(t, err, protocol.ErrCooldownActive, "stamped height 500 is behind the last claim")
}

func TestEngine_ConcurrentStakes(t *testing.T) {
	h := newHarness(t)
	const n = 20

	accounts := make([]string, n)
	for i := range accounts {
		accounts[i] = fmt.Sprintf("0x%040x", i+100)
		h.fund(t, accounts[i], 1_000_000)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, a := range accounts {
		wg.Add(1)
		go func(account string) {
			defer wg.Done()
			if _, err := h.engine.Stake(context.Background(), protocol.NewCall(account, 1), 1_000_000); err != nil {
				errs <- err
			}
		}(a)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("stake failed: %v", err)
	}

	assert.Equal(t, uint64(n*1_000_000), h.state(t).StakePool)
	h.assertSolvent(t)
}

func TestWithState_HoldsGate(t *testing.T) {
	h := newHarness(t)
	h.fund(t, bob, 1_000_000)

	entered := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = h.engine.WithState(context.Background(), func(_ context.Context, s *protocol.State) error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered

	staked := make(chan error, 1)
	go func() {
		_, err := h.engine.Stake(context.Background(), protocol.NewCall(bob, 1), 1_000_000)
		staked <- err
	}()

	select {
	case <-staked:
		t.Fatal("stake completed while WithState held the gate")
	default:
	}
	close(release)
	require.NoError(t, <-staked)
}

func TestComputePremium(t *testing.T) {
	h := newHarness(t)

	q, err := h.engine.ComputePremium(context.Background(), 1, 10_000_000, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(15_000_000), q.Premium)
	assert.Equal(t, uint64(risk.NeutralScore), q.RiskScore)

	_, err = h.engine.ComputePremium(context.Background(), 42, 10_000_000, alice)
	assert.ErrorIs(t, err, protocol.ErrInvalidParameters)
}
