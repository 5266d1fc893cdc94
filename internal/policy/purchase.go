package policy

import (
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/premium"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/tiers"
)

// Quote is a fully validated purchase: everything needed to move funds and
// write the policy.
type Quote struct {
	Account    string
	Tier       *tiers.Tier
	Coverage   uint64
	Stake      uint64
	Premium    uint64
	Total      uint64 // premium + stake, transferred in one ledger call
	Expiry     uint64
	Assessment *risk.Assessment
}

// Inputs gathers the state a purchase is validated against. Tier and
// Profile are nil when absent; Existing is nil for a first purchase.
type Inputs struct {
	State    *protocol.State
	Existing *Policy
	Tier     *tiers.Tier
	Profile  *risk.Profile
}

// Prepare validates a purchase without side effects. Checks run in a fixed
// order and the first failure is returned.
func Prepare(in Inputs, call protocol.Call, req PurchaseRequest) (*Quote, error) {
	if in.Existing != nil {
		if in.Existing.IsActive(call.Height) {
			return nil, fmt.Errorf("%w: account already holds an active policy", protocol.ErrInvalidParameters)
		}
		if !in.Existing.StakeReleased {
			return nil, fmt.Errorf("%w: prior policy collateral must be released first", protocol.ErrInvalidParameters)
		}
	}
	if req.Coverage == 0 {
		return nil, fmt.Errorf("%w: coverage must be positive", protocol.ErrInvalidParameters)
	}
	if req.Duration == 0 {
		return nil, fmt.Errorf("%w: duration must be positive", protocol.ErrInvalidParameters)
	}

	assessment := risk.Assess(call.Caller, in.Profile, call.Height)

	price, err := premium.Calculate(in.Tier, req.Coverage, assessment.Score)
	if err != nil {
		return nil, err
	}

	if assessment.Decision == risk.DecisionBlock {
		return nil, fmt.Errorf("%w: score %d exceeds %d", protocol.ErrRiskScoreHigh, assessment.Score, risk.Threshold)
	}
	if req.StakeAmount < in.Tier.MinStake {
		return nil, fmt.Errorf("%w: tier %s requires at least %d", protocol.ErrStakeTooLow, in.Tier.Name, in.Tier.MinStake)
	}

	maxCoverage, err := amount.Mul(in.State.ClaimCeiling, in.Tier.CoverageMultiplier)
	if err != nil {
		// A ceiling that overflows bounds nothing below MaxUint64.
		maxCoverage = ^uint64(0)
	}
	if req.Coverage > maxCoverage {
		return nil, fmt.Errorf("%w: coverage %d exceeds tier limit %d", protocol.ErrMaxCoverageExceeded, req.Coverage, maxCoverage)
	}

	if price < in.State.BasePremium {
		return nil, fmt.Errorf("%w: premium %d is below the protocol minimum %d", protocol.ErrInvalidParameters, price, in.State.BasePremium)
	}

	total, err := amount.Add(price, req.StakeAmount)
	if err != nil {
		return nil, fmt.Errorf("%w: premium plus stake overflows", protocol.ErrInvalidParameters)
	}
	expiry, err := amount.Add(call.Height, req.Duration)
	if err != nil {
		return nil, fmt.Errorf("%w: duration overflows block height", protocol.ErrInvalidParameters)
	}

	return &Quote{
		Account:    call.Caller,
		Tier:       in.Tier,
		Coverage:   req.Coverage,
		Stake:      req.StakeAmount,
		Premium:    price,
		Total:      total,
		Expiry:     expiry,
		Assessment: assessment,
	}, nil
}

// Policy builds the new active policy for the quote. The claim counter is
// carried over from prior so claim IDs stay unique per account.
func (q *Quote) Policy(prior *Policy, now uint64) *Policy {
	var claimsMade uint64
	if prior != nil {
		claimsMade = prior.ClaimsMade
	}
	ts := time.Now()
	return &Policy{
		Account:       q.Account,
		TierID:        q.Tier.ID,
		PremiumPaid:   q.Premium,
		CoverageLimit: q.Coverage,
		StakeAmount:   q.Stake,
		StartTime:     now,
		ExpiryTime:    q.Expiry,
		RiskScore:     q.Assessment.Score,
		ClaimsMade:    claimsMade,
		Status:        StatusActive,
		CreatedAt:     ts,
		UpdatedAt:     ts,
	}
}
