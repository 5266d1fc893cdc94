// Package premium prices coverage:
//
//	premium = coverage * (100 + riskScore) * (100 - discount) / 10000
//
// All arithmetic is unsigned and every multiplication is overflow-checked
// before the single truncating division.
package premium

import (
	"fmt"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/tiers"
)

const (
	percent = 100
	scale   = percent * percent
)

// Calculate returns the premium for coverage under tier at riskScore.
// A nil tier is an unknown tier.
func Calculate(tier *tiers.Tier, coverage, riskScore uint64) (uint64, error) {
	if tier == nil {
		return 0, tiers.ErrTierNotFound
	}
	if tier.DiscountPercent > percent {
		return 0, fmt.Errorf("%w: tier %d discount %d exceeds 100", protocol.ErrInvalidParameters, tier.ID, tier.DiscountPercent)
	}
	if riskScore > risk.MaxScore {
		return 0, fmt.Errorf("%w: risk score %d exceeds %d", protocol.ErrInvalidParameters, riskScore, risk.MaxScore)
	}

	p, err := amount.MulDiv(scale, coverage, percent+riskScore, percent-tier.DiscountPercent)
	if err != nil {
		return 0, fmt.Errorf("%w: premium for coverage %d: %v", protocol.ErrInvalidParameters, coverage, err)
	}
	return p, nil
}

// Quote is the response for GET /v1/premium.
type Quote struct {
	TierID    uint32 `json:"tierId"`
	Coverage  uint64 `json:"coverage"`
	RiskScore uint64 `json:"riskScore"`
	Premium   uint64 `json:"premium"`
	Display   string `json:"premiumDisplay"`
}
