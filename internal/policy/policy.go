// Package policy implements the coverage policy lifecycle.
//
// States:
//
//	(none) --purchase--> active --time passes--> expired (derived, optionally written)
//	                     active --owner------->  terminated
//
// One policy exists per account. An ended policy stays on record for audit
// and is replaced by the next purchase once its collateral was released.
package policy

import (
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/protocol"
)

// Status is the lifecycle state of a policy.
type Status string

const (
	StatusActive     Status = "active"
	StatusExpired    Status = "expired"
	StatusTerminated Status = "terminated"
)

// Policy is an account's coverage record.
type Policy struct {
	Account       string    `json:"account"`
	TierID        uint32    `json:"tierId"`
	PremiumPaid   uint64    `json:"premiumPaid"`
	CoverageLimit uint64    `json:"coverageLimit"`
	StakeAmount   uint64    `json:"stakeAmount"`
	StartTime     uint64    `json:"startTime"`
	ExpiryTime    uint64    `json:"expiryTime"`
	RiskScore     uint64    `json:"riskScore"`
	ClaimsMade    uint64    `json:"claimsMade"`
	Status        Status    `json:"status"`
	LastClaimTime uint64    `json:"lastClaimTime"`
	PaidOut       uint64    `json:"paidOut"`
	StakeReleased bool      `json:"stakeReleased"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// IsActive reports whether the policy is active at height now. Expiry is
// derived: an active policy past its expiry is no longer active even if
// the expired status was never written.
func (p *Policy) IsActive(now uint64) bool {
	return p != nil && p.Status == StatusActive && now <= p.ExpiryTime
}

// EffectiveStatus returns the status as observed at height now.
func (p *Policy) EffectiveStatus(now uint64) Status {
	if p.Status == StatusActive && now > p.ExpiryTime {
		return StatusExpired
	}
	return p.Status
}

// Expire writes the derived expired status. The caller returns the staked
// collateral if the returned amount is non-zero.
func (p *Policy) Expire(now uint64) (release uint64, err error) {
	if p.Status != StatusActive {
		return 0, fmt.Errorf("%w: policy is %s", protocol.ErrPolicyTerminated, p.Status)
	}
	if now <= p.ExpiryTime {
		return 0, fmt.Errorf("%w: policy expires after height %d", protocol.ErrInvalidParameters, p.ExpiryTime)
	}
	p.Status = StatusExpired
	return p.releaseStake(), nil
}

// Terminate ends the policy immediately. The premium is not refunded; the
// staked collateral is released.
func (p *Policy) Terminate() (release uint64, err error) {
	if p.Status != StatusActive {
		return 0, fmt.Errorf("%w: policy is %s", protocol.ErrPolicyTerminated, p.Status)
	}
	p.Status = StatusTerminated
	return p.releaseStake(), nil
}

func (p *Policy) releaseStake() uint64 {
	if p.StakeReleased {
		return 0
	}
	p.StakeReleased = true
	p.UpdatedAt = time.Now()
	return p.StakeAmount
}

// PurchaseRequest is the request body for POST /v1/policies.
type PurchaseRequest struct {
	TierID      uint32 `json:"tierId" binding:"required"`
	Coverage    uint64 `json:"coverage" binding:"required"`
	StakeAmount uint64 `json:"stakeAmount" binding:"required"`
	Duration    uint64 `json:"duration" binding:"required"`
}

// View is a policy together with its state at the current height.
type View struct {
	*Policy
	Active          bool   `json:"active"`
	EffectiveStatus Status `json:"effectiveStatus"`
	Height          uint64 `json:"height"`
}

// NewView builds the read model for p at height now.
func NewView(p *Policy, now uint64) *View {
	return &View{Policy: p, Active: p.IsActive(now), EffectiveStatus: p.EffectiveStatus(now), Height: now}
}
