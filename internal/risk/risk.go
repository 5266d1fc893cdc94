// Package risk derives a bounded 0-100 risk score from an account's
// historical profile.
//
// The blend weights claim history highest, the base score second, and
// stake weight lowest:
//
//	score = (2*base + 3*claimHistory + 1*stakeWeight) / 6
//
// Accounts without a profile score NeutralScore. Scores above Threshold
// are ineligible for new coverage.
package risk

import (
	"fmt"
	"time"

	"github.com/mbd888/coverpool/internal/protocol"
)

// Decision is the eligibility verdict attached to a score.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionBlock Decision = "block"
)

const (
	// NeutralScore is returned when an account has no profile.
	NeutralScore uint64 = 50
	// MaxScore is the upper bound of every score.
	MaxScore uint64 = 100
	// Threshold is the highest score still eligible for coverage.
	Threshold uint64 = 75

	weightBase    = 2
	weightHistory = 3
	weightStake   = 1
	weightTotal   = weightBase + weightHistory + weightStake
)

// Profile is an account's risk history, written by the observer process
// that watches claim outcomes and staking behavior.
type Profile struct {
	Account            string    `json:"account"`
	BaseScore          uint64    `json:"baseScore"`
	ClaimHistory       uint64    `json:"claimHistory"`
	StakeWeight        uint64    `json:"stakeWeight"`
	DurationMultiplier uint64    `json:"durationMultiplier"`
	UpdatedAt          time.Time `json:"updatedAt"`
}

// Validate checks the profile's bounded fields.
func (p *Profile) Validate() error {
	if !protocol.IsAccount(p.Account) {
		return fmt.Errorf("%w: profile account must be a hex address", protocol.ErrInvalidParameters)
	}
	if p.BaseScore > MaxScore {
		return fmt.Errorf("%w: base score must be within 0-%d", protocol.ErrInvalidParameters, MaxScore)
	}
	return nil
}

// Assessment is the audit record written when a score is used to price or
// gate a policy purchase.
type Assessment struct {
	ID        string    `json:"id"`
	Account   string    `json:"account"`
	Score     uint64    `json:"score"`
	Decision  Decision  `json:"decision"`
	Height    uint64    `json:"height"`
	CreatedAt time.Time `json:"createdAt"`
}

// ProfileRequest is the request body for PUT /v1/admin/risk/:address.
type ProfileRequest struct {
	BaseScore          uint64 `json:"baseScore"`
	ClaimHistory       uint64 `json:"claimHistory"`
	StakeWeight        uint64 `json:"stakeWeight"`
	DurationMultiplier uint64 `json:"durationMultiplier"`
}
