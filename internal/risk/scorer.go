package risk

import (
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/idgen"
)

// Score blends a profile into a score in [0, MaxScore]. A nil profile
// scores NeutralScore. Arithmetic overflow saturates to MaxScore.
func Score(p *Profile) uint64 {
	if p == nil {
		return NeutralScore
	}

	base, err := amount.Mul(weightBase, p.BaseScore)
	if err != nil {
		return MaxScore
	}
	history, err := amount.Mul(weightHistory, p.ClaimHistory)
	if err != nil {
		return MaxScore
	}
	stake, err := amount.Mul(weightStake, p.StakeWeight)
	if err != nil {
		return MaxScore
	}

	sum, err := amount.Add(base, history)
	if err != nil {
		return MaxScore
	}
	sum, err = amount.Add(sum, stake)
	if err != nil {
		return MaxScore
	}

	score := sum / weightTotal
	if score > MaxScore {
		score = MaxScore
	}
	return score
}

// Decide maps a score to an eligibility decision.
func Decide(score uint64) Decision {
	if score > Threshold {
		return DecisionBlock
	}
	return DecisionAllow
}

// Assess scores a profile and returns the audit record for it.
func Assess(account string, p *Profile, height uint64) *Assessment {
	score := Score(p)
	return &Assessment{
		ID:        idgen.WithPrefix("risk_"),
		Account:   account,
		Score:     score,
		Decision:  Decide(score),
		Height:    height,
		CreatedAt: time.Now(),
	}
}
