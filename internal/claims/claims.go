// Package claims implements claim submission and adjudication against a
// coverage policy.
//
// A claim is created pending and moves exactly once to approved or
// rejected. Funds only move on approval.
package claims

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
)

// Verdict is the adjudication state of a claim.
type Verdict string

const (
	VerdictPending  Verdict = "pending"
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
)

// IsTerminal reports whether the verdict can no longer change.
func (v Verdict) IsTerminal() bool {
	return v == VerdictApproved || v == VerdictRejected
}

const (
	// CooldownPeriod is the number of blocks after a claim during which the
	// same policy cannot claim again.
	CooldownPeriod uint64 = 144
	// MaxCategoryLength bounds the category label in bytes.
	MaxCategoryLength = 64
)

// Claim is one request for payout under a policy. Claims are keyed by
// (Account, ID).
type Claim struct {
	Account         string      `json:"account"`
	ID              uint64      `json:"claimId"`
	AmountRequested uint64      `json:"amountRequested"`
	Evidence        common.Hash `json:"evidence"`
	Category        string      `json:"category"`
	Timestamp       uint64      `json:"timestamp"`
	Assessor        string      `json:"assessor"`
	Verdict         Verdict     `json:"verdict"`
	PayoutAmount    uint64      `json:"payoutAmount"`
	DecidedAt       uint64      `json:"decidedAt,omitempty"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// SubmitRequest is the request body for POST /v1/claims. Exactly one of
// Evidence (a 32-byte hex reference) or EvidenceDocument (hashed with
// Keccak-256) should be set.
type SubmitRequest struct {
	Amount           uint64 `json:"amount" binding:"required"`
	Evidence         string `json:"evidence"`
	EvidenceDocument string `json:"evidenceDocument"`
	Category         string `json:"category"`
}

// EvidenceHash resolves the request's evidence reference. An unset or
// malformed reference yields the zero hash, which Submit rejects.
func (r SubmitRequest) EvidenceHash() common.Hash {
	if r.EvidenceDocument != "" {
		return crypto.Keccak256Hash([]byte(r.EvidenceDocument))
	}
	s := strings.TrimPrefix(strings.TrimSpace(r.Evidence), "0x")
	if len(s) != 2*common.HashLength {
		return common.Hash{}
	}
	return common.HexToHash(s)
}

// AdjudicateRequest is the request body for the owner adjudication route.
type AdjudicateRequest struct {
	Verdict Verdict `json:"verdict" binding:"required"`
	Payout  uint64  `json:"payout"`
}

// Submit validates a claim against the caller's policy and returns the
// pending claim. On success it advances p's claim counter and cooldown
// marker and counts the claim in state.ActiveClaims.
func Submit(p *policy.Policy, state *protocol.State, call protocol.Call, amt uint64, evidence common.Hash, category string) (*Claim, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: account %s has no policy", protocol.ErrNoPolicyExists, call.Caller)
	}
	if !p.IsActive(call.Height) {
		return nil, fmt.Errorf("%w: policy is %s", protocol.ErrPolicyTerminated, p.EffectiveStatus(call.Height))
	}
	if amt == 0 {
		return nil, fmt.Errorf("%w: claim amount must be positive", protocol.ErrInvalidParameters)
	}
	if amt > p.CoverageLimit {
		return nil, fmt.Errorf("%w: claim amount %d exceeds coverage %d", protocol.ErrInvalidParameters, amt, p.CoverageLimit)
	}
	if evidence == (common.Hash{}) {
		return nil, fmt.Errorf("%w: evidence reference is required", protocol.ErrInvalidClaimData)
	}
	category = strings.TrimSpace(category)
	if category == "" || len(category) > MaxCategoryLength {
		return nil, fmt.Errorf("%w: category must be 1-%d bytes", protocol.ErrInvalidClaimData, MaxCategoryLength)
	}
	// A height behind the last claim is inside the window as well.
	if p.LastClaimTime != 0 && (call.Height < p.LastClaimTime || call.Height-p.LastClaimTime <= CooldownPeriod) {
		return nil, fmt.Errorf("%w: next claim allowed after height %d", protocol.ErrCooldownActive, p.LastClaimTime+CooldownPeriod)
	}

	next, err := amount.Add(p.ClaimsMade, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: claim counter exhausted", protocol.ErrInvalidParameters)
	}
	open, err := amount.Add(state.ActiveClaims, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: too many open claims", protocol.ErrInvalidParameters)
	}

	now := time.Now()
	c := &Claim{
		Account:         p.Account,
		ID:              p.ClaimsMade,
		AmountRequested: amt,
		Evidence:        evidence,
		Category:        category,
		Timestamp:       call.Height,
		Assessor:        state.Owner,
		Verdict:         VerdictPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	state.ActiveClaims = open
	p.ClaimsMade = next
	p.LastClaimTime = call.Height
	p.UpdatedAt = now
	return c, nil
}

// Adjudicate records a verdict on a pending claim. On approval it debits
// state.ReservePool and credits p.PaidOut; the caller moves the payout.
// Authorization is checked by the caller.
func Adjudicate(c *Claim, p *policy.Policy, state *protocol.State, call protocol.Call, verdict Verdict, payout uint64) error {
	if c == nil {
		return fmt.Errorf("%w: claim not found", protocol.ErrInvalidClaimData)
	}
	if p == nil {
		return fmt.Errorf("%w: account %s has no policy", protocol.ErrNoPolicyExists, c.Account)
	}
	if c.Verdict.IsTerminal() {
		return fmt.Errorf("%w: claim %d already %s", protocol.ErrDuplicateClaim, c.ID, c.Verdict)
	}

	switch verdict {
	case VerdictRejected:
		if payout != 0 {
			return fmt.Errorf("%w: rejected claims pay nothing", protocol.ErrInvalidParameters)
		}
	case VerdictApproved:
		if payout == 0 || payout > c.AmountRequested {
			return fmt.Errorf("%w: payout must be within 1-%d", protocol.ErrInvalidParameters, c.AmountRequested)
		}
		paid, err := amount.Add(p.PaidOut, payout)
		if err != nil || paid > p.CoverageLimit {
			return fmt.Errorf("%w: payout would exceed coverage %d", protocol.ErrMaxCoverageExceeded, p.CoverageLimit)
		}
		reserve, err := amount.Sub(state.ReservePool, payout)
		if err != nil {
			return fmt.Errorf("%w: reserve pool holds %d", protocol.ErrFundsInsufficient, state.ReservePool)
		}
		state.ReservePool = reserve
		p.PaidOut = paid
		p.UpdatedAt = time.Now()
	default:
		return fmt.Errorf("%w: verdict must be approved or rejected", protocol.ErrInvalidParameters)
	}

	if state.ActiveClaims > 0 {
		state.ActiveClaims--
	}
	c.Verdict = verdict
	c.PayoutAmount = payout
	c.DecidedAt = call.Height
	c.UpdatedAt = time.Now()
	return nil
}
