// Package protocol holds the process-wide protocol state, the engine's error
// kinds, and the owner authorization capability shared by every component.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Error kinds. Every engine failure wraps exactly one of these.
var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNoPolicyExists      = errors.New("no policy exists")
	ErrFundsInsufficient   = errors.New("insufficient funds")
	ErrInvalidParameters   = errors.New("invalid parameters")
	ErrPolicyTerminated    = errors.New("policy is not active")
	ErrDuplicateClaim      = errors.New("claim already adjudicated")
	ErrInvalidClaimData    = errors.New("invalid claim data")
	ErrStakeTooLow         = errors.New("stake too low")
	ErrCooldownActive      = errors.New("cooldown active")
	ErrRiskScoreHigh       = errors.New("risk score too high")
	ErrMaxCoverageExceeded = errors.New("max coverage exceeded")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrUnauthorized, "unauthorized", http.StatusForbidden},
	{ErrNoPolicyExists, "no_policy_exists", http.StatusNotFound},
	{ErrFundsInsufficient, "funds_insufficient", http.StatusPaymentRequired},
	{ErrInvalidParameters, "invalid_parameters", http.StatusBadRequest},
	{ErrPolicyTerminated, "policy_terminated", http.StatusConflict},
	{ErrDuplicateClaim, "duplicate_claim", http.StatusConflict},
	{ErrInvalidClaimData, "invalid_claim_data", http.StatusBadRequest},
	{ErrStakeTooLow, "stake_too_low", http.StatusBadRequest},
	{ErrCooldownActive, "cooldown_active", http.StatusTooEarly},
	{ErrRiskScoreHigh, "risk_score_high", http.StatusUnprocessableEntity},
	{ErrMaxCoverageExceeded, "max_coverage_exceeded", http.StatusUnprocessableEntity},
}

// Code returns the stable snake_case code for err, or "internal_error" when
// err does not wrap one of the engine error kinds.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "internal_error"
}

// HTTPStatus maps err to the response status for its kind, or 500.
func HTTPStatus(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Default protocol parameters.
const (
	DefaultBasePremium  uint64 = 1_000
	DefaultClaimCeiling uint64 = 100_000_000
)

// Call carries the caller identity and block height of one operation. The
// host supplies both; the engine never reads ambient identity or time.
type Call struct {
	Caller string
	Height uint64
}

// NewCall normalizes the caller address.
func NewCall(caller string, height uint64) Call {
	return Call{Caller: NormalizeAccount(caller), Height: height}
}

// State is the singleton protocol record.
type State struct {
	Owner         string    `json:"owner"`
	Custody       string    `json:"custody"`
	ReservePool   uint64    `json:"reservePool"`
	StakePool     uint64    `json:"stakePool"`
	RewardPool    uint64    `json:"rewardPool"`
	BasePremium   uint64    `json:"basePremium"`
	ClaimCeiling  uint64    `json:"claimCeiling"`
	TotalPolicies uint64    `json:"totalPolicies"`
	ActiveClaims  uint64    `json:"activeClaims"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Params are the owner-tunable protocol parameters.
type Params struct {
	BasePremium  uint64 `json:"basePremium"`
	ClaimCeiling uint64 `json:"claimCeiling"`
}

// Validate checks parameter bounds.
func (p Params) Validate() error {
	if p.ClaimCeiling == 0 {
		return fmt.Errorf("%w: claim ceiling must be positive", ErrInvalidParameters)
	}
	return nil
}

// NewState builds the initial protocol record.
func NewState(owner, custody string, params Params) (*State, error) {
	if !IsAccount(owner) {
		return nil, fmt.Errorf("%w: owner must be a hex account address", ErrInvalidParameters)
	}
	if !IsAccount(custody) {
		return nil, fmt.Errorf("%w: custody must be a hex account address", ErrInvalidParameters)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return &State{
		Owner:        NormalizeAccount(owner),
		Custody:      NormalizeAccount(custody),
		BasePremium:  params.BasePremium,
		ClaimCeiling: params.ClaimCeiling,
		UpdatedAt:    time.Now(),
	}, nil
}

// TotalCustody is the sum of all pool counters: the amount the custody
// account must hold on the ledger.
func (s *State) TotalCustody() (uint64, bool) {
	total := s.ReservePool + s.StakePool
	if total < s.ReservePool {
		return 0, false
	}
	sum := total + s.RewardPool
	if sum < total {
		return 0, false
	}
	return sum, true
}

// IsAccount reports whether s is a 0x-prefixed 20-byte hex account.
func IsAccount(s string) bool {
	return strings.HasPrefix(s, "0x") && common.IsHexAddress(s)
}

// NormalizeAccount lowercases and trims an account identifier.
func NormalizeAccount(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
