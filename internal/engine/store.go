package engine

import (
	"context"
	"errors"

	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/stakes"
	"github.com/mbd888/coverpool/internal/tiers"
)

var (
	// ErrNotFound is returned by Store getters for absent records.
	ErrNotFound = errors.New("engine: record not found")
	// ErrNotInitialized means the protocol state was never bootstrapped.
	ErrNotInitialized = errors.New("engine: protocol state not initialized")
)

// Store persists engine records. Getters return copies; mutations happen
// only through Commit.
type Store interface {
	GetState(ctx context.Context) (*protocol.State, error)
	GetTier(ctx context.Context, id uint32) (*tiers.Tier, error)
	ListTiers(ctx context.Context) ([]*tiers.Tier, error)
	GetPolicy(ctx context.Context, account string) (*policy.Policy, error)
	ListLapsedPolicies(ctx context.Context, height uint64, limit int) ([]*policy.Policy, error)
	GetClaim(ctx context.Context, account string, id uint64) (*claims.Claim, error)
	ListClaims(ctx context.Context, account string) ([]*claims.Claim, error)
	GetProfile(ctx context.Context, account string) (*risk.Profile, error)
	ListAssessments(ctx context.Context, account string, limit int) ([]*risk.Assessment, error)
	GetStakeAccount(ctx context.Context, account string) (*stakes.Account, error)

	// Commit writes every non-nil record of cs atomically.
	Commit(ctx context.Context, cs *Changeset) error
}

// Changeset is the set of records one operation writes. Nil fields are
// left untouched.
type Changeset struct {
	State      *protocol.State
	Tiers      []*tiers.Tier
	Policy     *policy.Policy
	Claim      *claims.Claim
	Profile    *risk.Profile
	Assessment *risk.Assessment
	Stake      *stakes.Account
}
