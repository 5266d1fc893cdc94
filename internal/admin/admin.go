// Package admin provides the owner-gated protocol endpoints and the
// operator endpoints for reconciliation and lapsed-policy sweeps.
//
// Owner checks are not done here: every owner operation is executed by the
// engine, which authorizes the caller against the protocol owner.
package admin

import (
	"context"

	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/policy"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/reconciliation"
	"github.com/mbd888/coverpool/internal/risk"
	"github.com/mbd888/coverpool/internal/tiers"
)

// Protocol abstracts the owner operations of the engine.
type Protocol interface {
	RegisterTier(ctx context.Context, call protocol.Call, req tiers.RegisterRequest) (*tiers.Tier, error)
	UpdateParameters(ctx context.Context, call protocol.Call, params protocol.Params) (*protocol.State, error)
	TransferOwnership(ctx context.Context, call protocol.Call, newOwner string) (*protocol.State, error)
	FundRewardPool(ctx context.Context, call protocol.Call, amt uint64) (*protocol.State, error)
	SetRiskProfile(ctx context.Context, call protocol.Call, account string, req risk.ProfileRequest) (*risk.Profile, error)
	AdjudicateClaim(ctx context.Context, call protocol.Call, account string, claimID uint64, verdict claims.Verdict, payout uint64) (*claims.Claim, error)
	TerminatePolicy(ctx context.Context, call protocol.Call, account string) (*policy.Policy, error)
}

// Reconciler runs the custody reconciliation check.
type Reconciler interface {
	Run(ctx context.Context) (*reconciliation.Report, error)
	LastReport() *reconciliation.Report
}

// Sweeper expires lapsed policies.
type Sweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// OwnershipRequest is the request body for POST /v1/admin/ownership.
type OwnershipRequest struct {
	NewOwner string `json:"newOwner" binding:"required"`
}

// FundRequest is the request body for POST /v1/admin/rewards/fund.
type FundRequest struct {
	Amount uint64 `json:"amount" binding:"required"`
}
