package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/mbd888/coverpool/internal/claims"
	"github.com/mbd888/coverpool/internal/metrics"
	"github.com/mbd888/coverpool/internal/protocol"
)

// SubmitClaim files a pending claim against the caller's active policy.
// No funds move.
func (e *Engine) SubmitClaim(ctx context.Context, call protocol.Call, amt uint64, evidence common.Hash, category string) (*claims.Claim, error) {
	var out *claims.Claim
	err := e.run(ctx, "submit_claim", &call, func(ctx context.Context) error {
		state, err := e.loadState(ctx)
		if err != nil {
			return err
		}
		p, err := optional(e.store.GetPolicy(ctx, call.Caller))
		if err != nil {
			return err
		}

		c, err := claims.Submit(p, state, call, amt, evidence, category)
		if err != nil {
			return err
		}
		state.UpdatedAt = time.Now()

		if err := e.settle(ctx, "submit_claim", nil, &Changeset{State: state, Policy: p, Claim: c}); err != nil {
			return err
		}
		e.logger.Info("claim submitted", "account", c.Account, "claimId", c.ID, "amount", c.AmountRequested, "category", c.Category)
		e.notifier.Notify(EventClaimSubmitted, c.Account, call.Height, c)
		out = c
		return nil
	})
	return out, err
}

// AdjudicateClaim records the owner's verdict on a pending claim and pays
// approved amounts from the reserve pool.
func (e *Engine) AdjudicateClaim(ctx context.Context, call protocol.Call, account string, claimID uint64, verdict claims.Verdict, payout uint64) (*claims.Claim, error) {
	var out *claims.Claim
	account = protocol.NormalizeAccount(account)
	err := e.run(ctx, "adjudicate_claim", &call, func(ctx context.Context) error {
		state, err := e.authorize(ctx, call)
		if err != nil {
			return err
		}
		c, err := optional(e.store.GetClaim(ctx, account, claimID))
		if err != nil {
			return err
		}
		p, err := optional(e.store.GetPolicy(ctx, account))
		if err != nil {
			return err
		}

		if err := claims.Adjudicate(c, p, state, call, verdict, payout); err != nil {
			return err
		}
		state.UpdatedAt = time.Now()

		var t *transfer
		if verdict == claims.VerdictApproved {
			t = &transfer{from: state.Custody, to: account, amount: payout, reference: fmt.Sprintf("payout:%s:%d", account, claimID)}
		}
		if err := e.settle(ctx, "adjudicate_claim", t, &Changeset{State: state, Policy: p, Claim: c}); err != nil {
			return err
		}

		metrics.ClaimsAdjudicatedTotal.WithLabelValues(string(verdict)).Inc()
		e.logger.Info("claim adjudicated", "account", account, "claimId", claimID, "verdict", verdict, "payout", payout, "reservePool", state.ReservePool)
		e.notifier.Notify(EventClaimAdjudicated, account, call.Height, c)
		out = c
		return nil
	})
	return out, err
}
