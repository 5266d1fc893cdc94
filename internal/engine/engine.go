// Package engine executes the coverage protocol's entry points.
//
// Every mutating operation follows the same sequence under the engine gate:
// load state, validate every precondition, make at most one ledger
// transfer, then commit all record changes atomically. A commit failure
// after a successful transfer triggers a compensating reverse transfer.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/mbd888/coverpool/internal/logging"
	"github.com/mbd888/coverpool/internal/metrics"
	"github.com/mbd888/coverpool/internal/protocol"
	"github.com/mbd888/coverpool/internal/syncutil"
	"github.com/mbd888/coverpool/internal/tiers"
	"github.com/mbd888/coverpool/internal/traces"
)

// Ledger moves funds between accounts. Transfer must be atomic: it either
// moves the full amount or fails without effect.
type Ledger interface {
	Transfer(ctx context.Context, from, to string, amount uint64, reference string) error
}

// Notifier receives committed state changes. Implementations must not
// block.
type Notifier interface {
	Notify(eventType, account string, height uint64, data any)
}

// Event types passed to Notifier.
const (
	EventTierRegistered       = "tier_registered"
	EventPolicyPurchased      = "policy_purchased"
	EventPolicyExpired        = "policy_expired"
	EventPolicyTerminated     = "policy_terminated"
	EventClaimSubmitted       = "claim_submitted"
	EventClaimAdjudicated     = "claim_adjudicated"
	EventStaked               = "staked"
	EventUnstaked             = "unstaked"
	EventRewardsClaimed       = "rewards_claimed"
	EventParametersUpdated    = "parameters_updated"
	EventOwnershipTransferred = "ownership_transferred"
	EventRewardPoolFunded     = "reward_pool_funded"
	EventRiskProfileUpdated   = "risk_profile_updated"
)

type noopNotifier struct{}

func (noopNotifier) Notify(string, string, uint64, any) {}

// Engine is the protocol state machine. It is safe for concurrent use;
// operations execute one at a time.
type Engine struct {
	store    Store
	ledger   Ledger
	auth     protocol.Authorizer
	gate     *syncutil.Gate
	notifier Notifier
	logger   *slog.Logger
	clock    Clock
}

// Option configures an Engine.
type Option func(*Engine)

// WithAuthorizer replaces the single-owner admin check.
func WithAuthorizer(a protocol.Authorizer) Option {
	return func(e *Engine) { e.auth = a }
}

// WithNotifier publishes committed changes.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock stamps each call with the clock's height once the gate is
// held, so committed operations never observe a height that moves
// backwards. A call already carrying a later height keeps it.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// New creates an engine over store and ledger.
func New(store Store, ledger Ledger, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		ledger:   ledger,
		auth:     protocol.SingleOwner{},
		gate:     syncutil.NewGate(),
		notifier: noopNotifier{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BootstrapConfig seeds a fresh deployment.
type BootstrapConfig struct {
	Owner       string
	Custody     string
	Params      protocol.Params
	SeedCatalog bool
}

// Bootstrap creates the protocol state if none exists. An existing state
// is returned unchanged: configuration never overrides committed
// ownership or parameters.
func (e *Engine) Bootstrap(ctx context.Context, cfg BootstrapConfig) (*protocol.State, error) {
	var out *protocol.State
	call := protocol.Call{Caller: cfg.Owner}
	err := e.run(ctx, "bootstrap", &call, func(ctx context.Context) error {
		existing, err := e.store.GetState(ctx)
		if err == nil {
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotInitialized) {
			return err
		}

		state, err := protocol.NewState(cfg.Owner, cfg.Custody, cfg.Params)
		if err != nil {
			return err
		}
		cs := &Changeset{State: state}
		if cfg.SeedCatalog {
			cs.Tiers = tiers.DefaultCatalog()
		}
		if err := e.store.Commit(ctx, cs); err != nil {
			return fmt.Errorf("commit bootstrap: %w", err)
		}
		e.logger.Info("protocol bootstrapped", "owner", state.Owner, "custody", state.Custody, "tiers", len(cs.Tiers))
		out = state
		return nil
	})
	return out, err
}

// run executes fn under the gate with tracing, metrics, and logging. With
// a clock configured, call.Height is raised to the current height after
// the gate is entered; fn closes over call and sees the stamped value.
func (e *Engine) run(ctx context.Context, op string, call *protocol.Call, fn func(ctx context.Context) error) error {
	ctx, span := traces.StartSpan(ctx, "engine."+op,
		traces.Caller(call.Caller),
		traces.Height(call.Height),
	)
	defer span.End()
	start := time.Now()

	release, err := e.gate.Enter(ctx)
	if err != nil {
		traces.Fail(span, err, "gate")
		metrics.ObserveEngineOp(op, "cancelled", time.Since(start))
		return err
	}
	defer release()

	if e.clock != nil {
		if now := e.clock.Now(); now > call.Height {
			call.Height = now
			span.SetAttributes(traces.Height(now))
		}
	}

	err = fn(ctx)
	result := "ok"
	if err != nil {
		result = protocol.Code(err)
		traces.Fail(span, err, result)
		logging.L(ctx).Debug("engine operation rejected", "op", op, "caller", call.Caller, "height", call.Height, "code", result, "error", err)
	}
	span.SetAttributes(attribute.String("result", result))
	metrics.ObserveEngineOp(op, result, time.Since(start))
	return err
}

// transfer is the single funds movement of an operation.
type transfer struct {
	from, to  string
	amount    uint64
	reference string
}

// settle moves funds then commits cs. Ledger failures surface as
// FundsInsufficient with nothing written. If the commit fails after funds
// moved, the transfer is reversed.
func (e *Engine) settle(ctx context.Context, op string, t *transfer, cs *Changeset) error {
	moved := t != nil && t.amount > 0
	if moved {
		if err := e.ledger.Transfer(ctx, t.from, t.to, t.amount, t.reference); err != nil {
			return fmt.Errorf("%w: %w", protocol.ErrFundsInsufficient, err)
		}
	}

	if err := e.store.Commit(ctx, cs); err != nil {
		if moved {
			e.compensate(ctx, op, t, err)
		}
		return fmt.Errorf("commit %s: %w", op, err)
	}

	if cs.State != nil {
		metrics.SetPools(cs.State.ReservePool, cs.State.StakePool, cs.State.RewardPool, cs.State.TotalPolicies, cs.State.ActiveClaims)
	}
	return nil
}

func (e *Engine) compensate(ctx context.Context, op string, t *transfer, cause error) {
	// The caller's context may already be done; the reversal must still run.
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ref := t.reference + ":reversal"
	if err := e.ledger.Transfer(rctx, t.to, t.from, t.amount, ref); err != nil {
		metrics.CompensationsTotal.WithLabelValues("failed").Inc()
		e.logger.Error("CRITICAL: compensating transfer failed, custody out of balance",
			"op", op, "from", t.to, "to", t.from, "amount", t.amount,
			"reference", ref, "commitError", cause, "error", err)
		return
	}
	metrics.CompensationsTotal.WithLabelValues("reversed").Inc()
	e.logger.Warn("commit failed after transfer, funds returned",
		"op", op, "amount", t.amount, "reference", t.reference, "error", cause)
}

// loadState returns the protocol state, mapping an empty store to an
// invalid-parameters error.
func (e *Engine) loadState(ctx context.Context) (*protocol.State, error) {
	state, err := e.store.GetState(ctx)
	if errors.Is(err, ErrNotInitialized) {
		return nil, fmt.Errorf("%w: protocol not initialized", protocol.ErrInvalidParameters)
	}
	return state, err
}

// authorize loads the state and checks the caller is the owner.
func (e *Engine) authorize(ctx context.Context, call protocol.Call) (*protocol.State, error) {
	state, err := e.loadState(ctx)
	if err != nil {
		return nil, err
	}
	if err := e.auth.Authorize(state, call.Caller); err != nil {
		return nil, err
	}
	return state, nil
}

// optional converts ErrNotFound into a nil record.
func optional[T any](v *T, err error) (*T, error) {
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return v, err
}

func reference(op, account string, height uint64) string {
	return fmt.Sprintf("%s:%s:%d", op, account, height)
}
