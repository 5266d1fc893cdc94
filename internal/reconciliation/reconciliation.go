// Package reconciliation checks that the custody account's ledger balance
// equals the sum of the engine's pool counters.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/coverpool/internal/amount"
	"github.com/mbd888/coverpool/internal/ledger"
	"github.com/mbd888/coverpool/internal/metrics"
	"github.com/mbd888/coverpool/internal/protocol"
)

// StateSource runs fn against the committed protocol state while no
// operation can move funds.
type StateSource interface {
	WithState(ctx context.Context, fn func(ctx context.Context, state *protocol.State) error) error
}

// BalanceSource reads ledger balances.
type BalanceSource interface {
	GetBalance(ctx context.Context, account string) (*ledger.Balance, error)
}

// Report is the outcome of one reconciliation run. Surplus and Deficit
// are custody balance minus pool total, split by sign.
type Report struct {
	Custody        string        `json:"custody"`
	CustodyBalance uint64        `json:"custodyBalance"`
	ReservePool    uint64        `json:"reservePool"`
	StakePool      uint64        `json:"stakePool"`
	RewardPool     uint64        `json:"rewardPool"`
	PoolTotal      uint64        `json:"poolTotal"`
	Surplus        uint64        `json:"surplus"`
	Deficit        uint64        `json:"deficit"`
	Match          bool          `json:"match"`
	Solvent        bool          `json:"solvent"`
	Duration       time.Duration `json:"durationMs"`
	Timestamp      time.Time     `json:"timestamp"`
}

// Service performs reconciliation between pool counters and custody.
type Service struct {
	state   StateSource
	ledger  BalanceSource
	logger  *slog.Logger
	mu      sync.RWMutex
	lastRun *Report
}

// NewService creates a reconciliation service.
func NewService(state StateSource, ledger BalanceSource, logger *slog.Logger) *Service {
	return &Service{state: state, ledger: ledger, logger: logger}
}

// Run performs one check, records metrics, and keeps the report.
func (s *Service) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	var report *Report
	err := s.state.WithState(ctx, func(ctx context.Context, st *protocol.State) error {
		bal, err := s.ledger.GetBalance(ctx, st.Custody)
		if err != nil {
			return fmt.Errorf("read custody balance: %w", err)
		}
		report, err = compare(st, bal.Available)
		return err
	})
	if err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	report.Duration = time.Since(start)
	report.Timestamp = time.Now()
	reconcileDuration.Observe(report.Duration.Seconds())
	metrics.ReconciliationDrift.Set(float64(report.Surplus) - float64(report.Deficit))

	switch {
	case !report.Solvent:
		reconcileMismatches.Inc()
		s.logger.Error("CRITICAL: custody balance below pool liabilities",
			"custody", report.Custody, "balance", report.CustodyBalance,
			"poolTotal", report.PoolTotal, "deficit", report.Deficit)
	case !report.Match:
		reconcileMismatches.Inc()
		s.logger.Warn("custody balance exceeds pool total",
			"custody", report.Custody, "balance", report.CustodyBalance,
			"poolTotal", report.PoolTotal, "surplus", report.Surplus)
	default:
		s.logger.Debug("reconciliation ok", "poolTotal", report.PoolTotal)
	}

	s.mu.Lock()
	s.lastRun = report
	s.mu.Unlock()
	return report, nil
}

// LastReport returns the most recent report, or nil before the first run.
func (s *Service) LastReport() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRun
}

func compare(st *protocol.State, balance uint64) (*Report, error) {
	total, ok := st.TotalCustody()
	if !ok {
		return nil, fmt.Errorf("pool total overflows: %w", amount.ErrOverflow)
	}
	r := &Report{
		Custody:        st.Custody,
		CustodyBalance: balance,
		ReservePool:    st.ReservePool,
		StakePool:      st.StakePool,
		RewardPool:     st.RewardPool,
		PoolTotal:      total,
	}
	if balance >= total {
		r.Surplus = balance - total
	} else {
		r.Deficit = total - balance
	}
	r.Match = r.Surplus == 0 && r.Deficit == 0
	r.Solvent = r.Deficit == 0
	return r, nil
}
