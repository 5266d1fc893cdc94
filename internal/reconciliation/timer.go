package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer re-runs the custody check on a fixed wall-clock cadence and logs
// when the books drift out of (or back into) balance.
type Timer struct {
	svc      *Service
	every    time.Duration
	log      *slog.Logger
	quit     chan struct{}
	active   atomic.Bool
	drifting atomic.Bool
	failures atomic.Int64
}

// NewTimer wires a Timer to svc. A non-positive interval means five minutes.
func NewTimer(svc *Service, interval time.Duration, logger *slog.Logger) *Timer {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Timer{svc: svc, every: interval, log: logger, quit: make(chan struct{}, 1)}
}

// Running reports whether Start is executing.
func (t *Timer) Running() bool { return t.active.Load() }

// ConsecutiveFailures is the number of runs that errored since the last
// successful one.
func (t *Timer) ConsecutiveFailures() int64 { return t.failures.Load() }

// Start blocks until ctx is cancelled or Stop is called.
func (t *Timer) Start(ctx context.Context) {
	t.active.Store(true)
	defer t.active.Store(false)

	tick := time.NewTicker(t.every)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			t.tick(ctx)
		case <-t.quit:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop is safe to call more than once.
func (t *Timer) Stop() {
	select {
	case t.quit <- struct{}{}:
	default:
	}
}

func (t *Timer) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.failures.Add(1)
			t.log.Error("reconciliation panicked", "panic", fmt.Sprint(r))
		}
	}()

	report, err := t.svc.Run(ctx)
	if err != nil {
		n := t.failures.Add(1)
		t.log.Warn("reconciliation run failed", "error", err, "consecutive", n)
		return
	}
	t.failures.Store(0)

	wasDrifting := t.drifting.Swap(!report.Match)
	switch {
	case !report.Match && !wasDrifting:
		t.log.Error("custody drift detected",
			"custody_balance", report.CustodyBalance,
			"pool_total", report.PoolTotal)
	case report.Match && wasDrifting:
		t.log.Info("custody back in balance", "custody_balance", report.CustodyBalance)
	}
}
