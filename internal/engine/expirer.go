package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Clock supplies the current block height.
type Clock interface {
	Now() uint64
}

// Expirer periodically writes the expired status for policies whose
// coverage window has ended and returns their collateral.
type Expirer struct {
	engine   *Engine
	clock    Clock
	interval time.Duration
	batch    int
	logger   *slog.Logger
	stop     chan struct{}
}

// NewExpirer creates a new lapsed-policy sweeper.
func NewExpirer(engine *Engine, clock Clock, logger *slog.Logger) *Expirer {
	return &Expirer{
		engine:   engine,
		clock:    clock,
		interval: 30 * time.Second,
		batch:    100,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
}

// WithInterval overrides the sweep interval.
func (x *Expirer) WithInterval(d time.Duration) *Expirer {
	if d > 0 {
		x.interval = d
	}
	return x
}

// Start begins the sweep loop. Call in a goroutine.
func (x *Expirer) Start(ctx context.Context) {
	ticker := time.NewTicker(x.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-x.stop:
			return
		case <-ticker.C:
			x.safeSweep(ctx)
		}
	}
}

// Stop signals the expirer to stop.
func (x *Expirer) Stop() {
	select {
	case x.stop <- struct{}{}:
	default:
	}
}

// Sweep runs one pass at the current height and returns the number of
// policies expired.
func (x *Expirer) Sweep(ctx context.Context) (int, error) {
	height := x.clock.Now()
	n, err := x.engine.ExpireLapsed(ctx, height, x.batch)
	if err != nil {
		return n, err
	}
	if n > 0 {
		x.logger.Info("expired lapsed policies", "count", n, "height", height)
	}
	return n, nil
}

func (x *Expirer) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			x.logger.Error("panic in policy expirer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := x.Sweep(ctx); err != nil {
		x.logger.Warn("failed to list lapsed policies", "error", err)
	}
}
