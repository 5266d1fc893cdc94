package ledger

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// BlockClock is the host's monotonic time source. Heights start at 1 and
// only move forward, either on a ticker or through Advance.
type BlockClock struct {
	height   atomic.Uint64
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewBlockClock creates a clock at height 1. A zero interval disables the
// ticker; heights then move only through Advance.
func NewBlockClock(interval time.Duration, logger *slog.Logger) *BlockClock {
	c := &BlockClock{
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}, 1),
	}
	c.height.Store(1)
	BlockHeight.Set(1)
	return c
}

// Now returns the current block height.
func (c *BlockClock) Now() uint64 {
	return c.height.Load()
}

// Advance moves the clock forward n blocks and returns the new height.
// The height saturates instead of wrapping.
func (c *BlockClock) Advance(n uint64) uint64 {
	for {
		cur := c.height.Load()
		next := cur + n
		if next < cur {
			next = ^uint64(0)
		}
		if c.height.CompareAndSwap(cur, next) {
			BlockHeight.Set(float64(next))
			return next
		}
	}
}

// Start produces one block per interval. Call in a goroutine.
func (c *BlockClock) Start(ctx context.Context) {
	if c.interval <= 0 {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ticker.C:
			h := c.Advance(1)
			if h%1000 == 0 && c.logger != nil {
				c.logger.Debug("block clock", "height", h)
			}
		}
	}
}

// Stop signals the clock to stop.
func (c *BlockClock) Stop() {
	select {
	case c.stop <- struct{}{}:
	default:
	}
}
