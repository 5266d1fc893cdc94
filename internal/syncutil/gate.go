// Package syncutil provides locking primitives that honor context
// cancellation.
package syncutil

import (
	"context"
	"sync/atomic"
)

// Gate is a single-slot lock built on a buffered channel so that waiting
// can be abandoned when the caller's context ends. Once acquired, the
// holder runs to completion and releases with the returned func.
type Gate struct {
	slot    chan struct{}
	waiting atomic.Int64
}

// NewGate returns an unlocked gate.
func NewGate() *Gate {
	g := &Gate{slot: make(chan struct{}, 1)}
	g.slot <- struct{}{}
	return g
}

// Enter blocks until the gate is free or ctx is done. On success the
// caller MUST call the returned release func exactly once.
func (g *Gate) Enter(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g.waiting.Add(1)
	defer g.waiting.Add(-1)

	select {
	case <-g.slot:
		var released atomic.Bool
		return func() {
			if released.CompareAndSwap(false, true) {
				g.slot <- struct{}{}
			}
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryEnter acquires the gate only if it is free.
func (g *Gate) TryEnter() (func(), bool) {
	select {
	case <-g.slot:
		var released atomic.Bool
		return func() {
			if released.CompareAndSwap(false, true) {
				g.slot <- struct{}{}
			}
		}, true
	default:
		return nil, false
	}
}

// Waiting returns the number of callers currently blocked in Enter.
func (g *Gate) Waiting() int64 {
	return g.waiting.Load()
}
