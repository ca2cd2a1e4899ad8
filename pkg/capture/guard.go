package capture

import (
	"context"

	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

// Guard is a single-permit slot: at most one capture pipeline holds it.
type Guard struct {
	sem  *semaphore.Weighted
	held atomic.Int32
}

func NewGuard() *Guard {
	return &Guard{sem: semaphore.NewWeighted(1)}
}

// Acquire blocks until the slot is free. It fails only when ctx ends first.
func (g *Guard) Acquire(ctx context.Context) (*Permit, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	g.held.Inc()
	return &Permit{g: g}, nil
}

// Held reports how many permits are out: 0 or 1.
func (g *Guard) Held() int {
	return int(g.held.Load())
}

type Permit struct {
	g        *Guard
	released atomic.Bool
}

// Release frees the slot. Releasing a permit twice panics.
func (p *Permit) Release() {
	if !p.released.CompareAndSwap(false, true) {
		panic("capture: permit released twice")
	}
	p.g.held.Dec()
	p.g.sem.Release(1)
}
