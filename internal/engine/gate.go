package engine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// gate admits one protocol exchange at a time. Waiters are admitted in the
// order they arrived.
type gate struct {
	sem *semaphore.Weighted
}

func newGate() *gate {
	return &gate{sem: semaphore.NewWeighted(1)}
}

func (g *gate) Acquire(ctx context.Context) error {
	return g.sem.Acquire(ctx, 1)
}

func (g *gate) TryAcquire() bool {
	return g.sem.TryAcquire(1)
}

func (g *gate) Release() {
	g.sem.Release(1)
}
