// ════════════════════════════════════════════════════════════════════════════════════════════════
// ⚡ RING WORKER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Ring consumer with spin-then-park polling
//
// Description:
//   A Worker owns one Ring. The producer calls Offer, the worker goroutine calls Run.
//   Run spins for SpinBudget empty polls, then parks on a one-slot wake channel that
//   Offer signals without blocking. Optionally pins itself to a core on Linux.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package ring

import (
	"context"
	"runtime"

	"cyclearb/constants"
)

// Worker couples a ring with its wake channel.
type Worker[T any] struct {
	ring *Ring[T]
	wake chan struct{}
	core int
}

// NewWorker allocates a worker. core < 0 disables pinning.
func NewWorker[T any](size, core int) *Worker[T] {
	return &Worker[T]{
		ring: New[T](size),
		wake: make(chan struct{}, 1),
		core: core,
	}
}

// Offer enqueues v and wakes the worker. Returns false when the ring is full.
// Producer side only.
func (w *Worker[T]) Offer(v T) bool {
	if !w.ring.Push(v) {
		return false
	}
	select {
	case w.wake <- struct{}{}:
	default:
	}
	return true
}

// Run consumes until ctx ends. Items still queued at that point are dropped.
func (w *Worker[T]) Run(ctx context.Context, handle func(T)) {
	if w.core >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		setAffinity(w.core)
	}

	done := ctx.Done()
	miss := 0
	for {
		select {
		case <-done:
			return
		default:
		}

		if v, ok := w.ring.Pop(); ok {
			handle(v)
			miss = 0
			continue
		}

		if miss++; miss < constants.SpinBudget {
			cpuRelax()
			continue
		}
		miss = 0

		// park; a token left by Offer after our last Pop wakes us at once
		select {
		case <-done:
			return
		case <-w.wake:
		}
	}
}
