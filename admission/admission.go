// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🚦 ADMISSION CONTROLLER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Bounded concurrency for analysis pipelines
//
// Description:
//   Counting semaphore sized to the configured compute budget. Every pipeline runs inside
//   Do, which releases its slot on return, error or panic.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package admission

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPipelinePanic wraps a panic recovered inside Do.
var ErrPipelinePanic = errors.New("admission: pipeline panicked")

// Controller bounds in-flight pipelines.
type Controller struct {
	sem      *semaphore.Weighted
	capacity int64

	inFlight atomic.Int64
	peak     atomic.Int64
}

// New returns a controller with capacity slots; non-positive means one per core.
func New(capacity int) *Controller {
	if capacity <= 0 {
		capacity = runtime.NumCPU()
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// Acquire blocks until a slot is free or ctx ends. The returned release is
// idempotent.
func (c *Controller) Acquire(ctx context.Context) (func(), error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return c.granted(), nil
}

// TryAcquire takes a slot only if one is free right now.
func (c *Controller) TryAcquire() (func(), bool) {
	if !c.sem.TryAcquire(1) {
		return nil, false
	}
	return c.granted(), true
}

// granted books a held slot and returns its release.
func (c *Controller) granted() func() {
	n := c.inFlight.Add(1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			c.inFlight.Add(-1)
			c.sem.Release(1)
		})
	}
}

// Do runs fn under a slot. A panic in fn is returned as ErrPipelinePanic.
func (c *Controller) Do(ctx context.Context, fn func(context.Context) error) (err error) {
	release, err := c.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPipelinePanic, r)
		}
	}()
	return fn(ctx)
}

// InFlight is the number of slots currently held.
func (c *Controller) InFlight() int { return int(c.inFlight.Load()) }

// Peak is the highest InFlight ever observed.
func (c *Controller) Peak() int { return int(c.peak.Load()) }

// Capacity is the slot count.
func (c *Controller) Capacity() int { return int(c.capacity) }
