package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"cyclearb/constants"
	"cyclearb/control"
	"cyclearb/debug"
	"cyclearb/market"
	"cyclearb/metrics"
	"cyclearb/ring"
	"cyclearb/types"
)

// ErrPaused marks pending transactions refused while the feed is faulted.
var ErrPaused = errors.New("router: ingestion paused")

// Analyzer is what a worker runs for each pending transaction.
type Analyzer interface {
	Analyze(ctx context.Context, tx types.PendingTx) types.Record
}

// ============================================================================
// DISPATCHER
// ============================================================================

// Dispatcher owns one ring per worker. Submit is single-producer: only the
// feed goroutine may call it.
type Dispatcher struct {
	workers  []*ring.Worker[types.PendingTx]
	next     int
	analyzer Analyzer
	metrics  *metrics.Metrics
}

// NewDispatcher allocates n workers with rings of constants.DispatchRingSize.
// With pin set, worker i is pinned to core i (Linux only).
func NewDispatcher(a Analyzer, n int, pin bool, m *metrics.Metrics) *Dispatcher {
	if n <= 0 {
		n = 1
	}
	if n > constants.MaxSupportedCores {
		n = constants.MaxSupportedCores
	}
	d := &Dispatcher{
		workers:  make([]*ring.Worker[types.PendingTx], n),
		analyzer: a,
		metrics:  m,
	}
	for i := range d.workers {
		core := -1
		if pin {
			core = i
		}
		d.workers[i] = ring.NewWorker[types.PendingTx](constants.DispatchRingSize, core)
	}
	return d
}

// Workers is the pool size.
func (d *Dispatcher) Workers() int { return len(d.workers) }

// Submit hands tx to the next worker with room. It returns false and emits a
// dropped record when ingestion is paused or every ring is full.
func (d *Dispatcher) Submit(tx types.PendingTx) bool {
	if faulted, _ := control.Faulted(); faulted {
		d.drop(tx, ErrPaused)
		return false
	}
	n := len(d.workers)
	for i := 0; i < n; i++ {
		k := (d.next + i) % n
		if d.workers[k].Offer(tx) {
			d.next = (k + 1) % n
			return true
		}
	}
	d.drop(tx, nil)
	return false
}

func (d *Dispatcher) drop(tx types.PendingTx, err error) {
	rec := types.Record{TxHash: tx.Hash, Outcome: types.OutcomeDropped, Err: err}
	d.metrics.ObserveRecord(rec)
	debug.Log().Debug().
		Str("component", "DISPATCH").
		Str("tx", tx.Hash.Hex()).
		AnErr("reason", err).
		Msg("dropped")
}

// Run starts every worker and blocks until ctx ends and all have returned.
// Transactions still queued at that point are discarded.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(w *ring.Worker[types.PendingTx]) {
			defer wg.Done()
			w.Run(ctx, func(tx types.PendingTx) {
				d.analyzer.Analyze(ctx, tx)
			})
		}(w)
	}
	wg.Wait()
}

// ============================================================================
// FEED HANDLER
// ============================================================================

// Ingest connects the feed to the store and the dispatcher.
type Ingest struct {
	Store      *market.Store
	Dispatcher *Dispatcher
	Metrics    *metrics.Metrics
}

// OnPending forwards to the dispatcher.
func (in *Ingest) OnPending(tx types.PendingTx) {
	in.Dispatcher.Submit(tx)
}

// OnReserve applies a confirmed Sync. Venues outside the registry are
// ignored; inconsistent reserves disable the venue and are counted.
// Any Sync from a healthy feed also advances the store's confirmation
// watermark; while the feed is faulted the watermark stays put.
func (in *Ingest) OnReserve(u types.ReserveUpdate) {
	if faulted, _ := control.Faulted(); !faulted {
		defer in.Store.Confirm(time.Now())
	}
	err := in.Store.ApplyReserves(u)
	switch {
	case err == nil:
	case errors.Is(err, market.ErrUnknownVenue):
	case errors.Is(err, market.ErrCorruptReserves):
		if in.Metrics != nil {
			in.Metrics.CorruptReserves.Inc()
		}
		debug.DropError("INGEST", err)
	default:
		debug.DropError("INGEST", err)
	}
}
