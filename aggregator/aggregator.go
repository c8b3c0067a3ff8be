// ════════════════════════════════════════════════════════════════════════════════════════════════
// Multi-Core Arbitrage Opportunity Aggregator
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Opportunity Aggregator & Bundle Extractor
//
// Description:
//   Collects verified opportunities from every pipeline worker, deduplicates repeats of the
//   same back-run and forwards them downstream once the stream has been quiet for an idle
//   window, or once the oldest entry has waited several windows.
//
// Features:
//   - Deduplication keyed on the trigger transaction plus the exact venue sequence
//   - The more profitable of two copies of one back-run wins
//   - Idle-window finalization so a burst of triggers yields one hand-off
//   - Maximum-age finalization so a steady stream never starves the sinks
//   - Per-trigger cap; every trigger with an opportunity is forwarded
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package aggregator

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"cyclearb/constants"
	"cyclearb/debug"
	"cyclearb/types"
)

// Downstream receives finalized opportunities.
type Downstream interface {
	Submit(ctx context.Context, trigger common.Hash, op *types.Opportunity) error
}

type entry struct {
	key     string
	trigger common.Hash
	op      *types.Opportunity
}

// Aggregator is safe for concurrent Submit calls from every worker.
type Aggregator struct {
	mu      sync.Mutex
	pending map[string]entry
	first   time.Time // arrival of the oldest pending entry
	last    time.Time // arrival of the newest pending entry

	next      Downstream
	idle      time.Duration
	maxAge    time.Duration
	maxBundle int
	now       func() time.Time
}

// New forwards to next. Non-positive idle or maxBundle select the defaults.
func New(next Downstream, idle time.Duration, maxBundle int) *Aggregator {
	if idle <= 0 {
		idle = constants.AggregatorIdleWindow
	}
	if maxBundle <= 0 {
		maxBundle = constants.AggregatorMaxBundleSize
	}
	return &Aggregator{
		pending:   make(map[string]entry),
		next:      next,
		idle:      idle,
		maxAge:    idle * constants.AggregatorMaxAgeWindows,
		maxBundle: maxBundle,
		now:       time.Now,
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INGESTION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Submit records op. It never performs I/O and never fails.
func (a *Aggregator) Submit(_ context.Context, trigger common.Hash, op *types.Opportunity) error {
	k := entryKey(trigger, op)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.last = a.now()
	if len(a.pending) == 0 {
		a.first = a.last
	}
	if cur, ok := a.pending[k]; ok && !op.ExpectedProfit.Gt(cur.op.ExpectedProfit) {
		return nil
	}
	a.pending[k] = entry{key: k, trigger: trigger, op: op}
	return nil
}

// Pending is the number of distinct back-runs waiting for finalization.
func (a *Aggregator) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

// entryKey is the trigger hash followed by the raw venue sequence.
// Direction matters: the same venues walked the other way are a different trade.
func entryKey(trigger common.Hash, op *types.Opportunity) string {
	b := make([]byte, 0, common.HashLength+common.AddressLength*len(op.Venues))
	b = append(b, trigger[:]...)
	for _, v := range op.Venues {
		b = append(b, v[:]...)
	}
	return string(b)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// FINALIZATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Flush forwards the pending opportunities best first, at most maxBundle per
// trigger, and clears the table. Downstream errors are logged; the rest of
// the bundle still goes out. Returns the number forwarded.
func (a *Aggregator) Flush(ctx context.Context) int {
	a.mu.Lock()
	if len(a.pending) == 0 {
		a.mu.Unlock()
		return 0
	}
	bundle := make([]entry, 0, len(a.pending))
	for _, e := range a.pending {
		bundle = append(bundle, e)
	}
	a.pending = make(map[string]entry, len(bundle))
	a.mu.Unlock()

	sort.Slice(bundle, func(i, j int) bool { return ranks(&bundle[i], &bundle[j]) })

	perTrigger := make(map[common.Hash]int, len(bundle))
	sent, capped := 0, 0
	for i := range bundle {
		e := &bundle[i]
		if perTrigger[e.trigger] >= a.maxBundle {
			capped++
			continue
		}
		perTrigger[e.trigger]++
		sent++
		if err := a.next.Submit(ctx, e.trigger, e.op); err != nil {
			debug.DropError("AGGREGATOR", err)
		}
	}
	if capped > 0 {
		debug.Log().Debug().
			Str("component", "AGGREGATOR").
			Int("discarded", capped).
			Msg("per-trigger cap reached")
	}
	return sent
}

func ranks(x, y *entry) bool {
	if c := x.op.ExpectedProfit.Cmp(y.op.ExpectedProfit); c != 0 {
		return c > 0
	}
	if hx, hy := len(x.op.Venues), len(y.op.Venues); hx != hy {
		return hx < hy
	}
	return bytes.Compare([]byte(x.key), []byte(y.key)) < 0
}

// Run finalizes whenever the stream has been quiet for the idle window or
// the oldest entry has waited maxAge, and once more when ctx ends.
func (a *Aggregator) Run(ctx context.Context) {
	t := time.NewTicker(a.idle / 4)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			a.Flush(context.WithoutCancel(ctx))
			return
		case <-t.C:
			if a.due() {
				a.Flush(ctx)
			}
		}
	}
}

func (a *Aggregator) due() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return false
	}
	now := a.now()
	return now.Sub(a.last) >= a.idle || now.Sub(a.first) >= a.maxAge
}
