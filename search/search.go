// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🔁 CYCLE SEARCH ENGINE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Parallel branch-and-bound negative cycle search
//
// Description:
//   Finds the most negative closed walk through the base token in the −ln(rate) graph,
//   up to MaxHops edges. Rates are marginal and net of fee; a negative total weight means
//   the compounded rate exceeds 1.
//
// Algorithm:
//   - First-hop arcs out of the base are sorted by weight and dealt round-robin to workers.
//   - Each worker runs a depth-first walk with no repeated tokens, keeping its own arc cache.
//   - A branch is pruned once W + optimistic(remaining) is non-negative or worse than the
//     shared best. The optimistic tail assumes every remaining hop costs the view's floor.
//   - Parallel venues between one token pair collapse to the lowest weight, ties to the
//     lower venue id.
//   - Results come back over a channel; merge order is weight, hop count, venue sequence.
//
// Deadline:
//   Workers look at the clock every DeadlineCheckMask+1 expansions. On expiry they unwind
//   and the best cycle seen so far is returned flagged Degraded.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package search

import (
	"bytes"
	"context"
	"errors"
	"math"
	"runtime"
	"sort"
	"sync/atomic"
	"time"

	"cyclearb/amm"
	"cyclearb/constants"
	"cyclearb/overlay"
	"cyclearb/types"
)

var (
	ErrNoCycleFound  = errors.New("search: no profitable cycle")
	ErrSearchTimeout = errors.New("search: deadline reached before any cycle was found")
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Config bounds one search.
type Config struct {
	MaxHops  int
	Deadline time.Duration
	Workers  int
}

// DefaultConfig returns the stock limits with one worker per core.
func DefaultConfig() Config {
	return Config{
		MaxHops:  constants.DefaultMaxHops,
		Deadline: constants.DefaultSearchDeadline,
		Workers:  runtime.NumCPU(),
	}
}

func (c Config) normalized() Config {
	if c.MaxHops <= 0 {
		c.MaxHops = constants.DefaultMaxHops
	}
	if c.MaxHops < constants.MinCycleHops {
		c.MaxHops = constants.MinCycleHops
	}
	if c.Deadline <= 0 {
		c.Deadline = constants.DefaultSearchDeadline
	}
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.Workers > constants.MaxSupportedCores {
		c.Workers = constants.MaxSupportedCores
	}
	return c
}

// Stats describes the work one search did.
type Stats struct {
	Workers    int
	Expansions uint64
	Elapsed    time.Duration
	Expired    bool
}

// Engine is stateless between searches and safe for concurrent use.
type Engine struct {
	cfg Config
	now func() time.Time
}

// New returns an engine with normalized limits.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg.normalized(), now: time.Now}
}

// Config returns the effective limits.
func (e *Engine) Config() Config { return e.cfg }

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// ARCS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// arc is a directed, collapsed hop out of one token.
type arc struct {
	to     types.Token
	edge   types.PoolEdge
	weight float64
}

func arcLess(a, b *arc) bool {
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	return types.LessVenue(a.edge.Venue, b.edge.Venue)
}

// outArcs collapses the usable venues around tok into one arc per neighbor.
func outArcs(view overlay.View, tok types.Token) []arc {
	nbrs := view.Neighbors(tok)
	best := make(map[types.Token]int, len(nbrs))
	out := make([]arc, 0, len(nbrs))

	for i := range nbrs {
		e := &nbrs[i]
		if !e.Usable() || !e.Has(tok) {
			continue
		}
		w, err := amm.Weight(e, tok)
		if err != nil || math.IsNaN(w) || math.IsInf(w, 0) {
			continue
		}
		a := arc{to: e.Other(tok), edge: *e, weight: w}
		if j, ok := best[a.to]; ok {
			if arcLess(&a, &out[j]) {
				out[j] = a
			}
			continue
		}
		best[a.to] = len(out)
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return arcLess(&out[i], &out[j]) })
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CANDIDATES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

type candidate struct {
	weight float64
	arcs   []arc
}

// better implements the merge order: weight, then hop count, then venue sequence.
func better(a, b *candidate) bool {
	if b == nil {
		return a != nil
	}
	if a == nil {
		return false
	}
	if a.weight != b.weight {
		return a.weight < b.weight
	}
	if len(a.arcs) != len(b.arcs) {
		return len(a.arcs) < len(b.arcs)
	}
	for i := range a.arcs {
		if c := bytes.Compare(a.arcs[i].edge.Venue[:], b.arcs[i].edge.Venue[:]); c != 0 {
			return c < 0
		}
	}
	return false
}

func (c *candidate) cycle(base types.Token) types.Cycle {
	cy := types.Cycle{
		Tokens: make([]types.Token, 0, len(c.arcs)+1),
		Hops:   make([]types.Hop, len(c.arcs)),
		Weight: c.weight,
	}
	cy.Tokens = append(cy.Tokens, base)
	in := base
	for i := range c.arcs {
		a := &c.arcs[i]
		cy.Hops[i] = types.Hop{Edge: a.edge, TokenIn: in, TokenOut: a.to, Weight: a.weight}
		cy.Tokens = append(cy.Tokens, a.to)
		in = a.to
	}
	return cy
}

// sharedBest is a CAS-min float shared by all workers of one search.
type sharedBest struct{ bits atomic.Uint64 }

func (s *sharedBest) load() float64 { return math.Float64frombits(s.bits.Load()) }

func (s *sharedBest) lower(w float64) {
	for {
		cur := s.bits.Load()
		if w >= math.Float64frombits(cur) {
			return
		}
		if s.bits.CompareAndSwap(cur, math.Float64bits(w)) {
			return
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// SEARCH
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Search returns the best profitable cycle through base visible in view.
//
// Errors: ErrNoCycleFound when the space was exhausted, ErrSearchTimeout when
// the deadline or ctx ended the search before any cycle was found. A cycle
// returned after expiry carries Degraded=true.
func (e *Engine) Search(ctx context.Context, view overlay.View, base types.Token) (types.Cycle, Stats, error) {
	start := e.now()
	deadline := start.Add(e.cfg.Deadline)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	first := outArcs(view, base)
	workers := e.cfg.Workers
	if workers > len(first) {
		workers = len(first)
	}
	stats := Stats{Workers: workers}
	if workers == 0 {
		stats.Elapsed = e.now().Sub(start)
		return types.Cycle{}, stats, ErrNoCycleFound
	}

	run := &searchRun{
		ctx:      ctx,
		view:     view,
		base:     base,
		maxHops:  e.cfg.MaxHops,
		floor:    view.FloorWeight(),
		deadline: deadline,
		now:      e.now,
	}
	run.best.bits.Store(math.Float64bits(0))

	results := make(chan workerResult, workers)
	for w := 0; w < workers; w++ {
		var mine []arc
		for i := w; i < len(first); i += workers {
			mine = append(mine, first[i])
		}
		go run.worker(mine, results)
	}

	var win *candidate
	for w := 0; w < workers; w++ {
		r := <-results
		stats.Expansions += r.expansions
		if better(r.best, win) {
			win = r.best
		}
	}
	stats.Expired = run.expired.Load()
	stats.Elapsed = e.now().Sub(start)

	switch {
	case win == nil && stats.Expired:
		return types.Cycle{}, stats, ErrSearchTimeout
	case win == nil:
		return types.Cycle{}, stats, ErrNoCycleFound
	}
	cy := win.cycle(base)
	cy.Degraded = stats.Expired
	return cy, stats, nil
}

type searchRun struct {
	ctx      context.Context
	view     overlay.View
	base     types.Token
	maxHops  int
	floor    float64
	deadline time.Time
	now      func() time.Time

	best    sharedBest
	expired atomic.Bool
}

type workerResult struct {
	best       *candidate
	expansions uint64
}

// worker state is private to one goroutine.
type worker struct {
	run   *searchRun
	cache map[types.Token][]arc
	path  []arc
	seen  map[types.Token]struct{}
	best  *candidate
	n     uint64
}

func (r *searchRun) worker(first []arc, out chan<- workerResult) {
	w := &worker{
		run:   r,
		cache: make(map[types.Token][]arc, 64),
		path:  make([]arc, 0, r.maxHops),
		seen:  make(map[types.Token]struct{}, r.maxHops+1),
	}
	w.seen[r.base] = struct{}{}

	for i := range first {
		if r.expired.Load() {
			break
		}
		a := first[i]
		if w.prune(a.weight, 1) {
			continue
		}
		w.path = append(w.path, a)
		w.seen[a.to] = struct{}{}
		w.dfs(a.to, 1, a.weight)
		delete(w.seen, a.to)
		w.path = w.path[:0]
	}
	out <- workerResult{best: w.best, expansions: w.n}
}

func (w *worker) arcs(tok types.Token) []arc {
	if a, ok := w.cache[tok]; ok {
		return a
	}
	a := outArcs(w.run.view, tok)
	w.cache[tok] = a
	return a
}

// prune reports whether a partial walk of depth hops and weight W can
// still close into a cycle that beats the shared best.
func (w *worker) prune(W float64, depth int) bool {
	r := w.run
	rmin := constants.MinCycleHops - depth
	if rmin < 1 {
		rmin = 1
	}
	rmax := r.maxHops - depth
	if rmax < rmin {
		return true
	}
	var bound float64
	if r.floor >= 0 {
		bound = W + float64(rmin)*r.floor
	} else {
		bound = W + float64(rmax)*r.floor
	}
	return bound >= 0 || bound > r.best.load()
}

func (w *worker) tick() bool {
	r := w.run
	if r.expired.Load() {
		return false
	}
	if w.n&constants.DeadlineCheckMask == 0 {
		if r.ctx.Err() != nil || !r.now().Before(r.deadline) {
			r.expired.Store(true)
			return false
		}
	}
	w.n++
	return true
}

func (w *worker) dfs(tok types.Token, depth int, W float64) {
	if !w.tick() {
		return
	}
	r := w.run
	for _, a := range w.arcs(tok) {
		nw := W + a.weight
		hops := depth + 1

		if a.to == r.base {
			if hops >= constants.MinCycleHops && nw < 0 && nw <= r.best.load() {
				w.offer(nw, a)
			}
			continue
		}
		if hops >= r.maxHops {
			continue
		}
		if _, onPath := w.seen[a.to]; onPath {
			continue
		}
		if w.prune(nw, hops) {
			continue
		}

		w.path = append(w.path, a)
		w.seen[a.to] = struct{}{}
		w.dfs(a.to, hops, nw)
		delete(w.seen, a.to)
		w.path = w.path[:len(w.path)-1]

		if r.expired.Load() {
			return
		}
	}
}

func (w *worker) offer(weight float64, closing arc) {
	arcs := make([]arc, len(w.path)+1)
	copy(arcs, w.path)
	arcs[len(w.path)] = closing
	c := &candidate{weight: weight, arcs: arcs}
	if better(c, w.best) {
		w.best = c
		w.run.best.lower(weight)
	}
}
