// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🗺️ MARKET GRAPH STORE
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Authoritative venue table and token adjacency
//
// Description:
//   Concurrent map from venue id to PoolEdge plus token → venue adjacency. The confirmed-state
//   feed is the only writer of reserves; analysis pipelines only ever read.
//
// Concurrency model:
//   - Venue table sharded by address; each venue lives in its own slot holding an
//     atomic.Pointer[PoolEdge]. Reserve updates are a pointer swap on that slot.
//   - Shard write locks are taken only when a venue or token is seen for the first time.
//   - Readers load slot pointers and never observe a half-written reserve pair.
//   - The global floor weight is lowered with a CAS-min on every write and recomputed
//     from scratch by RecomputeFloor once per block. Writers bump a generation counter
//     first; a recompute that overlaps a write never installs a higher floor.
//   - A confirmation watermark records how far the whole table is known to be current,
//     independent of when any single venue last traded.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package market

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"cyclearb/amm"
	"cyclearb/constants"
	"cyclearb/types"
	"cyclearb/utils"

	"github.com/holiman/uint256"
)

var (
	ErrUnknownVenue    = errors.New("market: unknown venue")
	ErrCorruptReserves = errors.New("market: inconsistent reserves")
	ErrVenueConflict   = errors.New("market: venue re-registered with different tokens")
	ErrInvalidEdge     = errors.New("market: invalid edge")
)

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// LAYOUT
// ═══════════════════════════════════════════════════════════════════════════════════════════════

const (
	shardBits  = 6
	shardCount = 1 << shardBits
	shardMask  = shardCount - 1
)

// slot is the per-venue unit of atomicity.
type slot struct {
	edge atomic.Pointer[types.PoolEdge]
}

type venueShard struct {
	mu    sync.RWMutex
	slots map[types.VenueID]*slot
}

type tokenShard struct {
	mu  sync.RWMutex
	adj map[types.Token][]*slot
}

// Store is the live market graph. The zero value is not usable; call New.
type Store struct {
	venues [shardCount]venueShard
	tokens [shardCount]tokenShard

	count     atomic.Int64
	floor     atomic.Uint64 // math.Float64bits of the lowest directed weight
	gen       atomic.Uint64 // bumped by every write before the floor is touched
	confirmed atomic.Int64  // unix nanos the table is known current through

	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, used to stamp confirmed updates.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New returns an empty store.
func New(opts ...Option) *Store {
	s := &Store{now: time.Now}
	for i := range s.venues {
		s.venues[i].slots = make(map[types.VenueID]*slot)
		s.tokens[i].adj = make(map[types.Token][]*slot)
	}
	s.floor.Store(math.Float64bits(math.Inf(1)))
	for _, o := range opts {
		o(s)
	}
	return s
}

//go:inline
func shardOf(a [20]byte) int {
	return int(utils.Mix64(utils.LoadBE64(a[12:20])^utils.LoadBE64(a[0:8])) & shardMask)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// WRITES
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Upsert registers or replaces a venue. Last writer wins.
// A venue's token pair is fixed at first registration.
func (s *Store) Upsert(edge types.PoolEdge) error {
	if edge.TokenA == edge.TokenB {
		return fmt.Errorf("%w: %s trades a token against itself", ErrInvalidEdge, edge.Venue.Hex())
	}
	if edge.UpdatedAt.IsZero() {
		edge.UpdatedAt = s.now()
	}
	if !reservesFit(edge.ReserveA, edge.ReserveB) {
		edge.Disabled = true
	}

	e := edge
	sl, created := s.register(&e)
	if created {
		s.link(e.TokenA, sl)
		s.link(e.TokenB, sl)
		s.count.Add(1)
	} else {
		if cur := sl.edge.Load(); !samePair(cur, &e) {
			return fmt.Errorf("%w: %s", ErrVenueConflict, e.Venue.Hex())
		}
		sl.edge.Store(&e)
	}
	s.lowerFloor(&e)
	return nil
}

// ApplyReserves installs a confirmed Sync update. Reserve0 belongs to the
// lower-sorted token, as emitted by the pair contract.
//
// Reserves that are missing or wider than uint112 disable the venue and
// return ErrCorruptReserves; the next consistent update re-enables it.
func (s *Store) ApplyReserves(u types.ReserveUpdate) error {
	sl := s.lookup(u.Venue)
	if sl == nil {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, u.Venue.Hex())
	}
	corrupt := !reservesFit(u.Reserve0, u.Reserve1)
	now := s.now()

	for {
		cur := sl.edge.Load()
		next := *cur
		next.Block = u.Block
		next.UpdatedAt = now
		if corrupt {
			next.Disabled = true
		} else {
			next.Disabled = false
			if tokenOrder(cur.TokenA, cur.TokenB) {
				next.ReserveA, next.ReserveB = u.Reserve0.Clone(), u.Reserve1.Clone()
			} else {
				next.ReserveA, next.ReserveB = u.Reserve1.Clone(), u.Reserve0.Clone()
			}
		}
		if sl.edge.CompareAndSwap(cur, &next) {
			if corrupt {
				return fmt.Errorf("%w: venue %s at block %d", ErrCorruptReserves, u.Venue.Hex(), u.Block)
			}
			s.lowerFloor(&next)
			return nil
		}
	}
}

// Disable marks a venue unusable without touching its reserves.
func (s *Store) Disable(venue types.VenueID) error {
	sl := s.lookup(venue)
	if sl == nil {
		return fmt.Errorf("%w: %s", ErrUnknownVenue, venue.Hex())
	}
	for {
		cur := sl.edge.Load()
		next := *cur
		next.Disabled = true
		if sl.edge.CompareAndSwap(cur, &next) {
			return nil
		}
	}
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// READS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Edge returns the current snapshot of one venue.
func (s *Store) Edge(venue types.VenueID) (types.PoolEdge, bool) {
	sl := s.lookup(venue)
	if sl == nil {
		return types.PoolEdge{}, false
	}
	return *sl.edge.Load(), true
}

// SnapshotNeighbors returns every venue incident to token. Each element is
// an atomic copy of its venue; venues are not mutually synchronized.
func (s *Store) SnapshotNeighbors(token types.Token) []types.PoolEdge {
	sh := &s.tokens[shardOf(token)]
	sh.mu.RLock()
	slots := sh.adj[token]
	sh.mu.RUnlock()

	// adjacency lists are append-only; the captured header stays valid
	out := make([]types.PoolEdge, len(slots))
	for i, sl := range slots {
		out[i] = *sl.edge.Load()
	}
	return out
}

// Neighbors satisfies the overlay View contract.
func (s *Store) Neighbors(token types.Token) []types.PoolEdge {
	return s.SnapshotNeighbors(token)
}

// Len returns the number of registered venues.
func (s *Store) Len() int { return int(s.count.Load()) }

// Snapshot returns every venue sorted by id.
func (s *Store) Snapshot() []types.PoolEdge {
	out := make([]types.PoolEdge, 0, s.Len())
	for i := range s.venues {
		sh := &s.venues[i]
		sh.mu.RLock()
		for _, sl := range sh.slots {
			out = append(out, *sl.edge.Load())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return types.LessVenue(out[i].Venue, out[j].Venue) })
	return out
}

// Venues lists registered venue ids, sorted.
func (s *Store) Venues() []types.VenueID {
	snap := s.Snapshot()
	out := make([]types.VenueID, len(snap))
	for i := range snap {
		out[i] = snap[i].Venue
	}
	return out
}

// FloorWeight is a lower bound on every directed edge weight in the store.
// It only ever decreases between RecomputeFloor calls.
func (s *Store) FloorWeight() float64 {
	return math.Float64frombits(s.floor.Load())
}

// RecomputeFloor rebuilds the floor from the current venues. A write that
// overlaps the scan triggers a second scan that can only lower the installed
// value, so no write is lost; the gap before that second scan is the same one
// every writer has between publishing its edge and lowering the floor.
func (s *Store) RecomputeFloor() float64 {
	g := s.gen.Load()
	s.floor.Store(math.Float64bits(s.scanFloor()))
	if s.gen.Load() != g {
		s.lowerTo(s.scanFloor())
	}
	return s.FloorWeight()
}

func (s *Store) scanFloor() float64 {
	floor := math.Inf(1)
	for i := range s.venues {
		sh := &s.venues[i]
		sh.mu.RLock()
		for _, sl := range sh.slots {
			if w := minWeight(sl.edge.Load()); w < floor {
				floor = w
			}
		}
		sh.mu.RUnlock()
	}
	return floor
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// CONFIRMATION WATERMARK
// ═══════════════════════════════════════════════════════════════════════════════════════════════

// Confirm records that every venue is current as of at: the live feed
// delivered a block or a catch-up completed. The watermark never moves back.
func (s *Store) Confirm(at time.Time) {
	n := at.UnixNano()
	for {
		cur := s.confirmed.Load()
		if n <= cur {
			return
		}
		if s.confirmed.CompareAndSwap(cur, n) {
			return
		}
	}
}

// ConfirmedThrough is the last Confirm time, or the zero time if none.
func (s *Store) ConfirmedThrough() time.Time {
	n := s.confirmed.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// ═══════════════════════════════════════════════════════════════════════════════════════════════
// INTERNALS
// ═══════════════════════════════════════════════════════════════════════════════════════════════

func (s *Store) lookup(venue types.VenueID) *slot {
	sh := &s.venues[shardOf(venue)]
	sh.mu.RLock()
	sl := sh.slots[venue]
	sh.mu.RUnlock()
	return sl
}

// register returns the venue's slot, creating it around e when absent.
// A slot is published only once its edge pointer is set.
func (s *Store) register(e *types.PoolEdge) (*slot, bool) {
	if sl := s.lookup(e.Venue); sl != nil {
		return sl, false
	}
	sh := &s.venues[shardOf(e.Venue)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sl := sh.slots[e.Venue]; sl != nil {
		return sl, false
	}
	sl := new(slot)
	sl.edge.Store(e)
	sh.slots[e.Venue] = sl
	return sl, true
}

func (s *Store) link(token types.Token, sl *slot) {
	sh := &s.tokens[shardOf(token)]
	sh.mu.Lock()
	sh.adj[token] = append(sh.adj[token], sl)
	sh.mu.Unlock()
}

// lowerFloor runs after the edge is published. The generation bump comes
// first so an in-flight RecomputeFloor either sees the edge or is seen by it.
func (s *Store) lowerFloor(e *types.PoolEdge) {
	s.gen.Add(1)
	s.lowerTo(minWeight(e))
}

func (s *Store) lowerTo(w float64) {
	for {
		cur := s.floor.Load()
		if w >= math.Float64frombits(cur) {
			return
		}
		if s.floor.CompareAndSwap(cur, math.Float64bits(w)) {
			return
		}
	}
}

func minWeight(e *types.PoolEdge) float64 {
	if e == nil || !e.Usable() {
		return math.Inf(1)
	}
	wa, errA := amm.Weight(e, e.TokenA)
	wb, errB := amm.Weight(e, e.TokenB)
	switch {
	case errA != nil && errB != nil:
		return math.Inf(1)
	case errA != nil:
		return wb
	case errB != nil:
		return wa
	}
	return math.Min(wa, wb)
}

func reservesFit(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return false
	}
	return a.BitLen() <= constants.MaxReserveBits && b.BitLen() <= constants.MaxReserveBits
}

func samePair(a, b *types.PoolEdge) bool {
	return (a.TokenA == b.TokenA && a.TokenB == b.TokenB) ||
		(a.TokenA == b.TokenB && a.TokenB == b.TokenA)
}

// tokenOrder reports whether a sorts before b, i.e. a is token0 on chain.
func tokenOrder(a, b types.Token) bool {
	return bytes.Compare(a[:], b[:]) < 0
}
