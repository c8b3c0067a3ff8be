// ════════════════════════════════════════════════════════════════════════════════════════════════
// 🪞 TRANSACTION-SCOPED OVERLAY
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Read-only projected view over the market graph
//
// Description:
//   An Overlay is a sparse venue → PoolEdge replacement map composed over a base View.
//   Venues present in the overlay show projected reserves, every other venue falls
//   through to the base. Built once by the Projector, never mutated afterwards and
//   never shared between pipelines, so search needs no locking at all.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package overlay

import (
	"math"
	"sort"

	"cyclearb/amm"
	"cyclearb/types"
)

// View is the read surface the search engine walks.
type View interface {
	Neighbors(token types.Token) []types.PoolEdge
	Edge(venue types.VenueID) (types.PoolEdge, bool)
	FloorWeight() float64
}

// Overlay composes projected edges over a base view.
type Overlay struct {
	base  View
	patch map[types.VenueID]types.PoolEdge
	floor float64
}

func newOverlay(base View) *Overlay {
	return &Overlay{
		base:  base,
		patch: make(map[types.VenueID]types.PoolEdge, 4),
		floor: math.Inf(1),
	}
}

// put is only called while the Projector is still building the overlay.
func (o *Overlay) put(e types.PoolEdge) {
	o.patch[e.Venue] = e
	for _, t := range [2]types.Token{e.TokenA, e.TokenB} {
		if w, err := amm.Weight(&e, t); err == nil && w < o.floor {
			o.floor = w
		}
	}
}

// Neighbors returns the base neighbors with projected venues substituted.
func (o *Overlay) Neighbors(token types.Token) []types.PoolEdge {
	out := o.base.Neighbors(token)
	if len(o.patch) == 0 {
		return out
	}
	for i := range out {
		if e, ok := o.patch[out[i].Venue]; ok {
			out[i] = e
		}
	}
	return out
}

// Edge returns the projected edge if present, else the base edge.
func (o *Overlay) Edge(venue types.VenueID) (types.PoolEdge, bool) {
	if e, ok := o.patch[venue]; ok {
		return e, true
	}
	return o.base.Edge(venue)
}

// FloorWeight is the lower of the base floor and every projected weight.
func (o *Overlay) FloorWeight() float64 {
	return math.Min(o.base.FloorWeight(), o.floor)
}

// Len is the number of projected venues.
func (o *Overlay) Len() int { return len(o.patch) }

// Touched lists projected venues, sorted.
func (o *Overlay) Touched() []types.VenueID {
	out := make([]types.VenueID, 0, len(o.patch))
	for v := range o.patch {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return types.LessVenue(out[i], out[j]) })
	return out
}
