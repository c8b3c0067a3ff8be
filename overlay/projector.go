package overlay

import (
	"time"

	"cyclearb/amm"
	"cyclearb/constants"
	"cyclearb/types"

	"github.com/holiman/uint256"
)

// ProjectedTrade records one simulated hop of the pending transaction.
type ProjectedTrade struct {
	Venue     types.VenueID
	TokenIn   types.Token
	TokenOut  types.Token
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Before    types.PoolEdge
	After     types.PoolEdge
}

// Watermark is implemented by bases that know how far their whole state has
// been confirmed, independently of when each venue last changed.
type Watermark interface {
	ConfirmedThrough() time.Time
}

// Projector turns decoded swap intents into overlays over a base view.
type Projector struct {
	base      View
	mark      Watermark
	freshness time.Duration
	now       func() time.Time
}

// Option configures a Projector.
type Option func(*Projector)

// WithFreshness sets the maximum age of base reserves. Zero disables the check.
func WithFreshness(d time.Duration) Option {
	return func(p *Projector) { p.freshness = d }
}

// WithClock replaces time.Now for age checks.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// NewProjector builds a projector over base.
func NewProjector(base View, opts ...Option) *Projector {
	p := &Projector{
		base:      base,
		freshness: constants.DefaultFreshness,
		now:       time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	p.mark, _ = base.(Watermark)
	return p
}

// Project applies intents in transaction order on a fresh overlay.
// A nil AmountIn on any intent after the first consumes the previous output.
// The base view is only read.
func (p *Projector) Project(intents []types.SwapIntent) (*Overlay, []ProjectedTrade, error) {
	if len(intents) == 0 {
		return nil, nil, &DecodeError{Index: -1, Reason: "empty intent list"}
	}

	ov := newOverlay(p.base)
	trades := make([]ProjectedTrade, 0, len(intents))
	now := p.now()

	var carry *uint256.Int
	for i, in := range intents {
		amount := in.AmountIn
		if amount == nil {
			if carry == nil {
				return nil, nil, &DecodeError{Index: i, Venue: in.Venue, Reason: "missing input amount"}
			}
			amount = carry
		}

		cur, fromOverlay := ov.patch[in.Venue]
		if !fromOverlay {
			base, ok := p.base.Edge(in.Venue)
			if !ok {
				return nil, nil, &DecodeError{Index: i, Venue: in.Venue, Reason: "unknown venue"}
			}
			if err := p.checkFresh(&base, now); err != nil {
				return nil, nil, err
			}
			cur = base
		}

		if in.TokenIn == in.TokenOut || !cur.Has(in.TokenIn) || cur.Other(in.TokenIn) != in.TokenOut {
			return nil, nil, &DecodeError{Index: i, Venue: in.Venue, Reason: "token pair mismatch"}
		}

		next, out, err := amm.Apply(cur, in.TokenIn, amount)
		if err != nil {
			return nil, nil, &DecodeError{Index: i, Venue: in.Venue, Reason: "swap does not price", Err: err}
		}

		ov.put(next)
		trades = append(trades, ProjectedTrade{
			Venue:     in.Venue,
			TokenIn:   in.TokenIn,
			TokenOut:  in.TokenOut,
			AmountIn:  amount,
			AmountOut: out,
			Before:    cur,
			After:     next,
		})
		carry = out
	}
	return ov, trades, nil
}

func (p *Projector) checkFresh(e *types.PoolEdge, now time.Time) error {
	if e.Disabled {
		return &StaleStateError{Venue: e.Venue, Bound: p.freshness, Disabled: true}
	}
	if p.freshness <= 0 {
		return nil
	}
	// a venue that has not traded is still current as long as the feed is
	asOf := e.UpdatedAt
	if p.mark != nil {
		if m := p.mark.ConfirmedThrough(); m.After(asOf) {
			asOf = m
		}
	}
	if age := now.Sub(asOf); age > p.freshness {
		return &StaleStateError{Venue: e.Venue, Age: age, Bound: p.freshness}
	}
	return nil
}
