package types

import (
	"bytes"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// ============================================================================
// IDENTIFIERS
// ============================================================================

// Token identifies a fungible asset by its 20-byte contract address.
type Token = common.Address

// VenueID identifies one liquidity pool by its pair contract address.
type VenueID = common.Address

// LessVenue orders venue ids byte-lexicographically.
// Used for every deterministic tie-break in the engine.
func LessVenue(a, b VenueID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// ============================================================================
// POOL EDGE - ONE VENUE BETWEEN TWO TOKENS
// ============================================================================

// PoolEdge is the value-type snapshot of a venue.
//
// Edges are never mutated in place once published: the store swaps whole
// edges, projection produces new ones. Reserve pointers are therefore
// treated as immutable by every reader.
type PoolEdge struct {
	Venue    VenueID
	TokenA   Token
	TokenB   Token
	ReserveA *uint256.Int
	ReserveB *uint256.Int
	FeeBps   uint16

	// Block and UpdatedAt describe the confirmed state this edge reflects.
	Block     uint64
	UpdatedAt time.Time

	// Disabled marks a venue whose last update was internally inconsistent.
	Disabled bool
}

// Usable reports whether the venue may take part in a search.
func (e *PoolEdge) Usable() bool {
	return !e.Disabled &&
		e.ReserveA != nil && e.ReserveB != nil &&
		!e.ReserveA.IsZero() && !e.ReserveB.IsZero()
}

// Has reports whether the token is one side of the venue.
func (e *PoolEdge) Has(t Token) bool {
	return e.TokenA == t || e.TokenB == t
}

// Other returns the opposite side of the venue.
// The result is meaningless if t is not one of the venue's tokens.
func (e *PoolEdge) Other(t Token) Token {
	if e.TokenA == t {
		return e.TokenB
	}
	return e.TokenA
}

// Reserves returns (reserveIn, reserveOut) for a trade entering with tokenIn.
func (e *PoolEdge) Reserves(tokenIn Token) (*uint256.Int, *uint256.Int) {
	if e.TokenA == tokenIn {
		return e.ReserveA, e.ReserveB
	}
	return e.ReserveB, e.ReserveA
}

// WithReserves returns a copy carrying new reserves for (tokenIn, tokenOut).
func (e PoolEdge) WithReserves(tokenIn Token, in, out *uint256.Int) PoolEdge {
	if e.TokenA == tokenIn {
		e.ReserveA, e.ReserveB = in, out
	} else {
		e.ReserveB, e.ReserveA = in, out
	}
	return e
}

// Clone deep-copies the reserve words.
func (e PoolEdge) Clone() PoolEdge {
	if e.ReserveA != nil {
		e.ReserveA = e.ReserveA.Clone()
	}
	if e.ReserveB != nil {
		e.ReserveB = e.ReserveB.Clone()
	}
	return e
}

// ============================================================================
// FEED EVENTS
// ============================================================================

// PendingTx is one unconfirmed transaction as delivered by the feed.
// RawPayload is the canonical binary (EIP-2718) encoding.
type PendingTx struct {
	Hash       common.Hash
	RawPayload []byte
	SeenAt     time.Time
}

// ReserveUpdate is one confirmed Sync(reserve0, reserve1) event.
// Reserve0 pairs with the lower-sorted token of the venue, as on chain.
type ReserveUpdate struct {
	Venue    VenueID
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
	Block    uint64
	TxIndex  uint64
	LogIndex uint64
}

// SwapIntent is the decoded effect of a pending transaction on one venue.
// A nil AmountIn on a non-first intent chains the previous hop's output.
type SwapIntent struct {
	Venue    VenueID
	TokenIn  Token
	TokenOut Token
	AmountIn *uint256.Int
}

// ============================================================================
// CYCLES AND OPPORTUNITIES
// ============================================================================

// Hop is one directed leg of a cycle with the edge snapshot it was priced on.
type Hop struct {
	Edge     PoolEdge
	TokenIn  Token
	TokenOut Token
	Weight   float64
}

// Cycle is a closed walk [t0, t1, ..., tk=t0] through the base token.
type Cycle struct {
	Tokens   []Token
	Hops     []Hop
	Weight   float64
	Degraded bool
}

// Len returns the hop count.
func (c *Cycle) Len() int { return len(c.Hops) }

// Rate returns the compounded marginal rate implied by the weight.
func (c *Cycle) Rate() float64 { return math.Exp(-c.Weight) }

// Venues lists the venue ids in hop order.
func (c *Cycle) Venues() []VenueID {
	out := make([]VenueID, len(c.Hops))
	for i := range c.Hops {
		out[i] = c.Hops[i].Edge.Venue
	}
	return out
}

// Opportunity is a verified, sized cycle ready for submission.
// Produced once by the verifier and consumed once by the sink.
type Opportunity struct {
	ID               uuid.UUID
	Cycle            Cycle
	Venues           []VenueID
	InputAmount      *uint256.Int
	ExpectedOutput   *uint256.Int
	GrossProfit      *uint256.Int
	ExecutionCost    *uint256.Int
	ExpectedProfit   *uint256.Int
	DiscoveryLatency time.Duration
	Degraded         bool
}

// ============================================================================
// OBSERVABILITY RECORD
// ============================================================================

// Outcome classifies how one pipeline run ended.
type Outcome string

const (
	OutcomeNoIntent         Outcome = "no_intent"
	OutcomeDecodeError      Outcome = "decode_error"
	OutcomeStaleState       Outcome = "stale_state"
	OutcomeNoCycle          Outcome = "no_cycle"
	OutcomeNotProfitable    Outcome = "not_profitable"
	OutcomeOpportunityFound Outcome = "opportunity_found"

	// OutcomeDropped is emitted by dispatch, not by a pipeline, when every
	// worker ring is full.
	OutcomeDropped Outcome = "dropped"
)

// Record is the structured result of one pipeline run.
type Record struct {
	TxHash      common.Hash
	Outcome     Outcome
	Latency     time.Duration
	Opportunity *Opportunity
	Degraded    bool
	Err         error
}
