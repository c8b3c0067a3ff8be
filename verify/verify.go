// ════════════════════════════════════════════════════════════════════════════════════════════════
// ✅ OPPORTUNITY VERIFIER
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Pending-Transaction Cycle Arbitrage Engine
// Component: Exact re-pricing and input sizing
//
// Description:
//   The search engine ranks cycles by marginal log weights, which ignore curve convexity.
//   The verifier replays a cycle through the integer AMM formula, finds the profit-maximising
//   input with a ternary search over [MinAmount, MaxAmount], subtracts execution cost and
//   either rejects the cycle or emits an Opportunity.
//
// Notes:
//   - Profit is compared as out1+in2 vs out2+in1, so no signed arithmetic is needed.
//   - Deterministic: identical reserves always yield the identical input amount.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package verify

import (
	"errors"
	"fmt"
	"math"
	"time"

	"cyclearb/amm"
	"cyclearb/constants"
	"cyclearb/fastuni"
	"cyclearb/types"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

var (
	ErrNotProfitable = errors.New("verify: not profitable")
	ErrEmptyCycle    = errors.New("verify: empty cycle")
	ErrBadRange      = errors.New("verify: invalid amount range")
)

// maxAmountBits keeps out+in sums far away from 256-bit wraparound.
const maxAmountBits = 192

// Config bounds the input search.
type Config struct {
	MinAmount     *uint256.Int
	MaxAmount     *uint256.Int
	MaxIterations int
}

// DefaultConfig searches between 0.001 and 1,000 units of an 18-decimal base token.
func DefaultConfig() Config {
	return Config{
		MinAmount:     uint256.NewInt(1e15),
		MaxAmount:     new(uint256.Int).Mul(uint256.NewInt(1_000), uint256.NewInt(1e18)),
		MaxIterations: constants.MaxTernaryIterations,
	}
}

// Verifier is stateless and safe for concurrent use.
type Verifier struct {
	cfg  Config
	cost CostEstimator
	now  func() time.Time
}

// New validates the range and returns a verifier.
func New(cfg Config, cost CostEstimator) (*Verifier, error) {
	if cfg.MinAmount == nil || cfg.MaxAmount == nil || cfg.MinAmount.IsZero() || cfg.MaxAmount.Lt(cfg.MinAmount) {
		return nil, ErrBadRange
	}
	if cfg.MaxAmount.BitLen() > maxAmountBits {
		return nil, fmt.Errorf("%w: max amount wider than %d bits", ErrBadRange, maxAmountBits)
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = constants.MaxTernaryIterations
	}
	if cost == nil {
		cost = StaticCost{}
	}
	return &Verifier{cfg: cfg, cost: cost, now: time.Now}, nil
}

// Simulate pushes amountIn around the cycle and returns what comes back.
// A hop that prices to nothing yields zero.
func Simulate(cycle *types.Cycle, amountIn *uint256.Int) *uint256.Int {
	amt := amountIn
	for i := range cycle.Hops {
		h := &cycle.Hops[i]
		out, err := amm.Quote(&h.Edge, h.TokenIn, amt)
		if err != nil {
			return new(uint256.Int)
		}
		amt = out
	}
	return amt
}

// ImpliedProfit is the log-weight linear estimate x·(e^−W − 1). Curve
// convexity makes it an upper bound on the exact profit at the same x.
func ImpliedProfit(cycle *types.Cycle, amountIn *uint256.Int) float64 {
	return fastuni.Float64(amountIn) * math.Expm1(-cycle.Weight)
}

// less reports profit(x1) < profit(x2), i.e. out1+x2 < out2+x1.
func less(x1, out1, x2, out2 *uint256.Int) bool {
	l := new(uint256.Int).Add(out1, x2)
	r := new(uint256.Int).Add(out2, x1)
	return l.Lt(r)
}

// firstPriced is the smallest input in [lo, hi] that brings anything back.
// Output is non-decreasing in input, so a binary search finds it. Below it
// profit is −x, a slope the ternary search would climb the wrong way.
func firstPriced(cycle *types.Cycle, lo, hi *uint256.Int) (*uint256.Int, bool) {
	if Simulate(cycle, hi).IsZero() {
		return nil, false
	}
	if !Simulate(cycle, lo).IsZero() {
		return lo, true
	}
	// invariant: Simulate(lo) == 0, Simulate(hi) > 0
	lo, hi = lo.Clone(), hi.Clone()
	mid := new(uint256.Int)
	for {
		if new(uint256.Int).Sub(hi, lo).LtUint64(2) {
			return hi, true
		}
		mid.Sub(hi, lo).Rsh(mid, 1).Add(mid, lo)
		if Simulate(cycle, mid).IsZero() {
			lo.Set(mid)
		} else {
			hi.Set(mid)
		}
	}
}

// Optimize returns the profit-maximising input within the configured range
// and the output it produces.
func (v *Verifier) Optimize(cycle *types.Cycle) (*uint256.Int, *uint256.Int) {
	hi := v.cfg.MaxAmount.Clone()
	lo, ok := firstPriced(cycle, v.cfg.MinAmount, hi)
	if !ok {
		x := v.cfg.MinAmount.Clone()
		return x, Simulate(cycle, x)
	}
	lo = lo.Clone()
	three := uint256.NewInt(3)

	span := new(uint256.Int)
	third := new(uint256.Int)
	for i := 0; i < v.cfg.MaxIterations; i++ {
		span.Sub(hi, lo)
		if span.LtUint64(3) {
			break
		}
		third.Div(span, three)
		m1 := new(uint256.Int).Add(lo, third)
		m2 := new(uint256.Int).Sub(hi, third)
		if less(m1, Simulate(cycle, m1), m2, Simulate(cycle, m2)) {
			lo = m1.AddUint64(m1, 1)
		} else {
			hi = m2
		}
	}

	// settle the last few integers exhaustively
	best := lo.Clone()
	bestOut := Simulate(cycle, best)
	for x := new(uint256.Int).AddUint64(lo, 1); !hi.Lt(x); x = new(uint256.Int).AddUint64(x, 1) {
		out := Simulate(cycle, x)
		if less(best, bestOut, x, out) {
			best, bestOut = x, out
		}
	}
	return best, bestOut
}

// Verify sizes the cycle and subtracts execution cost. seenAt is when the
// originating transaction was observed.
func (v *Verifier) Verify(cycle types.Cycle, seenAt time.Time) (*types.Opportunity, error) {
	if cycle.Len() == 0 {
		return nil, ErrEmptyCycle
	}

	in, out := v.Optimize(&cycle)
	if !out.Gt(in) {
		return nil, fmt.Errorf("%w: best output %s for input %s", ErrNotProfitable, out.Dec(), in.Dec())
	}
	gross := new(uint256.Int).Sub(out, in)

	cost, err := v.cost.Estimate(&cycle)
	if err != nil {
		return nil, fmt.Errorf("verify: cost estimate: %w", err)
	}
	if !gross.Gt(cost) {
		return nil, fmt.Errorf("%w: gross %s does not cover cost %s", ErrNotProfitable, gross.Dec(), cost.Dec())
	}

	opp := &types.Opportunity{
		ID:             uuid.New(),
		Cycle:          cycle,
		Venues:         cycle.Venues(),
		InputAmount:    in,
		ExpectedOutput: out,
		GrossProfit:    gross,
		ExecutionCost:  cost,
		ExpectedProfit: new(uint256.Int).Sub(gross, cost),
		Degraded:       cycle.Degraded,
	}
	if !seenAt.IsZero() {
		opp.DiscoveryLatency = v.now().Sub(seenAt)
	}
	return opp, nil
}
