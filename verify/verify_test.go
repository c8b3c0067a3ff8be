package verify

import (
	"testing"
	"time"

	"cyclearb/amm"
	"cyclearb/types"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokA = common.HexToAddress("0x0a00000000000000000000000000000000000000")
	tokB = common.HexToAddress("0x0b00000000000000000000000000000000000000")
	tokC = common.HexToAddress("0x0c00000000000000000000000000000000000000")
)

func ether(n uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), uint256.NewInt(1e18))
}

// cycleOf builds a cycle from (tokenIn, reserveIn, reserveOut) legs.
func cycleOf(t *testing.T, fee uint16, legs ...[2]*uint256.Int) types.Cycle {
	t.Helper()
	toks := []types.Token{tokA, tokB, tokC, tokA}
	require.Len(t, legs, 3)
	cy := types.Cycle{Tokens: toks}
	for i, l := range legs {
		e := types.PoolEdge{
			Venue:    common.BigToAddress(uint256.NewInt(uint64(0xbeef + i)).ToBig()),
			TokenA:   toks[i],
			TokenB:   toks[i+1],
			ReserveA: l[0],
			ReserveB: l[1],
			FeeBps:   fee,
		}
		w, err := amm.Weight(&e, toks[i])
		require.NoError(t, err)
		cy.Hops = append(cy.Hops, types.Hop{Edge: e, TokenIn: toks[i], TokenOut: toks[i+1], Weight: w})
		cy.Weight += w
	}
	return cy
}

func mispriced(t *testing.T) types.Cycle {
	return cycleOf(t, 30,
		[2]*uint256.Int{ether(1000), ether(2000)},
		[2]*uint256.Int{ether(1000), ether(2000)},
		[2]*uint256.Int{ether(2000), ether(1000)},
	)
}

func flat(t *testing.T) types.Cycle {
	return cycleOf(t, 30,
		[2]*uint256.Int{ether(1000), ether(1000)},
		[2]*uint256.Int{ether(1000), ether(1000)},
		[2]*uint256.Int{ether(1000), ether(1000)},
	)
}

func newVerifier(t *testing.T, cost CostEstimator) *Verifier {
	t.Helper()
	v, err := New(DefaultConfig(), cost)
	require.NoError(t, err)
	return v
}

func profit(cy *types.Cycle, x *uint256.Int) (*uint256.Int, bool) {
	out := Simulate(cy, x)
	if !out.Gt(x) {
		return new(uint256.Int), false
	}
	return new(uint256.Int).Sub(out, x), true
}

func TestVerify_ProfitableCycle(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{})

	opp, err := v.Verify(cy, time.Time{})
	require.NoError(t, err)
	assert.NotEqual(t, [16]byte{}, [16]byte(opp.ID))
	assert.True(t, opp.ExpectedProfit.Sign() > 0)
	assert.Equal(t, cy.Venues(), opp.Venues)
	assert.Equal(t, new(uint256.Int).Sub(opp.ExpectedOutput, opp.InputAmount), opp.GrossProfit)
	assert.False(t, opp.InputAmount.Lt(DefaultConfig().MinAmount))
	assert.False(t, DefaultConfig().MaxAmount.Lt(opp.InputAmount))
}

func TestVerify_ExactProfitBoundedByImplied(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{})
	opp, err := v.Verify(cy, time.Time{})
	require.NoError(t, err)

	exact := opp.GrossProfit.Float64()
	implied := ImpliedProfit(&cy, opp.InputAmount)
	assert.LessOrEqual(t, exact, implied)
}

func TestVerify_OptimumIsLocalMaximum(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{})
	in, _ := v.Optimize(&cy)
	best, ok := profit(&cy, in)
	require.True(t, ok)

	step := new(uint256.Int).Div(in, uint256.NewInt(100))
	for _, x := range []*uint256.Int{
		new(uint256.Int).Add(in, step),
		new(uint256.Int).Sub(in, step),
		DefaultConfig().MinAmount,
		DefaultConfig().MaxAmount,
	} {
		p, _ := profit(&cy, x)
		assert.False(t, best.Lt(p), "profit at %s beats optimum at %s", x.Dec(), in.Dec())
	}
}

func TestVerify_Idempotent(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{})
	a, err := v.Verify(cy, time.Time{})
	require.NoError(t, err)
	b, err := v.Verify(cy, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, a.InputAmount, b.InputAmount)
	assert.Equal(t, a.ExpectedProfit, b.ExpectedProfit)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestVerify_RejectsFlatCycle(t *testing.T) {
	v := newVerifier(t, StaticCost{})
	_, err := v.Verify(flat(t), time.Time{})
	assert.ErrorIs(t, err, ErrNotProfitable)
}

func TestVerify_RejectsWhenCostExceedsProfit(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{Tip: ether(1_000_000)})
	_, err := v.Verify(cy, time.Time{})
	assert.ErrorIs(t, err, ErrNotProfitable)
}

func TestVerify_DiscoveryLatency(t *testing.T) {
	cy := mispriced(t)
	v := newVerifier(t, StaticCost{})
	seen := time.Unix(1_700_000_000, 0)
	v.now = func() time.Time { return seen.Add(3 * time.Millisecond) }

	opp, err := v.Verify(cy, seen)
	require.NoError(t, err)
	assert.Equal(t, 3*time.Millisecond, opp.DiscoveryLatency)
}

func TestVerify_EmptyCycle(t *testing.T) {
	v := newVerifier(t, StaticCost{})
	_, err := v.Verify(types.Cycle{}, time.Time{})
	assert.ErrorIs(t, err, ErrEmptyCycle)
}

func TestNew_RejectsBadRange(t *testing.T) {
	_, err := New(Config{MinAmount: uint256.NewInt(10), MaxAmount: uint256.NewInt(5)}, nil)
	assert.ErrorIs(t, err, ErrBadRange)

	_, err = New(Config{MinAmount: new(uint256.Int), MaxAmount: uint256.NewInt(5)}, nil)
	assert.ErrorIs(t, err, ErrBadRange)

	wide := new(uint256.Int).Lsh(uint256.NewInt(1), 200)
	_, err = New(Config{MinAmount: uint256.NewInt(1), MaxAmount: wide}, nil)
	assert.ErrorIs(t, err, ErrBadRange)
}

func TestOptimize_NarrowRange(t *testing.T) {
	cy := mispriced(t)
	v, err := New(Config{MinAmount: ether(1), MaxAmount: new(uint256.Int).AddUint64(ether(1), 2)}, nil)
	require.NoError(t, err)
	in, _ := v.Optimize(&cy)
	assert.Equal(t, new(uint256.Int).AddUint64(ether(1), 2), in, "profit still rising at 1 ether")
}

func TestOptimize_SkipsUnpricedLowEnd(t *testing.T) {
	// first hop returns nothing below 1e9/999 wei; the cycle as a whole doubles
	cy := cycleOf(t, 0,
		[2]*uint256.Int{uint256.NewInt(1e9), uint256.NewInt(1e3)},
		[2]*uint256.Int{uint256.NewInt(1e3), uint256.NewInt(1e12)},
		[2]*uint256.Int{uint256.NewInt(1e12), uint256.NewInt(2e9)},
	)
	const firstNonZero = 1_001_002
	require.True(t, Simulate(&cy, uint256.NewInt(firstNonZero-1)).IsZero())
	require.False(t, Simulate(&cy, uint256.NewInt(firstNonZero)).IsZero())

	// both ternary midpoints over the full range start in the unpriced stretch
	v, err := New(Config{MinAmount: uint256.NewInt(1), MaxAmount: uint256.NewInt(1_400_000)}, StaticCost{})
	require.NoError(t, err)

	in, out := v.Optimize(&cy)
	assert.Equal(t, uint256.NewInt(firstNonZero), in)
	assert.True(t, out.Gt(in))

	op, err := v.Verify(cy, time.Time{})
	require.NoError(t, err)
	assert.True(t, op.ExpectedProfit.Sign() > 0)
}

func TestOptimize_NothingPricesAnywhere(t *testing.T) {
	cy := cycleOf(t, 0,
		[2]*uint256.Int{uint256.NewInt(1e9), uint256.NewInt(1e3)},
		[2]*uint256.Int{uint256.NewInt(1e3), uint256.NewInt(1e12)},
		[2]*uint256.Int{uint256.NewInt(1e12), uint256.NewInt(2e9)},
	)
	v, err := New(Config{MinAmount: uint256.NewInt(1), MaxAmount: uint256.NewInt(1_000_000)}, StaticCost{})
	require.NoError(t, err)

	_, err = v.Verify(cy, time.Time{})
	assert.ErrorIs(t, err, ErrNotProfitable)
}

func TestStaticCost(t *testing.T) {
	cy := mispriced(t)
	c := StaticCost{BaseGas: 100, GasPerHop: 10, GasPrice: uint256.NewInt(7), Tip: uint256.NewInt(5)}
	got, err := c.Estimate(&cy)
	require.NoError(t, err)
	assert.Equal(t, uint256.NewInt((100+10*3)*7+5), got)

	zero, _ := StaticCost{}.Estimate(&cy)
	assert.True(t, zero.IsZero())

	d := DefaultStaticCost(uint256.NewInt(1), nil)
	got, _ = d.Estimate(&cy)
	assert.Equal(t, uint256.NewInt(60_000+65_000*3), got)
}
