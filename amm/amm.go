// ─────────────────────────────────────────────────────────────────────────────
// [Filename]: amm.go — Exact constant-product pricing for Uniswap V2 venues
//
// Purpose:
//   - Integer AmountOut with fee deduction, identical to the pair contract.
//   - Apply: post-trade edge for a hypothetical swap (never mutates input).
//   - Marginal rate / log weight bridge into the search engine.
//
// Notes:
//   - All arithmetic is 256-bit; products are checked for overflow.
//   - Fee is expressed in basis points over constants.FeeDenominator.
// ─────────────────────────────────────────────────────────────────────────────

package amm

import (
	"errors"

	"cyclearb/constants"
	"cyclearb/fastuni"
	"cyclearb/types"

	"github.com/holiman/uint256"
)

var (
	ErrZeroAmount            = errors.New("amm: zero input amount")
	ErrInsufficientLiquidity = errors.New("amm: insufficient liquidity")
	ErrUnknownToken          = errors.New("amm: token not traded by venue")
	ErrOverflow              = errors.New("amm: arithmetic overflow")
)

var feeDenominator = uint256.NewInt(constants.FeeDenominator)

// AmountOut prices a single swap:
//
//	inFee = amountIn·(10000−fee)
//	out   = inFee·reserveOut / (reserveIn·10000 + inFee)
//
// The result is rounded down, exactly like the on-chain getAmountOut.
func AmountOut(amountIn, reserveIn, reserveOut *uint256.Int, feeBps uint16) (*uint256.Int, error) {
	if amountIn == nil || amountIn.IsZero() {
		return nil, ErrZeroAmount
	}
	if reserveIn == nil || reserveOut == nil || reserveIn.IsZero() || reserveOut.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	if uint64(feeBps) >= constants.FeeDenominator {
		return nil, ErrInsufficientLiquidity
	}

	inFee, over := new(uint256.Int).MulOverflow(amountIn, uint256.NewInt(constants.FeeDenominator-uint64(feeBps)))
	if over {
		return nil, ErrOverflow
	}
	num, over := new(uint256.Int).MulOverflow(inFee, reserveOut)
	if over {
		return nil, ErrOverflow
	}
	den, over := new(uint256.Int).MulOverflow(reserveIn, feeDenominator)
	if over {
		return nil, ErrOverflow
	}
	if _, over = den.AddOverflow(den, inFee); over {
		return nil, ErrOverflow
	}

	out := num.Div(num, den)
	if out.IsZero() {
		return nil, ErrInsufficientLiquidity
	}
	return out, nil
}

// Quote is AmountOut against one side of an edge.
func Quote(edge *types.PoolEdge, tokenIn types.Token, amountIn *uint256.Int) (*uint256.Int, error) {
	if !edge.Has(tokenIn) {
		return nil, ErrUnknownToken
	}
	rIn, rOut := edge.Reserves(tokenIn)
	return AmountOut(amountIn, rIn, rOut, edge.FeeBps)
}

// Apply returns the edge as it would look after swapping amountIn of tokenIn
// through it, plus the amount received. The input edge is left untouched.
func Apply(edge types.PoolEdge, tokenIn types.Token, amountIn *uint256.Int) (types.PoolEdge, *uint256.Int, error) {
	out, err := Quote(&edge, tokenIn, amountIn)
	if err != nil {
		return edge, nil, err
	}
	rIn, rOut := edge.Reserves(tokenIn)

	newIn, over := new(uint256.Int).AddOverflow(rIn, amountIn)
	if over {
		return edge, nil, ErrOverflow
	}
	newOut := new(uint256.Int).Sub(rOut, out)

	return edge.WithReserves(tokenIn, newIn, newOut), out, nil
}

// MarginalRate is the infinitesimal exchange rate net of fee:
// (1−fee)·reserveOut/reserveIn.
func MarginalRate(edge *types.PoolEdge, tokenIn types.Token) float64 {
	if !edge.Usable() || !edge.Has(tokenIn) {
		return 0
	}
	rIn, rOut := edge.Reserves(tokenIn)
	fee := 1 - float64(edge.FeeBps)/constants.FeeDenominator
	return fee * fastuni.Float64(rOut) / fastuni.Float64(rIn)
}

// Weight is −ln(MarginalRate). Cycles with negative total weight are
// profitable at the margin.
func Weight(edge *types.PoolEdge, tokenIn types.Token) (float64, error) {
	if !edge.Has(tokenIn) {
		return 0, ErrUnknownToken
	}
	if !edge.Usable() {
		return 0, ErrInsufficientLiquidity
	}
	rIn, rOut := edge.Reserves(tokenIn)
	return fastuni.EdgeWeight(rIn, rOut, edge.FeeBps)
}
