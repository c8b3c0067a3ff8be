// ============================================================================
// FASTUNI: LOGARITHMIC UTILITIES FOR 256-BIT RESERVE MATHEMATICS
// ============================================================================
//
// Converts constant-product reserve ratios into additive search weights.
//
// Core capabilities:
//   - log₂ over 256-bit reserves via top-word normalization
//   - ln(a / b) with a log1p path for near-unity ratios
//   - Edge weights w = −ln((1 − fee) · out / in) for cycle search
//
// Architecture overview:
//   - Internal routines: footgun-mode with zero validation (maximum speed)
//   - Public API: input validation and error returns
//   - Polynomial approximation: 5th-order Horner method for ln(1+f)
//
// Precision model:
//   - Near-unity ratios (|r| < 1e-3) go through math.Log1p and are exact
//     to machine precision; everything else carries the polynomial error
//     (≈5e-5 in log₂). Search only ranks candidates; the verifier re-prices
//     every candidate with exact integer arithmetic.

package fastuni

import (
	"errors"
	"math"
	"math/bits"

	"github.com/holiman/uint256"

	"cyclearb/constants"
)

// ============================================================================
// ERROR DEFINITIONS
// ============================================================================

var (
	// ErrZeroValue indicates input value was zero (illegal for logarithmic operations).
	ErrZeroValue = errors.New("input value must be non-zero")

	// ErrOutOfRange indicates a fee outside [0, FeeDenominator).
	ErrOutOfRange = errors.New("input out of valid range")
)

// ============================================================================
// MATHEMATICAL CONSTANTS
// ============================================================================

const (
	ln2    = 0x1.62e42fefa39efp-1 // Natural logarithm of 2 (high precision)
	invLn2 = 1 / ln2              // Reciprocal of ln(2) for base conversion
)

// Polynomial coefficients for ln(1+f) approximation using Horner's method:
// ln(1+f) ≈ f·(c₁ + f·(c₂ + f·(c₃ + f·(c₄ + f·c₅))))
const (
	c1 = +0.9990102443771056
	c2 = -0.4891559897950173
	c3 = +0.2833026021012029
	c4 = -0.1301181019014788
	c5 = +0.0301022874045224
)

// IEEE 754 bit manipulation constants
const fracMask uint64 = (1<<52 - 1)

// nearUnity is the |a/b − 1| threshold below which log1p is used.
const nearUnity = 1e-3

// feeLn[bps] = ln(1 − bps/10000), precomputed for every legal fee.
var feeLn [constants.FeeDenominator]float64

func init() {
	for bps := range feeLn {
		feeLn[bps] = math.Log1p(-float64(bps) / constants.FeeDenominator)
	}
}

// ============================================================================
// INTERNAL COMPUTATION ROUTINES
// ============================================================================
//
// ⚠️  FOOTGUN WARNING: Internal functions assume valid input

// ln1pf computes ln(1+f) using a 5th-order Horner polynomial.
//
//go:norace
//go:nosplit
func ln1pf(f float64) float64 {
	t := f*c5 + c4
	t = f*t + c3
	t = f*t + c2
	t = f*t + c1
	return f * t
}

// log2u64 computes log₂(x) from the MSB position and a polynomial over the
// normalized mantissa: log₂(x) = k + log₂(m), x = 2ᵏ·m, m ∈ [1, 2).
//
// ⚠️  Precondition: x > 0
//
//go:norace
//go:nosplit
func log2u64(x uint64) float64 {
	k := 63 - bits.LeadingZeros64(x)
	lead := uint64(1) << k
	frac := x ^ lead

	if k > 52 {
		frac >>= uint(k - 52)
	} else {
		frac <<= uint(52 - k)
	}

	mBits := (uint64(1023) << 52) | (frac & fracMask)
	m := math.Float64frombits(mBits)
	return float64(k) + ln1pf(m-1)*invLn2
}

// top64 normalizes x to its leading 64 bits.
// Returns the word and the number of bits shifted out.
//
// ⚠️  Precondition: x ≠ 0
func top64(x *uint256.Int) (uint64, int) {
	n := x.BitLen()
	if n <= 64 {
		return x[0], 0
	}
	shift := n - 64
	var t uint256.Int
	t.Rsh(x, uint(shift))
	return t[0], shift
}

// log2u256 computes log₂ of a 256-bit integer.
//
// ⚠️  Precondition: x ≠ 0
func log2u256(x *uint256.Int) float64 {
	w, shift := top64(x)
	return float64(shift) + log2u64(w)
}

// ============================================================================
// PUBLIC API FUNCTIONS
// ============================================================================

// Float64 converts a 256-bit integer to the nearest-below float64.
func Float64(x *uint256.Int) float64 {
	if x == nil || x.IsZero() {
		return 0
	}
	w, shift := top64(x)
	return math.Ldexp(float64(w), shift)
}

// Log2 computes log₂(x) for a 256-bit integer.
func Log2(x *uint256.Int) (float64, error) {
	if x == nil || x.IsZero() {
		return 0, ErrZeroValue
	}
	return log2u256(x), nil
}

// LnReserveRatio computes ln(a / b).
//
// Algorithm selection:
//   - |a/b − 1| < 1e-3: math.Log1p on the float ratio (full precision)
//   - otherwise: log₂ difference scaled by ln(2)
func LnReserveRatio(a, b *uint256.Int) (float64, error) {
	if a == nil || b == nil || a.IsZero() || b.IsZero() {
		return 0, ErrZeroValue
	}

	r := Float64(a)/Float64(b) - 1
	if math.Abs(r) < nearUnity {
		return math.Log1p(r), nil
	}
	return (log2u256(a) - log2u256(b)) * ln2, nil
}

// FeeLn returns ln(1 − feeBps/10000).
func FeeLn(feeBps uint16) (float64, error) {
	if int(feeBps) >= len(feeLn) {
		return 0, ErrOutOfRange
	}
	return feeLn[feeBps], nil
}

// EdgeWeight returns the additive search weight of trading into a venue
// holding reserveIn and paying out of reserveOut:
//
//	w = −ln((1 − fee) · reserveOut / reserveIn)
//
// A cycle whose weights sum below zero compounds to a rate above 1.
func EdgeWeight(reserveIn, reserveOut *uint256.Int, feeBps uint16) (float64, error) {
	f, err := FeeLn(feeBps)
	if err != nil {
		return 0, err
	}
	lr, err := LnReserveRatio(reserveOut, reserveIn)
	if err != nil {
		return 0, err
	}
	return -(lr + f), nil
}
