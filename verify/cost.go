package verify

import (
	"cyclearb/constants"
	"cyclearb/types"

	"github.com/holiman/uint256"
)

// CostEstimator prices executing a cycle, in base-token units.
type CostEstimator interface {
	Estimate(cycle *types.Cycle) (*uint256.Int, error)
}

// StaticCost charges (BaseGas + GasPerHop·hops)·GasPrice + Tip.
type StaticCost struct {
	BaseGas   uint64
	GasPerHop uint64
	GasPrice  *uint256.Int
	Tip       *uint256.Int
}

// DefaultStaticCost uses stock gas figures at the given price.
func DefaultStaticCost(gasPrice, tip *uint256.Int) StaticCost {
	return StaticCost{
		BaseGas:   constants.DefaultBaseGas,
		GasPerHop: constants.DefaultGasPerHop,
		GasPrice:  gasPrice,
		Tip:       tip,
	}
}

func (s StaticCost) Estimate(cycle *types.Cycle) (*uint256.Int, error) {
	gas := s.BaseGas + s.GasPerHop*uint64(cycle.Len())
	cost := new(uint256.Int)
	if s.GasPrice != nil {
		cost.Mul(uint256.NewInt(gas), s.GasPrice)
	}
	if s.Tip != nil {
		cost.Add(cost, s.Tip)
	}
	return cost, nil
}
