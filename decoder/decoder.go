// Package decoder maps pending router calls to swap intents.
//
// Only the exact-input Uniswap V2 router entry points are understood. A
// transaction to any other address, or with any other selector, carries no
// intent and is skipped without error. Calldata that matches a known
// selector but does not unpack is a decode error.
package decoder

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"cyclearb/overlay"
	"cyclearb/types"
)

const routerABI = `[
 {"type":"function","name":"swapExactTokensForTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactTokensForTokensSupportingFeeOnTransferTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"swapExactTokensForETH","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactTokensForETHSupportingFeeOnTransferTokens","stateMutability":"nonpayable","inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]},
 {"type":"function","name":"swapExactETHForTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"type":"function","name":"swapExactETHForTokensSupportingFeeOnTransferTokens","stateMutability":"payable","inputs":[{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"outputs":[]}
]`

// Router describes one Uniswap V2 style deployment.
type Router struct {
	Name         string
	Address      common.Address
	Factory      common.Address
	InitCodeHash common.Hash
}

// UniswapV2 is the Ethereum mainnet deployment.
func UniswapV2() Router {
	return Router{
		Name:         "uniswap-v2",
		Address:      common.HexToAddress("0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D"),
		Factory:      common.HexToAddress("0x5C69bEe701ef814a2B6a3EDD4B1652CB9cc5aA6f"),
		InitCodeHash: common.HexToHash("0x96e8ac4277198ff8b6f785478aa9a39f403cb768dd02cbee326c3e7da348845f"),
	}
}

// Decoder resolves router calldata into swap intents.
type Decoder struct {
	abi     abi.ABI
	routers map[common.Address]Router
}

// New builds a decoder for the given routers.
func New(routers ...Router) (*Decoder, error) {
	parsed, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		return nil, fmt.Errorf("decoder: router abi: %w", err)
	}
	d := &Decoder{abi: parsed, routers: make(map[common.Address]Router, len(routers))}
	for _, r := range routers {
		d.routers[r.Address] = r
	}
	return d, nil
}

// Decode returns the intents of a pending transaction. (nil, nil) means the
// transaction does not touch a known router.
func (d *Decoder) Decode(tx types.PendingTx) ([]types.SwapIntent, error) {
	var t gethtypes.Transaction
	if err := t.UnmarshalBinary(tx.RawPayload); err != nil {
		return nil, &overlay.DecodeError{Index: -1, Reason: "transaction encoding", Err: err}
	}
	if t.To() == nil {
		return nil, nil
	}
	r, ok := d.routers[*t.To()]
	if !ok {
		return nil, nil
	}
	data := t.Data()
	if len(data) < 4 {
		return nil, nil
	}
	method, err := d.abi.MethodById(data[:4])
	if err != nil {
		return nil, nil
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, &overlay.DecodeError{Index: -1, Reason: method.Name + " calldata", Err: err}
	}

	var (
		amount *big.Int
		path   []common.Address
	)
	for i, in := range method.Inputs {
		switch in.Name {
		case "amountIn":
			amount, _ = args[i].(*big.Int)
		case "path":
			path, _ = args[i].([]common.Address)
		}
	}
	if method.Payable {
		amount = t.Value()
	}
	return intents(r, method.Name, amount, path)
}

func intents(r Router, method string, amount *big.Int, path []common.Address) ([]types.SwapIntent, error) {
	if len(path) < 2 {
		return nil, &overlay.DecodeError{Index: -1, Reason: fmt.Sprintf("%s path of length %d", method, len(path))}
	}
	if amount == nil {
		return nil, &overlay.DecodeError{Index: -1, Reason: method + " without input amount"}
	}
	in, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, &overlay.DecodeError{Index: -1, Reason: method + " input amount exceeds 256 bits"}
	}

	out := make([]types.SwapIntent, len(path)-1)
	for i := range out {
		a, b := path[i], path[i+1]
		if a == b {
			return nil, &overlay.DecodeError{Index: -1, Reason: fmt.Sprintf("%s path repeats %s", method, a.Hex())}
		}
		out[i] = types.SwapIntent{
			Venue:    PairFor(r.Factory, r.InitCodeHash, a, b),
			TokenIn:  a,
			TokenOut: b,
		}
	}
	out[0].AmountIn = in
	return out, nil
}

// PairFor derives the CREATE2 address of the pair holding a and b.
func PairFor(factory common.Address, initCodeHash common.Hash, a, b common.Address) common.Address {
	if types.LessVenue(b, a) {
		a, b = b, a
	}
	salt := crypto.Keccak256Hash(a[:], b[:])
	return crypto.CreateAddress2(factory, salt, initCodeHash[:])
}
