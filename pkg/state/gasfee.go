package state

import (
	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/holiman/uint256"
)

// GasFeeEstimate is a point-in-time EIP-1559 fee estimate derived from fee
// history: the latest base fee and a median priority fee.
type GasFeeEstimate struct {
	BaseFee              *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// CheckedMaxFeePerGas doubles the base fee and adds the priority fee, leaving
// room for the base fee to double before the transaction becomes unmineable.
func (g GasFeeEstimate) CheckedMaxFeePerGas() (*uint256.Int, error) {
	doubled, overflow := new(uint256.Int).AddOverflow(g.BaseFee, g.BaseFee)
	if overflow {
		return nil, apperrors.InvariantError(nil, "max fee per gas overflow")
	}
	maxFee, overflow := new(uint256.Int).AddOverflow(doubled, g.MaxPriorityFeePerGas)
	if overflow {
		return nil, apperrors.InvariantError(nil, "max fee per gas overflow")
	}
	return maxFee, nil
}

// MinMaxFeePerGas is the lowest max fee at which the estimate considers a
// transaction still mineable: base fee plus priority fee, saturating.
func (g GasFeeEstimate) MinMaxFeePerGas() *uint256.Int {
	sum, overflow := new(uint256.Int).AddOverflow(g.BaseFee, g.MaxPriorityFeePerGas)
	if overflow {
		return maxUint256()
	}
	return sum
}

// ToPrice fixes the estimate into a transaction price for the given gas limit.
func (g GasFeeEstimate) ToPrice(gasLimit uint64) TransactionPrice {
	maxFee, err := g.CheckedMaxFeePerGas()
	if err != nil {
		maxFee = maxUint256()
	}
	return TransactionPrice{
		GasLimit:             gasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: new(uint256.Int).Set(g.MaxPriorityFeePerGas),
	}
}

// TransactionPrice is the priced gas envelope of a transaction.
type TransactionPrice struct {
	GasLimit             uint64
	MaxFeePerGas         *uint256.Int
	MaxPriorityFeePerGas *uint256.Int
}

// MaxTransactionFee is gas limit times max fee per gas, saturating on
// overflow so that callers comparing it against an amount always fail closed.
func (p TransactionPrice) MaxTransactionFee() *uint256.Int {
	fee, overflow := new(uint256.Int).MulOverflow(p.MaxFeePerGas, uint256.NewInt(p.GasLimit))
	if overflow {
		return maxUint256()
	}
	return fee
}

// ResubmitPrice returns the price to use when resubmitting a transaction
// under a fresh fee estimate. The current price is kept when it is still
// mineable; otherwise the priority fee is bumped by at least 10% (the node
// replacement threshold) and the max fee raised to cover it.
func (p TransactionPrice) ResubmitPrice(fee GasFeeEstimate) TransactionPrice {
	if p.MaxFeePerGas.Cmp(fee.MinMaxFeePerGas()) >= 0 &&
		p.MaxPriorityFeePerGas.Cmp(fee.MaxPriorityFeePerGas) >= 0 {
		return p
	}
	bumped := plusTenPercent(p.MaxPriorityFeePerGas)
	if bumped.Lt(fee.MaxPriorityFeePerGas) {
		bumped = new(uint256.Int).Set(fee.MaxPriorityFeePerGas)
	}
	newFee := GasFeeEstimate{BaseFee: fee.BaseFee, MaxPriorityFeePerGas: bumped}
	maxFee := newFee.MinMaxFeePerGas()
	if maxFee.Lt(p.MaxFeePerGas) {
		maxFee = new(uint256.Int).Set(p.MaxFeePerGas)
	}
	return TransactionPrice{
		GasLimit:             p.GasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: bumped,
	}
}

func plusTenPercent(amount *uint256.Int) *uint256.Int {
	tenth, rem := new(uint256.Int).DivMod(amount, uint256.NewInt(10), new(uint256.Int))
	if !rem.IsZero() {
		tenth.AddUint64(tenth, 1)
	}
	sum, overflow := new(uint256.Int).AddOverflow(amount, tenth)
	if overflow {
		return maxUint256()
	}
	return sum
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}
