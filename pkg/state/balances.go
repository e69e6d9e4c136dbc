package state

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
)

// NativeBalance tracks the native asset held by the minter contract account
// together with the fee counters accumulated across finalized withdrawals.
// All arithmetic is checked: an overflow or underflow means the event log is
// corrupt and surfaces as an invariant error instead of wrapping silently.
type NativeBalance struct {
	// Balance is the native amount currently under custody.
	Balance *uint256.Int
	// TotalEffectiveTxFees is the cumulative gas actually burned by
	// finalized withdrawal transactions.
	TotalEffectiveTxFees *uint256.Int
	// TotalUnspentTxFees is the cumulative difference between the fee
	// charged to withdrawers and the fee effectively paid on chain.
	TotalUnspentTxFees *uint256.Int
}

func NewNativeBalance() NativeBalance {
	return NativeBalance{
		Balance:              uint256.NewInt(0),
		TotalEffectiveTxFees: uint256.NewInt(0),
		TotalUnspentTxFees:   uint256.NewInt(0),
	}
}

func (b *NativeBalance) Add(amount *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(b.Balance, amount)
	if overflow {
		return apperrors.InvariantError(nil, fmt.Sprintf("native balance overflow adding %s to %s", amount, b.Balance))
	}
	b.Balance = sum
	return nil
}

func (b *NativeBalance) Sub(amount *uint256.Int) error {
	if b.Balance.Lt(amount) {
		return apperrors.InvariantError(nil, fmt.Sprintf("native balance underflow subtracting %s from %s", amount, b.Balance))
	}
	b.Balance = new(uint256.Int).Sub(b.Balance, amount)
	return nil
}

func (b *NativeBalance) AddEffectiveTxFee(fee *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(b.TotalEffectiveTxFees, fee)
	if overflow {
		return apperrors.InvariantError(nil, "effective tx fee counter overflow")
	}
	b.TotalEffectiveTxFees = sum
	return nil
}

func (b *NativeBalance) AddUnspentTxFee(fee *uint256.Int) error {
	sum, overflow := new(uint256.Int).AddOverflow(b.TotalUnspentTxFees, fee)
	if overflow {
		return apperrors.InvariantError(nil, "unspent tx fee counter overflow")
	}
	b.TotalUnspentTxFees = sum
	return nil
}

func (b NativeBalance) Clone() NativeBalance {
	return NativeBalance{
		Balance:              new(uint256.Int).Set(b.Balance),
		TotalEffectiveTxFees: new(uint256.Int).Set(b.TotalEffectiveTxFees),
		TotalUnspentTxFees:   new(uint256.Int).Set(b.TotalUnspentTxFees),
	}
}

// Erc20Balances tracks per-contract ERC-20 custody. A missing entry and a
// zero entry are equivalent; Sub removes entries that reach zero.
type Erc20Balances map[common.Address]*uint256.Int

func (b Erc20Balances) Get(token common.Address) *uint256.Int {
	if v, ok := b[token]; ok {
		return new(uint256.Int).Set(v)
	}
	return uint256.NewInt(0)
}

func (b Erc20Balances) Add(token common.Address, amount *uint256.Int) error {
	cur, ok := b[token]
	if !ok {
		cur = uint256.NewInt(0)
	}
	sum, overflow := new(uint256.Int).AddOverflow(cur, amount)
	if overflow {
		return apperrors.InvariantError(nil, fmt.Sprintf("erc20 balance overflow for %s", token))
	}
	b[token] = sum
	return nil
}

func (b Erc20Balances) Sub(token common.Address, amount *uint256.Int) error {
	cur, ok := b[token]
	if !ok || cur.Lt(amount) {
		return apperrors.InvariantError(nil, fmt.Sprintf("erc20 balance underflow for %s subtracting %s", token, amount))
	}
	rest := new(uint256.Int).Sub(cur, amount)
	if rest.IsZero() {
		delete(b, token)
		return nil
	}
	b[token] = rest
	return nil
}

func (b Erc20Balances) Clone() Erc20Balances {
	out := make(Erc20Balances, len(b))
	for token, v := range b {
		out[token] = new(uint256.Int).Set(v)
	}
	return out
}
