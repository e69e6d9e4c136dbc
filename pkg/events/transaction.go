package events

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// TransactionRequest is the stored form of an EIP-1559 transaction created
// for a withdrawal, before signing.
type TransactionRequest struct {
	ChainID              uint64         `json:"chain_id"`
	Nonce                uint64         `json:"nonce"`
	MaxPriorityFeePerGas *uint256.Int   `json:"max_priority_fee_per_gas"`
	MaxFeePerGas         *uint256.Int   `json:"max_fee_per_gas"`
	GasLimit             uint64         `json:"gas_limit"`
	Destination          common.Address `json:"destination"`
	Amount               *uint256.Int   `json:"amount"`
	Data                 hexutil.Bytes  `json:"data,omitempty"`
}

// MaxTransactionFee is the amount charged up front for the transaction:
// max fee per gas times gas limit.
func (tx *TransactionRequest) MaxTransactionFee() (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(tx.MaxFeePerGas, uint256.NewInt(tx.GasLimit))
	if overflow {
		return nil, fmt.Errorf("max transaction fee overflows: %s * %d", tx.MaxFeePerGas, tx.GasLimit)
	}
	return fee, nil
}

// Clone returns a deep copy.
func (tx *TransactionRequest) Clone() *TransactionRequest {
	if tx == nil {
		return nil
	}
	out := *tx
	out.MaxPriorityFeePerGas = new(uint256.Int).Set(tx.MaxPriorityFeePerGas)
	out.MaxFeePerGas = new(uint256.Int).Set(tx.MaxFeePerGas)
	out.Amount = new(uint256.Int).Set(tx.Amount)
	out.Data = append(hexutil.Bytes(nil), tx.Data...)
	return &out
}

// Equal compares every field.
func (tx *TransactionRequest) Equal(other *TransactionRequest) bool {
	if tx == nil || other == nil {
		return tx == other
	}
	return tx.ChainID == other.ChainID &&
		tx.Nonce == other.Nonce &&
		tx.MaxPriorityFeePerGas.Eq(other.MaxPriorityFeePerGas) &&
		tx.MaxFeePerGas.Eq(other.MaxFeePerGas) &&
		tx.GasLimit == other.GasLimit &&
		tx.Destination == other.Destination &&
		tx.Amount.Eq(other.Amount) &&
		string(tx.Data) == string(other.Data)
}

// ReceiptStatus is the execution outcome recorded in a transaction receipt.
type ReceiptStatus uint8

const (
	ReceiptStatusFailure ReceiptStatus = 0
	ReceiptStatusSuccess ReceiptStatus = 1
)

func (s ReceiptStatus) String() string {
	if s == ReceiptStatusSuccess {
		return "Success"
	}
	return "Failure"
}

// Receipt is the stored subset of a transaction receipt needed to finalize a
// withdrawal and account for its effective cost.
type Receipt struct {
	BlockHash         common.Hash   `json:"block_hash"`
	BlockNumber       uint64        `json:"block_number"`
	EffectiveGasPrice *uint256.Int  `json:"effective_gas_price"`
	GasUsed           uint64        `json:"gas_used"`
	Status            ReceiptStatus `json:"status"`
	TxHash            common.Hash   `json:"tx_hash"`
}

// Clone returns a deep copy.
func (r *Receipt) Clone() *Receipt {
	if r == nil {
		return nil
	}
	out := *r
	out.EffectiveGasPrice = new(uint256.Int).Set(r.EffectiveGasPrice)
	return &out
}

// EffectiveTransactionFee is what the transaction actually cost on chain.
func (r *Receipt) EffectiveTransactionFee() (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(r.EffectiveGasPrice, uint256.NewInt(r.GasUsed))
	if overflow {
		return nil, fmt.Errorf("effective transaction fee overflows: %s * %d", r.EffectiveGasPrice, r.GasUsed)
	}
	return fee, nil
}
