package rpc

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// BlockSpec selects the block a query runs against: a tag such as "latest"
// or "finalized", or an explicit height.
type BlockSpec = gethrpc.BlockNumber

// BlockNumber returns the BlockSpec for an explicit height.
func BlockNumber(n uint64) BlockSpec {
	return BlockSpec(n) //nolint:gosec // heights fit in int64 for any real chain
}

// Block is the subset of an eth_getBlockByNumber response the minter reads.
// Unknown fields returned by a provider are ignored; known fields must decode.
type Block struct {
	Number        hexutil.Uint64 `json:"number"`
	Timestamp     hexutil.Uint64 `json:"timestamp"`
	BaseFeePerGas *hexutil.Big   `json:"baseFeePerGas"`
}

// LogEntry is an eth_getLogs entry. The position fields are pointers because
// a log from a pending block carries none of them; the decoder treats such
// entries as retry-later rather than invalid.
type LogEntry struct {
	Address common.Address `json:"address"`
	Topics  []common.Hash  `json:"topics"`
	Data    hexutil.Bytes  `json:"data"`

	BlockNumber      *hexutil.Uint64 `json:"blockNumber"`
	TransactionHash  *common.Hash    `json:"transactionHash"`
	TransactionIndex *hexutil.Uint64 `json:"transactionIndex"`
	BlockHash        *common.Hash    `json:"blockHash"`
	LogIndex         *hexutil.Uint64 `json:"logIndex"`

	Removed bool `json:"removed"`
}

// Mined reports whether every position field is present.
func (l *LogEntry) Mined() bool {
	return l.BlockNumber != nil &&
		l.TransactionHash != nil &&
		l.TransactionIndex != nil &&
		l.BlockHash != nil &&
		l.LogIndex != nil
}

// TransactionReceipt is the subset of an eth_getTransactionReceipt response
// used to finalize withdrawals.
type TransactionReceipt struct {
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       hexutil.Uint64 `json:"blockNumber"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	Status            hexutil.Uint64 `json:"status"`
	TransactionHash   common.Hash    `json:"transactionHash"`
}

// FeeHistory is an eth_feeHistory response. BaseFeePerGas has one more entry
// than the requested block count: the last entry is the base fee of the block
// after the newest requested one.
type FeeHistory struct {
	OldestBlock   hexutil.Uint64   `json:"oldestBlock"`
	BaseFeePerGas []*hexutil.Big   `json:"baseFeePerGas"`
	GasUsedRatio  []float64        `json:"gasUsedRatio"`
	Reward        [][]*hexutil.Big `json:"reward"`
}

// SendOutcome is the normalized result of eth_sendRawTransaction. Providers
// that already saw the transaction answer differently from the one that
// accepted it first, so raw responses never agree; outcomes do.
type SendOutcome uint8

const (
	// SendOk means the transaction is in the pool (or already known).
	SendOk SendOutcome = iota
	// SendNonceTooLow means a transaction with this nonce is already mined.
	// During resubmission this is success by another name.
	SendNonceTooLow
	// SendNonceTooHigh means the nonce is ahead of the sender account.
	SendNonceTooHigh
	// SendInsufficientFunds means the sender cannot cover value plus fee.
	SendInsufficientFunds
)

func (o SendOutcome) String() string {
	switch o {
	case SendOk:
		return "Ok"
	case SendNonceTooLow:
		return "NonceTooLow"
	case SendNonceTooHigh:
		return "NonceTooHigh"
	case SendInsufficientFunds:
		return "InsufficientFunds"
	default:
		return "Unknown"
	}
}

// getLogsParam is the single positional argument of eth_getLogs.
type getLogsParam struct {
	FromBlock BlockSpec        `json:"fromBlock"`
	ToBlock   BlockSpec        `json:"toBlock"`
	Address   []common.Address `json:"address"`
	Topics    [][]common.Hash  `json:"topics,omitempty"`
}
