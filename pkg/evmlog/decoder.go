// Package evmlog decodes raw helper contract logs into domain events. Logs
// arrive from untrusted providers, so every byte is validated: the decoder is
// a set of pure, total functions that either produce a well-formed event or
// say precisely why they refuse to.
package evmlog

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/rpc"
)

// Event signature topics of the watched contracts.
var (
	// LegacyDepositTopic is the deposit event of the pre-migration helper:
	// DepositLog(address, address indexed, uint256 indexed, bytes32 indexed, bytes32).
	LegacyDepositTopic = common.HexToHash("0xdeaddf8708b62ae1bf8ec4693b523254aa961b2da6bc5be57f3188ee784d6275")
	// DepositAndBurnTopic is the unified event of the current helper:
	// TokenBurn(address indexed, uint256, bytes32 indexed, address indexed, bytes32).
	DepositAndBurnTopic = common.HexToHash("0x37199deebd336af9013dbddaaf9a68e337707bb4ed64cb45ed12841af85e0377")
	// WrappedDeployedTopic is WrappedTokenDeployed(bytes32 indexed, address indexed).
	WrappedDeployedTopic = common.HexToHash("0xe63ddf723173735772522be59b64b9c95be6eb8f14b87948f670ad6f8949ab2e")
	// SwapExecutedTopic is SwapExecuted(address, bytes32 indexed, address indexed,
	// address indexed, uint256, uint256, bool, bytes).
	SwapExecutedTopic = common.HexToHash("0xc33dada04354dd803ea44b93af35ba61d4bfa477f5f06c86b6a00cfc0c261bea")
)

// Topics returns every signature the scraper filters on.
func Topics() []common.Hash {
	return []common.Hash{
		LegacyDepositTopic,
		DepositAndBurnTopic,
		WrappedDeployedTopic,
		SwapExecutedTopic,
	}
}

// ErrPending marks a log whose block is not yet mined. Pending logs are
// neither valid nor invalid; they are simply not there yet.
var ErrPending = errors.New("log entry is not mined yet")

// ErrSameChainSwap marks a swap that settled on the EVM side without bridging
// funds to the minter. Such swaps are none of the minter's business.
var ErrSameChainSwap = errors.New("swap did not bridge to the minter")

// InvalidLogError is a permanent rejection. The source is quarantined so the
// same log is never re-examined.
type InvalidLogError struct {
	Source events.EventSource
	Reason string
}

func (e *InvalidLogError) Error() string {
	return fmt.Sprintf("invalid log %s: %s", e.Source, e.Reason)
}

// TokenRegistry answers what the minter currently supports. The decoder never
// fabricates events for tokens nobody registered.
type TokenRegistry interface {
	SupportsErc20(contract common.Address) bool
	WrappedBaseToken(contract common.Address) (events.AccountID, bool)
}

// BatchResult is the outcome of decoding one log window. One bad log never
// aborts the rest; each failure is accounted for individually.
type BatchResult struct {
	Events  []events.ContractEvent
	Invalid []*InvalidLogError
	Pending int
	Skipped int
}

// DecodeAll decodes every log independently, partitioning the outcomes.
func DecodeAll(entries []rpc.LogEntry, registry TokenRegistry) BatchResult {
	var res BatchResult
	for i := range entries {
		event, err := Decode(&entries[i], registry)
		switch {
		case err == nil:
			res.Events = append(res.Events, event)
		case errors.Is(err, ErrPending):
			res.Pending++
		case errors.Is(err, ErrSameChainSwap):
			res.Skipped++
		default:
			var invalid *InvalidLogError
			if errors.As(err, &invalid) {
				res.Invalid = append(res.Invalid, invalid)
			} else {
				res.Invalid = append(res.Invalid, &InvalidLogError{Reason: err.Error()})
			}
		}
	}
	return res
}

// Decode turns one raw log into a domain event.
func Decode(entry *rpc.LogEntry, registry TokenRegistry) (events.ContractEvent, error) {
	if !entry.Mined() {
		return nil, ErrPending
	}
	source := events.EventSource{
		TxHash:   *entry.TransactionHash,
		LogIndex: uint64(*entry.LogIndex),
	}
	if entry.Removed {
		return nil, &InvalidLogError{Source: source, Reason: "log was removed by a chain reorganization"}
	}
	if len(entry.Topics) == 0 {
		return nil, &InvalidLogError{Source: source, Reason: "log carries no event signature"}
	}

	blockNumber := uint64(*entry.BlockNumber)
	switch entry.Topics[0] {
	case LegacyDepositTopic:
		return decodeLegacyDeposit(entry, source, blockNumber, registry)
	case DepositAndBurnTopic:
		return decodeDepositAndBurn(entry, source, blockNumber, registry)
	case WrappedDeployedTopic:
		return decodeWrappedDeployed(entry, source, blockNumber)
	case SwapExecutedTopic:
		return decodeSwapExecuted(entry, source, blockNumber)
	default:
		return nil, &InvalidLogError{Source: source, Reason: "unknown event signature " + entry.Topics[0].Hex()}
	}
}

// decodeLegacyDeposit handles the old helper's DepositLog. Token, amount and
// recipient are indexed; sender and subaccount travel in the data words.
func decodeLegacyDeposit(entry *rpc.LogEntry, source events.EventSource, blockNumber uint64, registry TokenRegistry) (events.ContractEvent, error) {
	if len(entry.Topics) != 4 {
		return nil, &InvalidLogError{Source: source, Reason: fmt.Sprintf("expected 4 topics, got %d", len(entry.Topics))}
	}
	words, err := dataWords(entry.Data, 2, source)
	if err != nil {
		return nil, err
	}
	from, err := addressFromWord(words[0], source)
	if err != nil {
		return nil, err
	}
	token, err := addressFromWord(entry.Topics[1], source)
	if err != nil {
		return nil, err
	}
	value := new(uint256.Int).SetBytes32(entry.Topics[2][:])
	owner, err := accountFromSlot(entry.Topics[3], source)
	if err != nil {
		return nil, err
	}
	to := events.Account{Owner: owner, Subaccount: events.SubaccountFromBytes(words[1])}

	if token == (common.Address{}) {
		return &events.AcceptedDeposit{
			TxHash:      source.TxHash,
			BlockNumber: blockNumber,
			LogIndex:    source.LogIndex,
			FromAddress: from,
			Value:       value,
			To:          to,
		}, nil
	}
	if !registry.SupportsErc20(token) {
		return nil, &InvalidLogError{Source: source, Reason: "deposited token " + token.Hex() + " is not supported"}
	}
	return &events.AcceptedErc20Deposit{
		TxHash:        source.TxHash,
		BlockNumber:   blockNumber,
		LogIndex:      source.LogIndex,
		FromAddress:   from,
		Value:         value,
		TokenContract: token,
		To:            to,
	}, nil
}

// decodeDepositAndBurn handles the current helper's TokenBurn, which covers
// native deposits, ERC-20 deposits and wrapped token burns in one signature.
// The burned contract address decides which of the three it is.
func decodeDepositAndBurn(entry *rpc.LogEntry, source events.EventSource, blockNumber uint64, registry TokenRegistry) (events.ContractEvent, error) {
	if len(entry.Topics) != 4 {
		return nil, &InvalidLogError{Source: source, Reason: fmt.Sprintf("expected 4 topics, got %d", len(entry.Topics))}
	}
	words, err := dataWords(entry.Data, 2, source)
	if err != nil {
		return nil, err
	}
	from, err := addressFromWord(entry.Topics[1], source)
	if err != nil {
		return nil, err
	}
	owner, err := accountFromSlot(entry.Topics[2], source)
	if err != nil {
		return nil, err
	}
	token, err := addressFromWord(entry.Topics[3], source)
	if err != nil {
		return nil, err
	}
	value := new(uint256.Int).SetBytes32(words[0][:])
	to := events.Account{Owner: owner, Subaccount: events.SubaccountFromBytes(words[1])}

	if token == (common.Address{}) {
		return &events.AcceptedDeposit{
			TxHash:      source.TxHash,
			BlockNumber: blockNumber,
			LogIndex:    source.LogIndex,
			FromAddress: from,
			Value:       value,
			To:          to,
		}, nil
	}
	if registry.SupportsErc20(token) {
		return &events.AcceptedErc20Deposit{
			TxHash:        source.TxHash,
			BlockNumber:   blockNumber,
			LogIndex:      source.LogIndex,
			FromAddress:   from,
			Value:         value,
			TokenContract: token,
			To:            to,
		}, nil
	}
	if base, ok := registry.WrappedBaseToken(token); ok {
		return &events.AcceptedWrappedBurn{
			TxHash:          source.TxHash,
			BlockNumber:     blockNumber,
			LogIndex:        source.LogIndex,
			FromAddress:     from,
			Value:           value,
			WrappedContract: token,
			BaseToken:       base,
			To:              to,
		}, nil
	}
	return nil, &InvalidLogError{Source: source, Reason: "burnt token " + token.Hex() + " is not supported"}
}

func decodeWrappedDeployed(entry *rpc.LogEntry, source events.EventSource, blockNumber uint64) (events.ContractEvent, error) {
	if len(entry.Topics) != 3 {
		return nil, &InvalidLogError{Source: source, Reason: fmt.Sprintf("expected 3 topics, got %d", len(entry.Topics))}
	}
	if _, err := dataWords(entry.Data, 0, source); err != nil {
		return nil, err
	}
	base, err := accountFromSlot(entry.Topics[1], source)
	if err != nil {
		return nil, err
	}
	wrapped, err := addressFromWord(entry.Topics[2], source)
	if err != nil {
		return nil, err
	}
	return &events.DeployedWrappedToken{
		TxHash:          source.TxHash,
		BlockNumber:     blockNumber,
		LogIndex:        source.LogIndex,
		BaseToken:       base,
		WrappedContract: wrapped,
	}, nil
}

// decodeSwapExecuted handles SwapExecuted. The data section is four static
// words followed by ABI-encoded dynamic bytes; the offset is fixed by the
// signature, so anything else is forged data.
func decodeSwapExecuted(entry *rpc.LogEntry, source events.EventSource, blockNumber uint64) (events.ContractEvent, error) {
	if len(entry.Topics) != 4 {
		return nil, &InvalidLogError{Source: source, Reason: fmt.Sprintf("expected 4 topics, got %d", len(entry.Topics))}
	}
	tokenIn, err := addressFromWord(entry.Topics[2], source)
	if err != nil {
		return nil, err
	}
	tokenOut, err := addressFromWord(entry.Topics[3], source)
	if err != nil {
		return nil, err
	}
	fixed, encoded, err := swapExecutedData(entry.Data, source)
	if err != nil {
		return nil, err
	}
	from, err := addressFromWord(fixed[0], source)
	if err != nil {
		return nil, err
	}
	bridged, err := boolFromWord(fixed[3], source)
	if err != nil {
		return nil, err
	}
	if !bridged {
		return nil, ErrSameChainSwap
	}
	return &events.ReceivedSwapOrder{
		TxHash:          source.TxHash,
		BlockNumber:     blockNumber,
		LogIndex:        source.LogIndex,
		FromAddress:     from,
		Recipient:       entry.Topics[1],
		TokenIn:         tokenIn,
		TokenOut:        tokenOut,
		AmountIn:        new(uint256.Int).SetBytes32(fixed[1][:]),
		AmountOut:       new(uint256.Int).SetBytes32(fixed[2][:]),
		EncodedSwapData: encoded,
	}, nil
}

// dataWords splits the data payload into exactly n 32-byte words.
func dataWords(data []byte, n int, source events.EventSource) ([][32]byte, error) {
	if len(data) != 32*n {
		return nil, &InvalidLogError{
			Source: source,
			Reason: fmt.Sprintf("expected %d data bytes, got %d", 32*n, len(data)),
		}
	}
	words := make([][32]byte, n)
	for i := 0; i < n; i++ {
		copy(words[i][:], data[32*i:32*(i+1)])
	}
	return words, nil
}

// addressFromWord reads an address out of a 32-byte slot. The 12 leading
// bytes must be zero; anything else is not an address.
func addressFromWord(word [32]byte, source events.EventSource) (common.Address, error) {
	for _, b := range word[:12] {
		if b != 0 {
			return common.Address{}, &InvalidLogError{
				Source: source,
				Reason: "address slot has non-zero leading bytes",
			}
		}
	}
	return common.BytesToAddress(word[12:]), nil
}

// boolFromWord accepts only the canonical encodings of false and true.
func boolFromWord(word [32]byte, source events.EventSource) (bool, error) {
	if word == ([32]byte{}) {
		return false, nil
	}
	canonical := word[31] == 1
	for _, b := range word[:31] {
		if b != 0 {
			canonical = false
			break
		}
	}
	if !canonical {
		return false, &InvalidLogError{Source: source, Reason: "invalid bool encoding"}
	}
	return true, nil
}

// accountFromSlot decodes a ledger account identifier from a 32-byte slot:
// the first byte is the length in 1..=29, followed by the identifier bytes,
// with the remainder zero. Reserved identifiers are rejected here so they can
// never become a mint destination.
func accountFromSlot(word [32]byte, source events.EventSource) (events.AccountID, error) {
	n := int(word[0])
	if n == 0 {
		return nil, &InvalidLogError{Source: source, Reason: "account id length byte is zero"}
	}
	if n > events.MaxAccountIDLen {
		return nil, &InvalidLogError{
			Source: source,
			Reason: fmt.Sprintf("account id length %d exceeds %d", n, events.MaxAccountIDLen),
		}
	}
	for _, b := range word[1+n:] {
		if b != 0 {
			return nil, &InvalidLogError{Source: source, Reason: "account id has non-zero trailing bytes"}
		}
	}
	id := events.AccountID(append([]byte(nil), word[1:1+n]...))
	if err := id.Validate(); err != nil {
		return nil, &InvalidLogError{Source: source, Reason: err.Error()}
	}
	return id, nil
}

// swapExecutedData validates the SwapExecuted data layout: four static words,
// the dynamic-offset word (always 160), the byte length, the payload and its
// zero padding. Returns the static words and the exact payload.
func swapExecutedData(data []byte, source events.EventSource) ([4][32]byte, []byte, error) {
	var fixed [4][32]byte
	if len(data) < 192 {
		return fixed, nil, &InvalidLogError{
			Source: source,
			Reason: fmt.Sprintf("expected at least 192 data bytes, got %d", len(data)),
		}
	}
	for i := 0; i < 4; i++ {
		copy(fixed[i][:], data[32*i:32*(i+1)])
	}
	offset, err := wordToLen(data[128:160], source)
	if err != nil {
		return fixed, nil, err
	}
	if offset != 160 {
		return fixed, nil, &InvalidLogError{
			Source: source,
			Reason: fmt.Sprintf("expected dynamic data offset 160, got %d", offset),
		}
	}
	length, err := wordToLen(data[160:192], source)
	if err != nil {
		return fixed, nil, err
	}
	padded := (length + 31) / 32 * 32
	if len(data) != 192+padded {
		return fixed, nil, &InvalidLogError{
			Source: source,
			Reason: fmt.Sprintf("expected %d data bytes for payload length %d, got %d", 192+padded, length, len(data)),
		}
	}
	for _, b := range data[192+length : 192+padded] {
		if b != 0 {
			return fixed, nil, &InvalidLogError{Source: source, Reason: "non-zero bytes in payload padding"}
		}
	}
	payload := append([]byte(nil), data[192:192+length]...)
	return fixed, payload, nil
}

// wordToLen reads a length word that must fit comfortably in memory.
func wordToLen(word []byte, source events.EventSource) (int, error) {
	for _, b := range word[:28] {
		if b != 0 {
			return 0, &InvalidLogError{Source: source, Reason: "length word too large"}
		}
	}
	v := uint64(word[28])<<24 | uint64(word[29])<<16 | uint64(word[30])<<8 | uint64(word[31])
	return int(v), nil
}
