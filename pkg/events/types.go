// Package events defines the durable event model of the minter. Every piece
// of minter state is reconstructed by folding these events in order, so the
// encoded form is a compatibility surface: variants carry an explicit numeric
// discriminant, payload decoding ignores unknown fields, and an unknown
// discriminant is a hard failure.
package events

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// EventType is the discriminant of the event tagged union. Values are part
// of the stored format and must never be renumbered.
type EventType uint16

const (
	TypeInit                           EventType = 0
	TypeUpgrade                        EventType = 1
	TypeAcceptedDeposit                EventType = 2
	TypeInvalidDeposit                 EventType = 3
	TypeMintedNative                   EventType = 4
	TypeSyncedToBlock                  EventType = 5
	TypeSkippedBlock                   EventType = 6
	TypeAcceptedWithdrawalRequest      EventType = 7
	TypeCreatedTransaction             EventType = 8
	TypeSignedTransaction              EventType = 9
	TypeReplacedTransaction            EventType = 10
	TypeFinalizedTransaction           EventType = 11
	TypeReimbursedWithdrawal           EventType = 12
	TypeQuarantinedDeposit             EventType = 13
	TypeQuarantinedReimbursement       EventType = 14
	TypeAddedToken                     EventType = 15
	TypeAcceptedErc20Deposit           EventType = 16
	TypeAcceptedErc20WithdrawalRequest EventType = 17
	TypeMintedErc20                    EventType = 18
	TypeReimbursedErc20Withdrawal      EventType = 19
	TypeFailedErc20WithdrawalRequest   EventType = 20
	TypeAcceptedWrappedBurn            EventType = 21
	TypeDeployedWrappedToken           EventType = 22
	TypeInvalidEvent                   EventType = 23
	TypeReceivedSwapOrder              EventType = 24
	TypeQuarantinedSwapOrder           EventType = 25
	TypeReleasedWrappedBurn            EventType = 26
	TypeMintedToDex                    EventType = 27
)

func (t EventType) String() string {
	switch t {
	case TypeInit:
		return "Init"
	case TypeUpgrade:
		return "Upgrade"
	case TypeAcceptedDeposit:
		return "AcceptedDeposit"
	case TypeInvalidDeposit:
		return "InvalidDeposit"
	case TypeMintedNative:
		return "MintedNative"
	case TypeSyncedToBlock:
		return "SyncedToBlock"
	case TypeSkippedBlock:
		return "SkippedBlock"
	case TypeAcceptedWithdrawalRequest:
		return "AcceptedWithdrawalRequest"
	case TypeCreatedTransaction:
		return "CreatedTransaction"
	case TypeSignedTransaction:
		return "SignedTransaction"
	case TypeReplacedTransaction:
		return "ReplacedTransaction"
	case TypeFinalizedTransaction:
		return "FinalizedTransaction"
	case TypeReimbursedWithdrawal:
		return "ReimbursedWithdrawal"
	case TypeQuarantinedDeposit:
		return "QuarantinedDeposit"
	case TypeQuarantinedReimbursement:
		return "QuarantinedReimbursement"
	case TypeAddedToken:
		return "AddedToken"
	case TypeAcceptedErc20Deposit:
		return "AcceptedErc20Deposit"
	case TypeAcceptedErc20WithdrawalRequest:
		return "AcceptedErc20WithdrawalRequest"
	case TypeMintedErc20:
		return "MintedErc20"
	case TypeReimbursedErc20Withdrawal:
		return "ReimbursedErc20Withdrawal"
	case TypeFailedErc20WithdrawalRequest:
		return "FailedErc20WithdrawalRequest"
	case TypeAcceptedWrappedBurn:
		return "AcceptedWrappedBurn"
	case TypeDeployedWrappedToken:
		return "DeployedWrappedToken"
	case TypeInvalidEvent:
		return "InvalidEvent"
	case TypeReceivedSwapOrder:
		return "ReceivedSwapOrder"
	case TypeQuarantinedSwapOrder:
		return "QuarantinedSwapOrder"
	case TypeReleasedWrappedBurn:
		return "ReleasedWrappedBurn"
	case TypeMintedToDex:
		return "MintedToDex"
	default:
		return "Unknown"
	}
}

// EventSource identifies the log that gave rise to an event. It is the sole
// deduplication key for everything observed on the EVM chain.
type EventSource struct {
	TxHash   common.Hash `json:"tx_hash"`
	LogIndex uint64      `json:"log_index"`
}

func (s EventSource) String() string {
	return s.TxHash.Hex() + ":" + hexutil.Uint64(s.LogIndex).String()
}

// Payload is one variant of the event tagged union.
type Payload interface {
	EventType() EventType
}

// Event is one entry of the durable log. Timestamp is unix nanoseconds,
// assigned once at append time and preserved verbatim on replay.
type Event struct {
	Timestamp int64
	Payload   Payload
}

// ContractEvent is implemented by payloads decoded from EVM logs. Their
// Source is what the deduplication sets are keyed by.
type ContractEvent interface {
	Payload
	Source() EventSource
	Block() uint64
}

// Init seeds an empty log. It must be the first event and must never recur.
type Init struct {
	ChainID             uint64          `json:"chain_id"`
	Network             string          `json:"network"`
	NativeSymbol        string          `json:"native_symbol"`
	HelperAddress       common.Address  `json:"helper_address"`
	LegacyHelperAddress *common.Address `json:"legacy_helper_address,omitempty"`
	LastScrapedBlock    uint64          `json:"last_scraped_block"`
	NextNonce           uint64          `json:"next_nonce"`
	MinWithdrawalAmount *uint256.Int    `json:"min_withdrawal_amount"`
	MinPriorityFee      *uint256.Int    `json:"min_priority_fee"`
}

func (*Init) EventType() EventType { return TypeInit }

// Upgrade overrides selected Init parameters mid-log. Nil fields keep their
// previous value.
type Upgrade struct {
	HelperAddress       *common.Address `json:"helper_address,omitempty"`
	LegacyHelperAddress *common.Address `json:"legacy_helper_address,omitempty"`
	LastScrapedBlock    *uint64         `json:"last_scraped_block,omitempty"`
	NextNonce           *uint64         `json:"next_nonce,omitempty"`
	MinWithdrawalAmount *uint256.Int    `json:"min_withdrawal_amount,omitempty"`
	MinPriorityFee      *uint256.Int    `json:"min_priority_fee,omitempty"`
}

func (*Upgrade) EventType() EventType { return TypeUpgrade }

// AcceptedDeposit records an observed native token deposit.
type AcceptedDeposit struct {
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint64         `json:"log_index"`
	FromAddress common.Address `json:"from_address"`
	Value       *uint256.Int   `json:"value"`
	To          Account        `json:"to"`
}

func (*AcceptedDeposit) EventType() EventType { return TypeAcceptedDeposit }
func (e *AcceptedDeposit) Source() EventSource {
	return EventSource{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
func (e *AcceptedDeposit) Block() uint64 { return e.BlockNumber }

// AcceptedErc20Deposit records an observed deposit of a supported ERC-20 token.
type AcceptedErc20Deposit struct {
	TxHash        common.Hash    `json:"tx_hash"`
	BlockNumber   uint64         `json:"block_number"`
	LogIndex      uint64         `json:"log_index"`
	FromAddress   common.Address `json:"from_address"`
	Value         *uint256.Int   `json:"value"`
	TokenContract common.Address `json:"token_contract"`
	To            Account        `json:"to"`
}

func (*AcceptedErc20Deposit) EventType() EventType { return TypeAcceptedErc20Deposit }
func (e *AcceptedErc20Deposit) Source() EventSource {
	return EventSource{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
func (e *AcceptedErc20Deposit) Block() uint64 { return e.BlockNumber }

// AcceptedWrappedBurn records a burn of a minter-deployed wrapped token. The
// burned amount is released on the settlement ledger.
type AcceptedWrappedBurn struct {
	TxHash          common.Hash    `json:"tx_hash"`
	BlockNumber     uint64         `json:"block_number"`
	LogIndex        uint64         `json:"log_index"`
	FromAddress     common.Address `json:"from_address"`
	Value           *uint256.Int   `json:"value"`
	WrappedContract common.Address `json:"wrapped_contract"`
	BaseToken       AccountID      `json:"base_token"`
	To              Account        `json:"to"`
}

func (*AcceptedWrappedBurn) EventType() EventType { return TypeAcceptedWrappedBurn }
func (e *AcceptedWrappedBurn) Source() EventSource {
	return EventSource{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
func (e *AcceptedWrappedBurn) Block() uint64 { return e.BlockNumber }

// DeployedWrappedToken records the deployment of a wrapped token contract for
// a settlement ledger token.
type DeployedWrappedToken struct {
	TxHash          common.Hash    `json:"tx_hash"`
	BlockNumber     uint64         `json:"block_number"`
	LogIndex        uint64         `json:"log_index"`
	BaseToken       AccountID      `json:"base_token"`
	WrappedContract common.Address `json:"wrapped_contract"`
}

func (*DeployedWrappedToken) EventType() EventType { return TypeDeployedWrappedToken }
func (e *DeployedWrappedToken) Source() EventSource {
	return EventSource{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
func (e *DeployedWrappedToken) Block() uint64 { return e.BlockNumber }

// ReceivedSwapOrder records a swap executed on the EVM side whose output was
// bridged to the minter for cross-chain settlement.
type ReceivedSwapOrder struct {
	TxHash      common.Hash    `json:"tx_hash"`
	BlockNumber uint64         `json:"block_number"`
	LogIndex    uint64         `json:"log_index"`
	FromAddress common.Address `json:"from_address"`
	// Recipient is the raw 32-byte recipient slot. Depending on the swap it
	// holds an EVM address or a ledger account identifier.
	Recipient common.Hash    `json:"recipient"`
	TokenIn   common.Address `json:"token_in"`
	TokenOut  common.Address `json:"token_out"`
	AmountIn  *uint256.Int   `json:"amount_in"`
	AmountOut *uint256.Int   `json:"amount_out"`
	// EncodedSwapData carries the follow-up swap legs, opaque to the minter.
	EncodedSwapData hexutil.Bytes `json:"encoded_swap_data"`
}

func (*ReceivedSwapOrder) EventType() EventType { return TypeReceivedSwapOrder }
func (e *ReceivedSwapOrder) Source() EventSource {
	return EventSource{TxHash: e.TxHash, LogIndex: e.LogIndex}
}
func (e *ReceivedSwapOrder) Block() uint64 { return e.BlockNumber }

// InvalidDeposit quarantines a log that matched a deposit signature but could
// not be decoded. The source is permanently excluded from minting.
type InvalidDeposit struct {
	EventSource EventSource `json:"event_source"`
	Reason      string      `json:"reason"`
}

func (*InvalidDeposit) EventType() EventType { return TypeInvalidDeposit }

// InvalidEvent quarantines a log carrying an unknown or malformed signature.
type InvalidEvent struct {
	EventSource EventSource `json:"event_source"`
	Reason      string      `json:"reason"`
}

func (*InvalidEvent) EventType() EventType { return TypeInvalidEvent }

// MintedNative records the settlement ledger credit for a native deposit.
type MintedNative struct {
	EventSource EventSource `json:"event_source"`
	MintIndex   uint64      `json:"mint_index"`
}

func (*MintedNative) EventType() EventType { return TypeMintedNative }

// MintedErc20 records the settlement ledger credit for an ERC-20 deposit.
type MintedErc20 struct {
	EventSource   EventSource    `json:"event_source"`
	MintIndex     uint64         `json:"mint_index"`
	TokenContract common.Address `json:"token_contract"`
}

func (*MintedErc20) EventType() EventType { return TypeMintedErc20 }

// ReleasedWrappedBurn records the settlement ledger release for a wrapped
// token burn.
type ReleasedWrappedBurn struct {
	EventSource  EventSource `json:"event_source"`
	ReleaseIndex uint64      `json:"release_index"`
}

func (*ReleasedWrappedBurn) EventType() EventType { return TypeReleasedWrappedBurn }

// MintedToDex records the settlement ledger credit of a swap order to the
// dex account.
type MintedToDex struct {
	EventSource EventSource `json:"event_source"`
	MintIndex   uint64      `json:"mint_index"`
	DexAccount  AccountID   `json:"dex_account"`
}

func (*MintedToDex) EventType() EventType { return TypeMintedToDex }

// QuarantinedDeposit marks a decoded deposit or burn whose ledger credit
// failed in a way that must not be retried automatically.
type QuarantinedDeposit struct {
	EventSource EventSource `json:"event_source"`
}

func (*QuarantinedDeposit) EventType() EventType { return TypeQuarantinedDeposit }

// QuarantinedSwapOrder marks a swap order whose dex credit failed permanently.
type QuarantinedSwapOrder struct {
	EventSource EventSource `json:"event_source"`
}

func (*QuarantinedSwapOrder) EventType() EventType { return TypeQuarantinedSwapOrder }

// SyncedToBlock advances the scrape watermark. All logs up to and including
// BlockNumber have been observed.
type SyncedToBlock struct {
	BlockNumber uint64 `json:"block_number"`
}

func (*SyncedToBlock) EventType() EventType { return TypeSyncedToBlock }

// SkippedBlock marks a block whose logs could not be retrieved and that the
// scraper deliberately stepped over.
type SkippedBlock struct {
	BlockNumber uint64 `json:"block_number"`
}

func (*SkippedBlock) EventType() EventType { return TypeSkippedBlock }

// AddedToken registers an ERC-20 token supported for deposits and withdrawals.
type AddedToken struct {
	TokenContract common.Address `json:"token_contract"`
	LedgerID      AccountID      `json:"ledger_id"`
	Symbol        string         `json:"symbol"`
	Decimals      uint8          `json:"decimals"`
}

func (*AddedToken) EventType() EventType { return TypeAddedToken }

// AcceptedWithdrawalRequest records a native token withdrawal request whose
// funds were burned on the settlement ledger.
type AcceptedWithdrawalRequest struct {
	WithdrawalAmount *uint256.Int   `json:"withdrawal_amount"`
	Destination      common.Address `json:"destination"`
	LedgerBurnIndex  uint64         `json:"ledger_burn_index"`
	From             Account        `json:"from"`
	CreatedAt        int64          `json:"created_at"`
}

func (*AcceptedWithdrawalRequest) EventType() EventType { return TypeAcceptedWithdrawalRequest }

// AcceptedErc20WithdrawalRequest records an ERC-20 withdrawal request. The
// transaction fee deposit was burned on the native ledger account and the
// token amount on the token's ledger.
type AcceptedErc20WithdrawalRequest struct {
	MaxTransactionFee *uint256.Int   `json:"max_transaction_fee"`
	WithdrawalAmount  *uint256.Int   `json:"withdrawal_amount"`
	TokenContract     common.Address `json:"token_contract"`
	LedgerID          AccountID      `json:"ledger_id"`
	Destination       common.Address `json:"destination"`
	LedgerBurnIndex   uint64         `json:"ledger_burn_index"`
	Erc20BurnIndex    uint64         `json:"erc20_burn_index"`
	From              Account        `json:"from"`
	CreatedAt         int64          `json:"created_at"`
}

func (*AcceptedErc20WithdrawalRequest) EventType() EventType {
	return TypeAcceptedErc20WithdrawalRequest
}

// CreatedTransaction records the priced EVM transaction for a withdrawal.
type CreatedTransaction struct {
	WithdrawalID uint64             `json:"withdrawal_id"`
	Transaction  TransactionRequest `json:"transaction"`
}

func (*CreatedTransaction) EventType() EventType { return TypeCreatedTransaction }

// SignedTransaction records the signed raw transaction for a withdrawal.
type SignedTransaction struct {
	WithdrawalID   uint64        `json:"withdrawal_id"`
	RawTransaction hexutil.Bytes `json:"raw_transaction"`
	Hash           common.Hash   `json:"hash"`
}

func (*SignedTransaction) EventType() EventType { return TypeSignedTransaction }

// ReplacedTransaction records a re-priced replacement for a transaction that
// lingered unmined.
type ReplacedTransaction struct {
	WithdrawalID uint64             `json:"withdrawal_id"`
	Transaction  TransactionRequest `json:"transaction"`
}

func (*ReplacedTransaction) EventType() EventType { return TypeReplacedTransaction }

// FinalizedTransaction records the receipt that settled a withdrawal on chain.
type FinalizedTransaction struct {
	WithdrawalID uint64  `json:"withdrawal_id"`
	Receipt      Receipt `json:"receipt"`
}

func (*FinalizedTransaction) EventType() EventType { return TypeFinalizedTransaction }

// ReimbursedWithdrawal records the ledger credit refunding a failed native
// withdrawal.
type ReimbursedWithdrawal struct {
	WithdrawalID uint64       `json:"withdrawal_id"`
	MintIndex    uint64       `json:"mint_index"`
	Amount       *uint256.Int `json:"amount"`
	TxHash       *common.Hash `json:"tx_hash,omitempty"`
}

func (*ReimbursedWithdrawal) EventType() EventType { return TypeReimbursedWithdrawal }

// ReimbursedErc20Withdrawal records the ledger credit refunding a failed
// ERC-20 withdrawal.
type ReimbursedErc20Withdrawal struct {
	WithdrawalID   uint64       `json:"withdrawal_id"`
	Erc20BurnIndex uint64       `json:"erc20_burn_index"`
	MintIndex      uint64       `json:"mint_index"`
	Amount         *uint256.Int `json:"amount"`
	TxHash         *common.Hash `json:"tx_hash,omitempty"`
}

func (*ReimbursedErc20Withdrawal) EventType() EventType { return TypeReimbursedErc20Withdrawal }

// FailedErc20WithdrawalRequest schedules the refund of an ERC-20 withdrawal
// that failed before a transaction was created.
type FailedErc20WithdrawalRequest struct {
	WithdrawalID uint64       `json:"withdrawal_id"`
	Amount       *uint256.Int `json:"amount"`
	To           Account      `json:"to"`
}

func (*FailedErc20WithdrawalRequest) EventType() EventType {
	return TypeFailedErc20WithdrawalRequest
}

// QuarantinedReimbursement marks a reimbursement whose ledger credit failed
// permanently. Funds stay parked until manual intervention.
type QuarantinedReimbursement struct {
	WithdrawalID   uint64  `json:"withdrawal_id"`
	Erc20BurnIndex *uint64 `json:"erc20_burn_index,omitempty"`
}

func (*QuarantinedReimbursement) EventType() EventType { return TypeQuarantinedReimbursement }
