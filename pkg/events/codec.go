package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEventType is returned when the stored discriminant has no variant
// in this build. Replay must stop: the log was written by a newer version.
var ErrUnknownEventType = errors.New("unknown event type")

// Marshal encodes a payload for storage, returning its discriminant and JSON
// body separately.
func Marshal(p Payload) (EventType, []byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return 0, nil, fmt.Errorf("encode %s event: %w", p.EventType(), err)
	}
	return p.EventType(), data, nil
}

// UnmarshalPayload decodes a stored payload. Unknown JSON fields are ignored
// so older builds' payloads extended by newer ones still decode; an unknown
// discriminant fails hard.
func UnmarshalPayload(t EventType, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case TypeInit:
		p = new(Init)
	case TypeUpgrade:
		p = new(Upgrade)
	case TypeAcceptedDeposit:
		p = new(AcceptedDeposit)
	case TypeInvalidDeposit:
		p = new(InvalidDeposit)
	case TypeMintedNative:
		p = new(MintedNative)
	case TypeSyncedToBlock:
		p = new(SyncedToBlock)
	case TypeSkippedBlock:
		p = new(SkippedBlock)
	case TypeAcceptedWithdrawalRequest:
		p = new(AcceptedWithdrawalRequest)
	case TypeCreatedTransaction:
		p = new(CreatedTransaction)
	case TypeSignedTransaction:
		p = new(SignedTransaction)
	case TypeReplacedTransaction:
		p = new(ReplacedTransaction)
	case TypeFinalizedTransaction:
		p = new(FinalizedTransaction)
	case TypeReimbursedWithdrawal:
		p = new(ReimbursedWithdrawal)
	case TypeQuarantinedDeposit:
		p = new(QuarantinedDeposit)
	case TypeQuarantinedReimbursement:
		p = new(QuarantinedReimbursement)
	case TypeAddedToken:
		p = new(AddedToken)
	case TypeAcceptedErc20Deposit:
		p = new(AcceptedErc20Deposit)
	case TypeAcceptedErc20WithdrawalRequest:
		p = new(AcceptedErc20WithdrawalRequest)
	case TypeMintedErc20:
		p = new(MintedErc20)
	case TypeReimbursedErc20Withdrawal:
		p = new(ReimbursedErc20Withdrawal)
	case TypeFailedErc20WithdrawalRequest:
		p = new(FailedErc20WithdrawalRequest)
	case TypeAcceptedWrappedBurn:
		p = new(AcceptedWrappedBurn)
	case TypeDeployedWrappedToken:
		p = new(DeployedWrappedToken)
	case TypeInvalidEvent:
		p = new(InvalidEvent)
	case TypeReceivedSwapOrder:
		p = new(ReceivedSwapOrder)
	case TypeQuarantinedSwapOrder:
		p = new(QuarantinedSwapOrder)
	case TypeReleasedWrappedBurn:
		p = new(ReleasedWrappedBurn)
	case TypeMintedToDex:
		p = new(MintedToDex)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownEventType, t)
	}
	if err := json.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("decode %s event: %w", t, err)
	}
	return p, nil
}
