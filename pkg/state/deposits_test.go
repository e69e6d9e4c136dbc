package state

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/chainsafe/evm-minter/pkg/events"
)

func TestDepositStatusesReportsLifecycle(t *testing.T) {
	s := newTestState(t)
	txHash := common.Hash{9}

	logAt := func(logIndex uint64, value uint64) *events.AcceptedDeposit {
		return &events.AcceptedDeposit{
			TxHash:      txHash,
			BlockNumber: 120,
			LogIndex:    logIndex,
			FromAddress: testDest,
			Value:       uint256.NewInt(value),
			To:          testAccount(9),
		}
	}

	pending := logAt(0, 100)
	minted := logAt(1, 200)
	quarantined := logAt(3, 300)
	mustApply(t, s,
		pending,
		minted,
		&events.MintedNative{EventSource: minted.Source(), MintIndex: 7},
		&events.InvalidDeposit{
			EventSource: events.EventSource{TxHash: txHash, LogIndex: 2},
			Reason:      "unsupported token",
		},
		quarantined,
		&events.QuarantinedDeposit{EventSource: quarantined.Source()},
		&events.DeployedWrappedToken{
			TxHash:          txHash,
			BlockNumber:     120,
			LogIndex:        4,
			BaseToken:       events.AccountID{0x5d, 0x29, 0xbb},
			WrappedContract: testWrapped,
		},
		nativeDeposit(10, 400), // other transaction, must not appear
	)

	got := s.DepositStatuses(txHash)
	if len(got) != 5 {
		t.Fatalf("expected 5 statuses, got %d: %+v", len(got), got)
	}
	for i, st := range got {
		if st.LogIndex != uint64(i) {
			t.Errorf("status %d has log index %d, want %d", i, st.LogIndex, i)
		}
		if st.TxHash != txHash {
			t.Errorf("status %d has tx hash %s, want %s", i, st.TxHash, txHash)
		}
	}
	if got[0].State != DepositStatePending {
		t.Errorf("log 0 state = %s, want %s", got[0].State, DepositStatePending)
	}
	if got[1].State != DepositStateMinted || got[1].MintIndex == nil || *got[1].MintIndex != 7 {
		t.Errorf("log 1 = %+v, want minted with mint index 7", got[1])
	}
	if got[2].State != DepositStateInvalid || got[2].Reason != "unsupported token" {
		t.Errorf("log 2 = %+v, want invalid with the decode reason", got[2])
	}
	if got[3].State != DepositStateQuarantined {
		t.Errorf("log 3 state = %s, want %s", got[3].State, DepositStateQuarantined)
	}
	if got[4].State != DepositStateDeployed {
		t.Errorf("log 4 state = %s, want %s", got[4].State, DepositStateDeployed)
	}

	if other := s.DepositStatuses(common.Hash{11}); len(other) != 0 {
		t.Errorf("unknown transaction produced statuses: %+v", other)
	}
}

func TestDepositStatusesCoversReleasesAndSwaps(t *testing.T) {
	s := newTestState(t)
	mustApply(t, s, addUSDC(), &events.DeployedWrappedToken{
		TxHash:          common.Hash{12},
		BlockNumber:     130,
		LogIndex:        0,
		BaseToken:       events.AccountID{0x5d, 0x29, 0xbb},
		WrappedContract: testWrapped,
	})

	txHash := common.Hash{13}
	burn := &events.AcceptedWrappedBurn{
		TxHash:          txHash,
		BlockNumber:     131,
		LogIndex:        0,
		FromAddress:     testDest,
		Value:           uint256.NewInt(900),
		WrappedContract: testWrapped,
		BaseToken:       events.AccountID{0x5d, 0x29, 0xbb},
		To:              testAccount(13),
	}
	swap := &events.ReceivedSwapOrder{
		TxHash:      txHash,
		BlockNumber: 131,
		LogIndex:    1,
		FromAddress: testDest,
		Recipient:   common.Hash{0xaa},
		TokenOut:    testToken,
		AmountIn:    uint256.NewInt(10),
		AmountOut:   uint256.NewInt(9),
	}
	mustApply(t, s, burn, swap)

	got := s.DepositStatuses(txHash)
	if len(got) != 2 || got[0].State != DepositStatePending || got[1].State != DepositStatePending {
		t.Fatalf("expected two pending statuses, got %+v", got)
	}

	mustApply(t, s,
		&events.ReleasedWrappedBurn{EventSource: burn.Source(), ReleaseIndex: 11},
		&events.MintedToDex{EventSource: swap.Source(), MintIndex: 12, DexAccount: events.AccountID{0x5d, 0x29, 0xcc}},
	)
	got = s.DepositStatuses(txHash)
	if len(got) != 2 {
		t.Fatalf("expected 2 statuses, got %d", len(got))
	}
	if got[0].State != DepositStateMinted || got[0].MintIndex == nil || *got[0].MintIndex != 11 {
		t.Errorf("released burn = %+v, want minted with index 11", got[0])
	}
	if got[1].State != DepositStateMinted || got[1].MintIndex == nil || *got[1].MintIndex != 12 {
		t.Errorf("dex mint = %+v, want minted with index 12", got[1])
	}
}
