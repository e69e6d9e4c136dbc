package state

import (
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	apperrors "github.com/chainsafe/evm-minter/pkg/app/errors"
	"github.com/chainsafe/evm-minter/pkg/events"
)

var (
	testHelper  = common.HexToAddress("0x1789ec23ce65b6274eb6bc3e10b48e4da2d767c1")
	testToken   = common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	testWrapped = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testDest    = common.HexToAddress("0x7a250d5630b4cf539739df2c5dacb4c659f2488d")
)

func testInit() *events.Init {
	return &events.Init{
		ChainID:             8453,
		Network:             "base",
		NativeSymbol:        "ETH",
		HelperAddress:       testHelper,
		LastScrapedBlock:    100,
		NextNonce:           0,
		MinWithdrawalAmount: uint256.NewInt(30_000_000_000_000_000),
		MinPriorityFee:      uint256.NewInt(1_500_000_000),
	}
}

func newTestState(t *testing.T) *State {
	t.Helper()
	s, err := NewState(testInit())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	return s
}

func mustApply(t *testing.T, s *State, payloads ...events.Payload) {
	t.Helper()
	for _, p := range payloads {
		if err := s.Apply(p); err != nil {
			t.Fatalf("apply %s: %v", p.EventType(), err)
		}
	}
}

func testAccount(b byte) events.Account {
	return events.Account{Owner: events.AccountID{0x5d, 0x29, b}}
}

func nativeDeposit(n byte, value uint64) *events.AcceptedDeposit {
	return &events.AcceptedDeposit{
		TxHash:      common.Hash{n},
		BlockNumber: 120,
		LogIndex:    uint64(n),
		FromAddress: testDest,
		Value:       uint256.NewInt(value),
		To:          testAccount(n),
	}
}

func erc20Deposit(n byte, value uint64) *events.AcceptedErc20Deposit {
	return &events.AcceptedErc20Deposit{
		TxHash:        common.Hash{n},
		BlockNumber:   121,
		LogIndex:      uint64(n),
		FromAddress:   testDest,
		Value:         uint256.NewInt(value),
		TokenContract: testToken,
		To:            testAccount(n),
	}
}

func addUSDC() *events.AddedToken {
	return &events.AddedToken{
		TokenContract: testToken,
		LedgerID:      events.AccountID{0x5d, 0x29, 0xaa},
		Symbol:        "USDC",
		Decimals:      6,
	}
}

func TestApplyInitTwiceFails(t *testing.T) {
	s := newTestState(t)
	err := s.Apply(testInit())
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestDepositMintLifecycle(t *testing.T) {
	s := newTestState(t)
	dep := nativeDeposit(1, 5_000_000)
	mustApply(t, s, dep)

	if got := s.Balance.Balance; !got.Eq(uint256.NewInt(5_000_000)) {
		t.Errorf("balance after deposit = %s, want 5000000", got)
	}
	if !s.RecordedEventSource(dep.Source()) {
		t.Error("deposit source not recorded")
	}
	if len(s.MintsToProcess()) != 1 {
		t.Fatalf("expected one pending mint, got %d", len(s.MintsToProcess()))
	}

	mustApply(t, s, &events.MintedNative{EventSource: dep.Source(), MintIndex: 42})
	if len(s.EventsToMint) != 0 {
		t.Error("mint left the deposit pending")
	}
	if idx := s.MintedEvents[dep.Source()]; idx != 42 {
		t.Errorf("mint index = %d, want 42", idx)
	}
	if got := s.Balance.Balance; !got.Eq(uint256.NewInt(5_000_000)) {
		t.Errorf("balance after mint = %s, want 5000000", got)
	}
}

func TestDuplicateDepositSourceIsFatal(t *testing.T) {
	s := newTestState(t)
	dep := nativeDeposit(1, 100)
	mustApply(t, s, dep)

	err := s.Apply(nativeDeposit(1, 100))
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on duplicate source, got %v", err)
	}
}

func TestMintWithoutPendingDepositIsFatal(t *testing.T) {
	s := newTestState(t)
	err := s.Apply(&events.MintedNative{
		EventSource: events.EventSource{TxHash: common.Hash{9}, LogIndex: 3},
		MintIndex:   1,
	})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestErc20DepositRequiresRegisteredToken(t *testing.T) {
	s := newTestState(t)
	if err := s.Apply(erc20Deposit(1, 1000)); !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error for unregistered token, got %v", err)
	}

	mustApply(t, s, addUSDC(), erc20Deposit(1, 1000))
	if got := s.Erc20Balances.Get(testToken); !got.Eq(uint256.NewInt(1000)) {
		t.Errorf("erc20 balance = %s, want 1000", got)
	}
	dep := erc20Deposit(1, 1000)
	mustApply(t, s, &events.MintedErc20{
		EventSource:   dep.Source(),
		MintIndex:     7,
		TokenContract: testToken,
	})
	if len(s.EventsToMint) != 0 {
		t.Error("erc20 mint left the deposit pending")
	}
}

func TestQuarantinedDepositStopsMinting(t *testing.T) {
	s := newTestState(t)
	dep := nativeDeposit(2, 777)
	mustApply(t, s, dep, &events.QuarantinedDeposit{EventSource: dep.Source()})

	if len(s.EventsToMint) != 0 {
		t.Error("quarantined deposit still pending")
	}
	reason, ok := s.InvalidEvents[dep.Source()]
	if !ok || !reason.Quarantined {
		t.Errorf("expected quarantined invalid entry, got %+v (present=%v)", reason, ok)
	}
	// custody still holds the deposit
	if got := s.Balance.Balance; !got.Eq(uint256.NewInt(777)) {
		t.Errorf("balance after quarantine = %s, want 777", got)
	}
	err := s.Apply(&events.MintedNative{EventSource: dep.Source(), MintIndex: 1})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error minting a quarantined deposit, got %v", err)
	}
}

func TestInvalidDepositBlocksSource(t *testing.T) {
	s := newTestState(t)
	src := events.EventSource{TxHash: common.Hash{3}, LogIndex: 0}
	mustApply(t, s, &events.InvalidDeposit{EventSource: src, Reason: "unsupported token"})

	if !s.RecordedEventSource(src) {
		t.Error("invalid source not recorded")
	}
	err := s.Apply(&events.AcceptedDeposit{
		TxHash:   src.TxHash,
		LogIndex: src.LogIndex,
		Value:    uint256.NewInt(1),
		To:       testAccount(3),
	})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error accepting an invalid source, got %v", err)
	}
}

func TestWrappedTokenLifecycle(t *testing.T) {
	s := newTestState(t)
	base := events.AccountID{0x5d, 0x29, 0xbb}
	deployed := &events.DeployedWrappedToken{
		TxHash:          common.Hash{4},
		BlockNumber:     130,
		LogIndex:        1,
		BaseToken:       base,
		WrappedContract: testWrapped,
	}
	mustApply(t, s, deployed)
	if got, ok := s.WrappedBaseToken(testWrapped); !ok || !got.Equal(base) {
		t.Fatalf("wrapped registry lookup = %v %v", got, ok)
	}

	burn := &events.AcceptedWrappedBurn{
		TxHash:          common.Hash{5},
		BlockNumber:     131,
		LogIndex:        0,
		FromAddress:     testDest,
		Value:           uint256.NewInt(900),
		WrappedContract: testWrapped,
		BaseToken:       base,
		To:              testAccount(5),
	}
	mustApply(t, s, burn)
	if len(s.ReleasesToProcess()) != 1 {
		t.Fatalf("expected one pending release, got %d", len(s.ReleasesToProcess()))
	}

	mustApply(t, s, &events.ReleasedWrappedBurn{EventSource: burn.Source(), ReleaseIndex: 11})
	if len(s.EventsToRelease) != 0 || s.ReleasedEvents[burn.Source()] != 11 {
		t.Error("release not recorded")
	}
}

func TestWrappedBurnFromUnknownContractIsFatal(t *testing.T) {
	s := newTestState(t)
	err := s.Apply(&events.AcceptedWrappedBurn{
		TxHash:          common.Hash{6},
		Value:           uint256.NewInt(1),
		WrappedContract: testWrapped,
		BaseToken:       events.AccountID{0x01},
		To:              testAccount(6),
	})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestSwapOrderLifecycle(t *testing.T) {
	s := newTestState(t)
	mustApply(t, s, addUSDC())
	swap := &events.ReceivedSwapOrder{
		TxHash:      common.Hash{7},
		BlockNumber: 140,
		LogIndex:    2,
		FromAddress: testDest,
		Recipient:   common.Hash{0xaa},
		TokenIn:     common.Address{},
		TokenOut:    testToken,
		AmountIn:    uint256.NewInt(3_000_000),
		AmountOut:   uint256.NewInt(2_950_000),
	}
	mustApply(t, s, swap)
	if got := s.Erc20Balances.Get(testToken); !got.Eq(uint256.NewInt(2_950_000)) {
		t.Errorf("erc20 balance after swap = %s, want 2950000", got)
	}

	mustApply(t, s, &events.MintedToDex{
		EventSource: swap.Source(),
		MintIndex:   3,
		DexAccount:  events.AccountID{0x5d, 0x29, 0xcc},
	})
	if len(s.SwapsToMint) != 0 || s.MintedSwaps[swap.Source()] != 3 {
		t.Error("dex mint not recorded")
	}
}

func TestQuarantinedSwapOrder(t *testing.T) {
	s := newTestState(t)
	mustApply(t, s, addUSDC())
	swap := &events.ReceivedSwapOrder{
		TxHash:    common.Hash{8},
		LogIndex:  0,
		TokenOut:  testToken,
		AmountIn:  uint256.NewInt(10),
		AmountOut: uint256.NewInt(9),
	}
	mustApply(t, s, swap, &events.QuarantinedSwapOrder{EventSource: swap.Source()})
	if len(s.SwapsToMint) != 0 {
		t.Error("quarantined swap still pending")
	}
	if reason := s.InvalidEvents[swap.Source()]; !reason.Quarantined {
		t.Error("swap not marked quarantined")
	}
}

func TestSyncedAndSkippedBlocks(t *testing.T) {
	s := newTestState(t)
	mustApply(t, s,
		&events.SkippedBlock{BlockNumber: 150},
		&events.SyncedToBlock{BlockNumber: 160},
	)
	if s.LastScrapedBlock != 160 {
		t.Errorf("watermark = %d, want 160", s.LastScrapedBlock)
	}
	if _, ok := s.SkippedBlocks[150]; !ok {
		t.Error("skipped block not recorded")
	}
	err := s.Apply(&events.SkippedBlock{BlockNumber: 150})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on duplicate skip, got %v", err)
	}
}

func TestAddedTokenCollisions(t *testing.T) {
	s := newTestState(t)
	mustApply(t, s, addUSDC())
	if err := s.Apply(addUSDC()); !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on duplicate token, got %v", err)
	}
	err := s.Apply(&events.AddedToken{
		TokenContract: common.HexToAddress("0x000000000000000000000000000000000000beef"),
		LedgerID:      addUSDC().LedgerID,
		Symbol:        "USDC2",
		Decimals:      6,
	})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on duplicate ledger id, got %v", err)
	}
}

func TestUpgradeAdjustsParameters(t *testing.T) {
	s := newTestState(t)
	newMin := uint256.NewInt(50_000_000_000_000_000)
	nonce := uint64(9)
	mustApply(t, s, &events.Upgrade{
		MinWithdrawalAmount: newMin,
		NextNonce:           &nonce,
	})
	if !s.MinWithdrawalAmount.Eq(newMin) {
		t.Errorf("min withdrawal = %s, want %s", s.MinWithdrawalAmount, newMin)
	}
	if s.Withdrawals.NextNonce() != 9 {
		t.Errorf("next nonce = %d, want 9", s.Withdrawals.NextNonce())
	}

	lower := uint64(3)
	err := s.Apply(&events.Upgrade{NextNonce: &lower})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error lowering nonce, got %v", err)
	}
}

func TestUnknownPayloadIsFatal(t *testing.T) {
	s := newTestState(t)
	err := s.Apply(unknownPayload{})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

type unknownPayload struct{}

func (unknownPayload) EventType() events.EventType { return events.EventType(999) }

func TestReplayMatchesIncrementalFold(t *testing.T) {
	dep := nativeDeposit(1, 2_000_000)
	log := []events.Event{
		{Timestamp: 1, Payload: testInit()},
		{Timestamp: 2, Payload: addUSDC()},
		{Timestamp: 3, Payload: dep},
		{Timestamp: 4, Payload: erc20Deposit(2, 5_000)},
		{Timestamp: 5, Payload: &events.MintedNative{EventSource: dep.Source(), MintIndex: 1}},
		{Timestamp: 6, Payload: &events.SyncedToBlock{BlockNumber: 125}},
		{Timestamp: 7, Payload: &events.SkippedBlock{BlockNumber: 123}},
	}

	replayed, err := Replay(log)
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}

	incremental, err := NewState(log[0].Payload.(*events.Init))
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	for _, ev := range log[1:] {
		if err := incremental.Apply(ev.Payload); err != nil {
			t.Fatalf("apply %s: %v", ev.Payload.EventType(), err)
		}
	}

	if !reflect.DeepEqual(replayed, incremental) {
		t.Error("replayed state differs from incrementally folded state")
	}
}

func TestReplayRequiresInitFirst(t *testing.T) {
	_, err := Replay([]events.Event{{Timestamp: 1, Payload: &events.SyncedToBlock{BlockNumber: 1}}})
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
	_, err = Replay(nil)
	if !apperrors.Is(err, apperrors.CategoryInvariant) {
		t.Fatalf("expected invariant error on empty log, got %v", err)
	}
}

func TestCloneIsDeepAndEqual(t *testing.T) {
	s := newTestState(t)
	dep := nativeDeposit(1, 9_000)
	mustApply(t, s, addUSDC(), dep)

	clone := s.Clone()
	if !reflect.DeepEqual(s, clone) {
		t.Fatal("clone differs from original")
	}

	mustApply(t, clone, &events.MintedNative{EventSource: dep.Source(), MintIndex: 5})
	if len(s.MintedEvents) != 0 {
		t.Error("mutating the clone leaked into the original")
	}
	clone.Balance.Balance.SetUint64(1)
	if s.Balance.Balance.Eq(uint256.NewInt(1)) {
		t.Error("clone shares balance storage with the original")
	}
}
