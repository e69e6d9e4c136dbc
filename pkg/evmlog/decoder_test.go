package evmlog

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/rpc"
)

var (
	testHelper  = common.HexToAddress("0x1789ec23ce65b6274eb6bc3e10b48e4da2d767c1")
	testSender  = common.HexToAddress("0xdd2851cdd40ae6536831558dd46db62fac7a844d")
	testErc20   = common.HexToAddress("0x833589fcd6edb6e08f4c7c32d4f71b54bda02913")
	testWrapped = common.HexToAddress("0x4200000000000000000000000000000000000006")
	testTxHash  = common.HexToHash("0x2f04bd64b0686ab76bbd4fb87ddcd6c1911a1b7e698e2ac7f62765d46a32c55b")
)

type fakeRegistry struct {
	erc20   map[common.Address]bool
	wrapped map[common.Address]events.AccountID
}

func (r *fakeRegistry) SupportsErc20(contract common.Address) bool {
	return r.erc20[contract]
}

func (r *fakeRegistry) WrappedBaseToken(contract common.Address) (events.AccountID, bool) {
	base, ok := r.wrapped[contract]
	return base, ok
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		erc20:   map[common.Address]bool{testErc20: true},
		wrapped: map[common.Address]events.AccountID{testWrapped: {0x01, 0x02, 0x03}},
	}
}

func addressWord(addr common.Address) common.Hash {
	var w common.Hash
	copy(w[12:], addr.Bytes())
	return w
}

func accountSlot(id []byte) common.Hash {
	var w common.Hash
	w[0] = byte(len(id))
	copy(w[1:], id)
	return w
}

func amountWord(v uint64) common.Hash {
	var w common.Hash
	w[24] = byte(v >> 56)
	w[25] = byte(v >> 48)
	w[26] = byte(v >> 40)
	w[27] = byte(v >> 32)
	w[28] = byte(v >> 24)
	w[29] = byte(v >> 16)
	w[30] = byte(v >> 8)
	w[31] = byte(v)
	return w
}

func minedEntry(topics []common.Hash, data []byte) rpc.LogEntry {
	blockNumber := hexutil.Uint64(120)
	txIndex := hexutil.Uint64(3)
	logIndex := hexutil.Uint64(7)
	blockHash := common.HexToHash("0xd47f9363a3b46a0e8cf4be8e0c89a74ba4968e55fbf8e35d2e6f04b1c0b95a3f")
	txHash := testTxHash
	return rpc.LogEntry{
		Address:          testHelper,
		Topics:           topics,
		Data:             data,
		BlockNumber:      &blockNumber,
		TransactionHash:  &txHash,
		TransactionIndex: &txIndex,
		BlockHash:        &blockHash,
		LogIndex:         &logIndex,
	}
}

func depositAndBurnEntry(token common.Address, amount uint64, owner []byte, subaccount common.Hash) rpc.LogEntry {
	topics := []common.Hash{
		DepositAndBurnTopic,
		addressWord(testSender),
		accountSlot(owner),
		addressWord(token),
	}
	data := append(amountWord(amount).Bytes(), subaccount.Bytes()...)
	return minedEntry(topics, data)
}

func TestDecodeLegacyNativeDeposit(t *testing.T) {
	topics := []common.Hash{
		LegacyDepositTopic,
		addressWord(common.Address{}), // zero token = native
		amountWord(5_000_000),
		accountSlot([]byte{0xaa, 0xbb}),
	}
	var sub common.Hash
	data := append(addressWord(testSender).Bytes(), sub.Bytes()...)

	entry := minedEntry(topics, data)
	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dep, ok := event.(*events.AcceptedDeposit)
	if !ok {
		t.Fatalf("expected AcceptedDeposit, got %T", event)
	}
	if dep.Value.Uint64() != 5_000_000 {
		t.Errorf("value = %s, want 5000000", dep.Value)
	}
	if dep.FromAddress != testSender {
		t.Errorf("from = %s, want %s", dep.FromAddress, testSender)
	}
	if dep.To.Subaccount != nil {
		t.Error("all-zero subaccount should decode to nil")
	}
	if dep.BlockNumber != 120 || dep.LogIndex != 7 {
		t.Errorf("position = (%d,%d), want (120,7)", dep.BlockNumber, dep.LogIndex)
	}
}

func TestDecodeUnifiedErc20Deposit(t *testing.T) {
	sub := common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000001")
	entry := depositAndBurnEntry(testErc20, 777, []byte{0xaa, 0xbb, 0xcc}, sub)

	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	dep, ok := event.(*events.AcceptedErc20Deposit)
	if !ok {
		t.Fatalf("expected AcceptedErc20Deposit, got %T", event)
	}
	if dep.TokenContract != testErc20 {
		t.Errorf("token = %s, want %s", dep.TokenContract, testErc20)
	}
	if dep.Value.Uint64() != 777 {
		t.Errorf("value = %s, want 777", dep.Value)
	}
	if dep.To.Subaccount == nil {
		t.Fatal("expected subaccount")
	}
}

func TestDecodeUnifiedNativeDeposit(t *testing.T) {
	entry := depositAndBurnEntry(common.Address{}, 42, []byte{0x01}, common.Hash{})

	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if _, ok := event.(*events.AcceptedDeposit); !ok {
		t.Fatalf("expected AcceptedDeposit for zero token, got %T", event)
	}
}

func TestDecodeWrappedBurn(t *testing.T) {
	entry := depositAndBurnEntry(testWrapped, 99, []byte{0x01}, common.Hash{})

	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	burn, ok := event.(*events.AcceptedWrappedBurn)
	if !ok {
		t.Fatalf("expected AcceptedWrappedBurn, got %T", event)
	}
	if !burn.BaseToken.Equal(events.AccountID{0x01, 0x02, 0x03}) {
		t.Errorf("base token = %s", burn.BaseToken)
	}
}

func TestDecodeUnsupportedTokenIsInvalid(t *testing.T) {
	unknown := common.HexToAddress("0x00000000000000000000000000000000deadbeef")
	entry := depositAndBurnEntry(unknown, 1, []byte{0x01}, common.Hash{})

	_, err := Decode(&entry, newFakeRegistry())
	var invalid *InvalidLogError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidLogError, got %v", err)
	}
	if invalid.Source.LogIndex != 7 {
		t.Errorf("source log index = %d, want 7", invalid.Source.LogIndex)
	}
}

func TestDecodePendingLog(t *testing.T) {
	entry := depositAndBurnEntry(common.Address{}, 1, []byte{0x01}, common.Hash{})
	entry.BlockNumber = nil

	_, err := Decode(&entry, newFakeRegistry())
	if !errors.Is(err, ErrPending) {
		t.Fatalf("expected ErrPending, got %v", err)
	}
}

func TestDecodeRemovedLog(t *testing.T) {
	entry := depositAndBurnEntry(common.Address{}, 1, []byte{0x01}, common.Hash{})
	entry.Removed = true

	_, err := Decode(&entry, newFakeRegistry())
	var invalid *InvalidLogError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidLogError, got %v", err)
	}
}

func TestDecodeUnknownSignature(t *testing.T) {
	entry := minedEntry([]common.Hash{common.HexToHash("0x01")}, nil)

	_, err := Decode(&entry, newFakeRegistry())
	var invalid *InvalidLogError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidLogError, got %v", err)
	}
}

func TestDecodeWrongDataLength(t *testing.T) {
	entry := depositAndBurnEntry(common.Address{}, 1, []byte{0x01}, common.Hash{})
	entry.Data = entry.Data[:33] // not a multiple of the expected two words

	_, err := Decode(&entry, newFakeRegistry())
	var invalid *InvalidLogError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidLogError, got %v", err)
	}
}

func TestDecodeRejectsReservedAccounts(t *testing.T) {
	cases := []struct {
		name string
		slot common.Hash
	}{
		{"zero length", common.Hash{}},
		{"anonymous", accountSlot([]byte{0x04})},
		{"length too large", func() common.Hash {
			var w common.Hash
			w[0] = 30
			return w
		}()},
		{"trailing garbage", func() common.Hash {
			w := accountSlot([]byte{0x01})
			w[31] = 0xff
			return w
		}()},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			topics := []common.Hash{
				DepositAndBurnTopic,
				addressWord(testSender),
				tc.slot,
				addressWord(common.Address{}),
			}
			data := append(amountWord(1).Bytes(), common.Hash{}.Bytes()...)
			entry := minedEntry(topics, data)

			_, err := Decode(&entry, newFakeRegistry())
			var invalid *InvalidLogError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidLogError, got %v", err)
			}
		})
	}
}

func TestDecodeAddressSlotWithLeadingBytes(t *testing.T) {
	topics := []common.Hash{
		DepositAndBurnTopic,
		common.HexToHash("0x0100000000000000000000001789ec23ce65b6274eb6bc3e10b48e4da2d767c1"),
		accountSlot([]byte{0x01}),
		addressWord(common.Address{}),
	}
	data := append(amountWord(1).Bytes(), common.Hash{}.Bytes()...)
	entry := minedEntry(topics, data)

	_, err := Decode(&entry, newFakeRegistry())
	var invalid *InvalidLogError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidLogError, got %v", err)
	}
}

func TestDecodeWrappedDeployed(t *testing.T) {
	topics := []common.Hash{
		WrappedDeployedTopic,
		accountSlot([]byte{0x01, 0x02, 0x03}),
		addressWord(testWrapped),
	}
	entry := minedEntry(topics, nil)

	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	deployed, ok := event.(*events.DeployedWrappedToken)
	if !ok {
		t.Fatalf("expected DeployedWrappedToken, got %T", event)
	}
	if deployed.WrappedContract != testWrapped {
		t.Errorf("wrapped = %s, want %s", deployed.WrappedContract, testWrapped)
	}
}

func swapData(bridged byte, payload []byte) []byte {
	data := make([]byte, 0, 192+len(payload))
	data = append(data, addressWord(testSender).Bytes()...) // user
	data = append(data, amountWord(1000).Bytes()...)        // amountIn
	data = append(data, amountWord(990).Bytes()...)         // amountOut
	var boolWord common.Hash
	boolWord[31] = bridged
	data = append(data, boolWord.Bytes()...)
	data = append(data, amountWord(160).Bytes()...)                  // offset
	data = append(data, amountWord(uint64(len(payload))).Bytes()...) // length
	data = append(data, payload...)
	if pad := (32 - len(payload)%32) % 32; pad > 0 {
		data = append(data, make([]byte, pad)...)
	}
	return data
}

func swapTopics() []common.Hash {
	return []common.Hash{
		SwapExecutedTopic,
		accountSlot([]byte{0x05, 0x06}),
		addressWord(testErc20),
		addressWord(testWrapped),
	}
}

func TestDecodeSwapOrder(t *testing.T) {
	payload := []byte{0xde, 0xad, 0xbe, 0xef, 0x01}
	entry := minedEntry(swapTopics(), swapData(1, payload))

	event, err := Decode(&entry, newFakeRegistry())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	swap, ok := event.(*events.ReceivedSwapOrder)
	if !ok {
		t.Fatalf("expected ReceivedSwapOrder, got %T", event)
	}
	if swap.AmountIn.Uint64() != 1000 || swap.AmountOut.Uint64() != 990 {
		t.Errorf("amounts = (%s,%s), want (1000,990)", swap.AmountIn, swap.AmountOut)
	}
	if len(swap.EncodedSwapData) != len(payload) {
		t.Errorf("payload length = %d, want %d", len(swap.EncodedSwapData), len(payload))
	}
}

func TestDecodeSameChainSwapIsSkipped(t *testing.T) {
	entry := minedEntry(swapTopics(), swapData(0, nil))

	_, err := Decode(&entry, newFakeRegistry())
	if !errors.Is(err, ErrSameChainSwap) {
		t.Fatalf("expected ErrSameChainSwap, got %v", err)
	}
}

func TestDecodeSwapRejectsMalformedLayout(t *testing.T) {
	base := swapData(1, []byte{0x01})

	badBool := append([]byte(nil), base...)
	badBool[96] = 0xff // bool word high byte

	badOffset := append([]byte(nil), base...)
	badOffset[159] = 0xa1

	badPadding := append([]byte(nil), base...)
	badPadding[len(badPadding)-1] = 0x07

	cases := []struct {
		name string
		data []byte
	}{
		{"truncated head", base[:100]},
		{"invalid bool", badBool},
		{"wrong offset", badOffset},
		{"dirty padding", badPadding},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entry := minedEntry(swapTopics(), tc.data)
			_, err := Decode(&entry, newFakeRegistry())
			var invalid *InvalidLogError
			if !errors.As(err, &invalid) {
				t.Fatalf("expected InvalidLogError, got %v", err)
			}
		})
	}
}

func TestDecodeAllPartitionsOutcomes(t *testing.T) {
	valid := depositAndBurnEntry(testErc20, 5, []byte{0x01}, common.Hash{})
	pending := depositAndBurnEntry(common.Address{}, 1, []byte{0x01}, common.Hash{})
	pending.LogIndex = nil
	unknown := minedEntry([]common.Hash{common.HexToHash("0x02")}, nil)
	skipped := minedEntry(swapTopics(), swapData(0, nil))

	res := DecodeAll([]rpc.LogEntry{valid, pending, unknown, skipped}, newFakeRegistry())
	if len(res.Events) != 1 {
		t.Errorf("events = %d, want 1", len(res.Events))
	}
	if len(res.Invalid) != 1 {
		t.Errorf("invalid = %d, want 1", len(res.Invalid))
	}
	if res.Pending != 1 {
		t.Errorf("pending = %d, want 1", res.Pending)
	}
	if res.Skipped != 1 {
		t.Errorf("skipped = %d, want 1", res.Skipped)
	}
}
