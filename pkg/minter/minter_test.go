package minter

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/state"
	"github.com/chainsafe/evm-minter/pkg/store"
)

func testInit() *events.Init {
	return &events.Init{
		ChainID:             11155111,
		Network:             "sepolia",
		NativeSymbol:        "ETH",
		HelperAddress:       common.HexToAddress("0x7574eB42cA208A4f6960ECCAfDF186D627dCC175"),
		LastScrapedBlock:    5_000_000,
		MinWithdrawalAmount: uint256.NewInt(30_000_000_000_000_000),
		MinPriorityFee:      uint256.NewInt(1_500_000_000),
	}
}

func deposit(block, logIndex uint64) *events.AcceptedDeposit {
	owner, _ := events.ParseAccountID("0102030405")
	return &events.AcceptedDeposit{
		TxHash:      common.HexToHash(fmt.Sprintf("0x%064x", block*1000+logIndex)),
		BlockNumber: block,
		LogIndex:    logIndex,
		FromAddress: common.HexToAddress("0xdd2851Cdd40aE6536831558DD46db62fAc7A844d"),
		Value:       uint256.NewInt(1_000_000_000_000_000_000),
		To:          events.Account{Owner: owner},
	}
}

func newTestMinter() *Minter {
	m := New(store.NewMemoryStore(), zap.NewNop())
	m.now = func() time.Time { return time.Unix(0, 42) }
	return m
}

func TestBootstrapPublishesInitialState(t *testing.T) {
	ctx := context.Background()
	m := newTestMinter()

	if m.Ready() {
		t.Fatal("minter must not be ready before bootstrap")
	}
	if err := m.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !m.Ready() {
		t.Fatal("minter must be ready after bootstrap")
	}

	m.ReadState(func(s *state.State) {
		if s.ChainID != 11155111 {
			t.Errorf("chain id = %d, want 11155111", s.ChainID)
		}
		if s.LastScrapedBlock != 5_000_000 {
			t.Errorf("last scraped block = %d, want 5000000", s.LastScrapedBlock)
		}
	})

	page, total, err := m.Events(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if total != 1 || len(page) != 1 {
		t.Fatalf("got %d events, total %d, want 1/1", len(page), total)
	}
	if page[0].Timestamp != 42 {
		t.Errorf("timestamp = %d, want 42", page[0].Timestamp)
	}
	if page[0].Payload.EventType() != events.TypeInit {
		t.Errorf("event type = %s, want Init", page[0].Payload.EventType())
	}
}

func TestBootstrapRejectsNonEmptyLog(t *testing.T) {
	ctx := context.Background()
	m := newTestMinter()
	if err := m.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if err := m.Bootstrap(ctx, testInit()); err == nil {
		t.Fatal("second Bootstrap must fail")
	}
}

func TestReplayEmptyLog(t *testing.T) {
	m := newTestMinter()
	if err := m.Replay(context.Background()); !errors.Is(err, ErrEmptyLog) {
		t.Fatalf("Replay on empty store = %v, want ErrEmptyLog", err)
	}
	if m.Ready() {
		t.Fatal("minter must not be ready after failed replay")
	}
}

func TestProcessEventsRequiresState(t *testing.T) {
	m := newTestMinter()
	err := m.ProcessEvents(context.Background(), []events.Payload{deposit(1, 0)})
	if !errors.Is(err, ErrEmptyLog) {
		t.Fatalf("ProcessEvents before bootstrap = %v, want ErrEmptyLog", err)
	}
}

func TestProcessEventsAppendsBatch(t *testing.T) {
	ctx := context.Background()
	m := newTestMinter()
	if err := m.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	batch := []events.Payload{
		deposit(5_000_001, 3),
		&events.SyncedToBlock{BlockNumber: 5_000_010},
	}
	if err := m.ProcessEvents(ctx, batch); err != nil {
		t.Fatalf("ProcessEvents: %v", err)
	}

	m.ReadState(func(s *state.State) {
		if got := s.Balance.Balance; got.Cmp(uint256.NewInt(1_000_000_000_000_000_000)) != 0 {
			t.Errorf("native balance = %s after deposit", got)
		}
		if s.LastScrapedBlock != 5_000_010 {
			t.Errorf("last scraped block = %d, want 5000010", s.LastScrapedBlock)
		}
		if len(s.EventsToMint) != 1 {
			t.Errorf("events to mint = %d, want 1", len(s.EventsToMint))
		}
	})

	_, total, err := m.Events(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if total != 3 {
		t.Errorf("log size = %d, want 3", total)
	}
}

func TestProcessEventsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	m := newTestMinter()
	if err := m.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	dup := deposit(5_000_001, 3)
	err := m.ProcessEvents(ctx, []events.Payload{deposit(5_000_001, 1), dup, dup})
	if err == nil {
		t.Fatal("duplicate deposit in one batch must fail")
	}

	// Nothing from the failed batch may be visible, not even its valid prefix.
	m.ReadState(func(s *state.State) {
		if !s.Balance.Balance.IsZero() {
			t.Errorf("balance changed by rejected batch: %s", s.Balance.Balance)
		}
		if len(s.EventsToMint) != 0 {
			t.Errorf("events to mint = %d, want 0", len(s.EventsToMint))
		}
	})
	_, total, err := m.Events(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if total != 1 {
		t.Errorf("log size = %d, want 1 (init only)", total)
	}
}

func TestProcessEventsEmptyBatch(t *testing.T) {
	m := newTestMinter()
	if err := m.ProcessEvents(context.Background(), nil); err != nil {
		t.Fatalf("empty batch must be a no-op, got %v", err)
	}
}

func TestReplayMatchesLiveState(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	live := New(st, zap.NewNop())
	live.now = func() time.Time { return time.Unix(0, 42) }

	if err := live.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	batches := [][]events.Payload{
		{deposit(5_000_001, 0), deposit(5_000_001, 1), &events.SyncedToBlock{BlockNumber: 5_000_001}},
		{&events.SkippedBlock{BlockNumber: 5_000_002}, &events.SyncedToBlock{BlockNumber: 5_000_002}},
		{deposit(5_000_003, 0), &events.SyncedToBlock{BlockNumber: 5_000_003}},
	}
	for _, b := range batches {
		if err := live.ProcessEvents(ctx, b); err != nil {
			t.Fatalf("ProcessEvents: %v", err)
		}
	}

	replayed := New(st, zap.NewNop())
	if err := replayed.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}

	var want, got struct {
		balance  *uint256.Int
		scraped  uint64
		unminted int
		skipped  int
	}
	live.ReadState(func(s *state.State) {
		want.balance = s.Balance.Balance
		want.scraped = s.LastScrapedBlock
		want.unminted = len(s.EventsToMint)
		want.skipped = len(s.SkippedBlocks)
	})
	replayed.ReadState(func(s *state.State) {
		got.balance = s.Balance.Balance
		got.scraped = s.LastScrapedBlock
		got.unminted = len(s.EventsToMint)
		got.skipped = len(s.SkippedBlocks)
	})
	if want.balance.Cmp(got.balance) != 0 {
		t.Errorf("replayed balance = %s, want %s", got.balance, want.balance)
	}
	if got.scraped != want.scraped || got.unminted != want.unminted || got.skipped != want.skipped {
		t.Errorf("replayed state = %+v, want %+v", got, want)
	}
}

func TestReplayStreamsPages(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	live := New(st, zap.NewNop())
	live.now = time.Now

	if err := live.Bootstrap(ctx, testInit()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	total := replayPageSize + replayPageSize/2
	for i := 0; i < total; i++ {
		ev := &events.SyncedToBlock{BlockNumber: 5_000_001 + uint64(i)}
		if err := live.ProcessEvents(ctx, []events.Payload{ev}); err != nil {
			t.Fatalf("ProcessEvents %d: %v", i, err)
		}
	}

	replayed := New(st, zap.NewNop())
	if err := replayed.Replay(ctx); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	replayed.ReadState(func(s *state.State) {
		if want := 5_000_000 + uint64(total); s.LastScrapedBlock != want {
			t.Errorf("last scraped block = %d, want %d", s.LastScrapedBlock, want)
		}
	})
	_, count, err := replayed.Events(ctx, 0, 1)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}
	if want := uint64(total + 1); count != want {
		t.Errorf("log size = %d, want %d", count, want)
	}
}

func TestReplayRejectsCorruptLog(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()

	// A log that does not start with Init must not replay.
	err := st.Append(ctx, []events.Event{
		{Timestamp: 1, Payload: &events.SyncedToBlock{BlockNumber: 1}},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	m := New(st, zap.NewNop())
	if err := m.Replay(ctx); err == nil {
		t.Fatal("Replay of a log without Init must fail")
	}
}
