package store

import (
	"context"
	"testing"

	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/pgutil"
	mghelper "github.com/chainsafe/evm-minter/pkg/pgutil/migrations"
)

func setupPGStore(t *testing.T) (context.Context, *pgStore) {
	t.Helper()

	ctx := context.Background()
	db, cleanup := pgutil.SetupTestDB(t)
	t.Cleanup(cleanup)

	if err := mghelper.CreateSchema(ctx, db, &EventDao{}); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	return ctx, NewStore(db)
}

func TestEventPGStore_AppendAndRead(t *testing.T) {
	ctx, s := setupPGStore(t)

	if err := s.Append(ctx, sampleLog()); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	if err := s.Append(ctx, []events.Event{
		{Timestamp: 4000, Payload: sampleDeposit(11, 2)},
	}); err != nil {
		t.Fatalf("Append() failed: %v", err)
	}

	total, err := s.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount() failed: %v", err)
	}
	if total != 4 {
		t.Fatalf("total = %d, want 4", total)
	}

	// Sequence numbers stay dense across batches so log positions are exact.
	var seqs []int64
	if err := s.db.NewSelect().
		Model((*EventDao)(nil)).
		Column("seq").
		Order("seq ASC").
		Scan(ctx, &seqs); err != nil {
		t.Fatalf("failed to read sequences: %v", err)
	}
	for i, seq := range seqs {
		if seq != int64(i)+1 {
			t.Fatalf("seq[%d] = %d, want %d", i, seq, i+1)
		}
	}

	all, err := s.Events(ctx, 0, 100)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("events = %d, want 4", len(all))
	}
	if all[0].Payload.EventType() != events.TypeInit {
		t.Errorf("first event = %s, want Init", all[0].Payload.EventType())
	}
	if all[3].Timestamp != 4000 {
		t.Errorf("last timestamp = %d, want 4000", all[3].Timestamp)
	}

	page, err := s.Events(ctx, 1, 2)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %d events, want 2", len(page))
	}
	if page[0].Payload.EventType() != events.TypeAcceptedDeposit {
		t.Errorf("page start = %s, want AcceptedDeposit", page[0].Payload.EventType())
	}

	dep, ok := page[0].Payload.(*events.AcceptedDeposit)
	if !ok {
		t.Fatalf("expected *AcceptedDeposit, got %T", page[0].Payload)
	}
	if dep.Value.Uint64() != 1_000_000_000 {
		t.Errorf("deposit value = %s, want 1000000000", dep.Value)
	}
	if dep.To.Owner.String() != "0102" {
		t.Errorf("deposit owner = %s, want 0102", dep.To.Owner)
	}
}

func TestEventPGStore_EmptyBatchAndEmptyLog(t *testing.T) {
	ctx, s := setupPGStore(t)

	if err := s.Append(ctx, nil); err != nil {
		t.Fatalf("Append(nil) failed: %v", err)
	}

	total, err := s.TotalCount(ctx)
	if err != nil {
		t.Fatalf("TotalCount() failed: %v", err)
	}
	if total != 0 {
		t.Fatalf("total = %d, want 0", total)
	}

	page, err := s.Events(ctx, 0, 10)
	if err != nil {
		t.Fatalf("Events() failed: %v", err)
	}
	if len(page) != 0 {
		t.Fatalf("expected empty log, got %d events", len(page))
	}
}
