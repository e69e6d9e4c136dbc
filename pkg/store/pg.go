package store

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/chainsafe/evm-minter/pkg/events"
)

type pgStore struct {
	db *bun.DB
}

// NewStore creates a new postgres implementation of the event store.
func NewStore(db *bun.DB) *pgStore {
	return &pgStore{db: db}
}

// Append assigns the next sequence numbers and inserts the batch in one
// transaction. The minter is the single writer, so reading MAX(seq) inside
// the transaction is race-free and keeps the sequence dense.
func (s *pgStore) Append(ctx context.Context, batch []events.Event) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var last int64
		err := tx.NewSelect().
			Model((*EventDao)(nil)).
			ColumnExpr("COALESCE(MAX(seq), 0)").
			Scan(ctx, &last)
		if err != nil {
			return fmt.Errorf("failed to read last event sequence: %w", err)
		}

		daos := make([]*EventDao, 0, len(batch))
		for i, ev := range batch {
			dao, err := toEventDao(last+int64(i)+1, ev)
			if err != nil {
				return err
			}
			daos = append(daos, dao)
		}

		if _, err := tx.NewInsert().Model(&daos).Exec(ctx); err != nil {
			return fmt.Errorf("failed to append %d events: %w", len(daos), err)
		}
		return nil
	})
}

func (s *pgStore) Events(ctx context.Context, start uint64, limit int) ([]events.Event, error) {
	if limit <= 0 {
		return nil, nil
	}

	var daos []EventDao
	err := s.db.NewSelect().
		Model(&daos).
		Where("seq > ?", int64(start)).
		Order("seq ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read events from %d: %w", start, err)
	}

	out := make([]events.Event, 0, len(daos))
	for i := range daos {
		ev, err := toEvent(&daos[i])
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *pgStore) TotalCount(ctx context.Context) (uint64, error) {
	count, err := s.db.NewSelect().Model((*EventDao)(nil)).Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return uint64(count), nil
}
