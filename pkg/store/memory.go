package store

import (
	"context"
	"sync"

	"github.com/chainsafe/evm-minter/pkg/events"
)

// memoryRow mirrors the encoded Postgres row so the in-memory store exercises
// the same codec path as the real one.
type memoryRow struct {
	eventType events.EventType
	timestamp int64
	payload   []byte
}

// MemoryStore keeps the event log in process memory. It backs unit tests and
// honors the same batch atomicity contract as the Postgres store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows []memoryRow
}

// NewMemoryStore creates an empty in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, batch []events.Event) error {
	rows := make([]memoryRow, 0, len(batch))
	for _, ev := range batch {
		eventType, payload, err := events.Marshal(ev.Payload)
		if err != nil {
			return err
		}
		rows = append(rows, memoryRow{eventType: eventType, timestamp: ev.Timestamp, payload: payload})
	}

	s.mu.Lock()
	s.rows = append(s.rows, rows...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Events(_ context.Context, start uint64, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || start >= uint64(len(s.rows)) {
		return nil, nil
	}
	end := start + uint64(limit)
	if end > uint64(len(s.rows)) {
		end = uint64(len(s.rows))
	}

	out := make([]events.Event, 0, end-start)
	for _, row := range s.rows[start:end] {
		payload, err := events.UnmarshalPayload(row.eventType, row.payload)
		if err != nil {
			return nil, err
		}
		out = append(out, events.Event{Timestamp: row.timestamp, Payload: payload})
	}
	return out, nil
}

func (s *MemoryStore) TotalCount(_ context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.rows)), nil
}
