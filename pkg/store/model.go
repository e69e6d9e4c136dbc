package store

import (
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/chainsafe/evm-minter/pkg/events"
)

// EventDao is a data access object that maps directly to the 'events' table in
// PostgreSQL. Seq is assigned by the store, dense and starting at 1, so the
// zero-based log position of a row is always seq-1.
type EventDao struct {
	bun.BaseModel `bun:"table:events,alias:e"`
	Seq           int64           `bun:"seq,pk"`
	EventType     uint16          `bun:"event_type,notnull"`
	Timestamp     int64           `bun:"ts,notnull"`
	Payload       json.RawMessage `bun:"payload,notnull,type:jsonb"`
}

// toEventDao converts an events.Event to EventDao at the given sequence.
func toEventDao(seq int64, ev events.Event) (*EventDao, error) {
	eventType, payload, err := events.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return &EventDao{
		Seq:       seq,
		EventType: uint16(eventType),
		Timestamp: ev.Timestamp,
		Payload:   payload,
	}, nil
}

// toEvent converts an EventDao back to events.Event.
func toEvent(dao *EventDao) (events.Event, error) {
	payload, err := events.UnmarshalPayload(events.EventType(dao.EventType), dao.Payload)
	if err != nil {
		return events.Event{}, fmt.Errorf("failed to decode event at seq %d: %w", dao.Seq, err)
	}
	return events.Event{Timestamp: dao.Timestamp, Payload: payload}, nil
}
