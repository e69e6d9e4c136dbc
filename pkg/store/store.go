// Package store persists the minter event log. The log is the only durable
// artifact: every restart replays it from the first event, so batches must
// land atomically and reads must come back in append order.
package store

import (
	"context"

	"github.com/chainsafe/evm-minter/pkg/events"
)

// EventStore defines the interface for event log persistence.
type EventStore interface {
	// Append writes a batch in order. Either every event in the batch
	// becomes durable or none does.
	Append(ctx context.Context, batch []events.Event) error
	// Events returns up to limit events starting at the zero-based log
	// position start.
	Events(ctx context.Context, start uint64, limit int) ([]events.Event, error)
	// TotalCount returns the number of events in the log.
	TotalCount(ctx context.Context) (uint64, error)
}
