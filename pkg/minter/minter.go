// Package minter owns the event-sourced core: the replayed state, the
// append-only log it is derived from, and the single-writer discipline tying
// the two together. Every other component mutates state exclusively by
// handing event payloads to ProcessEvents.
package minter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chainsafe/evm-minter/internal/metrics"
	"github.com/chainsafe/evm-minter/pkg/events"
	"github.com/chainsafe/evm-minter/pkg/state"
	"github.com/chainsafe/evm-minter/pkg/store"
)

// ErrEmptyLog reports that no events have been recorded yet. The caller seeds
// the log with Bootstrap before anything else may run.
var ErrEmptyLog = errors.New("event log is empty")

// replayPageSize bounds how many events one Replay page loads at a time.
const replayPageSize = 2000

// Minter is the event-sourced core. Writers serialize on ProcessEvents;
// readers see the last published state. The published state is immutable
// once published, so a pointer swap is a safe publication.
type Minter struct {
	writeMu sync.Mutex
	mu      sync.RWMutex
	state   *state.State
	logSize uint64

	store  store.EventStore
	logger *zap.Logger
	now    func() time.Time
}

// New creates a minter core over the given event store. The state is not
// available until Replay or Bootstrap has run.
func New(st store.EventStore, logger *zap.Logger) *Minter {
	return &Minter{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// Ready reports whether a state has been published, i.e. Replay or Bootstrap
// completed.
func (m *Minter) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state != nil
}

// ReadState runs f against the current state snapshot. f must not retain the
// state or anything reachable from it past the call, and must not block.
func (m *Minter) ReadState(f func(s *state.State)) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f(m.state)
}

// ProcessEvents validates the payloads against the current state, appends
// them to the log as one batch and publishes the resulting state. The batch
// is all-or-nothing: on any apply error nothing is persisted and the
// published state is unchanged.
func (m *Minter) ProcessEvents(ctx context.Context, payloads []events.Payload) error {
	if len(payloads) == 0 {
		return nil
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	current := m.state
	m.mu.RUnlock()
	if current == nil {
		return ErrEmptyLog
	}

	next := current.Clone()
	for _, p := range payloads {
		if err := next.Apply(p); err != nil {
			return fmt.Errorf("failed to apply %s event: %w", p.EventType(), err)
		}
	}

	ts := m.now().UnixNano()
	batch := make([]events.Event, len(payloads))
	for i, p := range payloads {
		batch[i] = events.Event{Timestamp: ts, Payload: p}
	}
	if err := m.store.Append(ctx, batch); err != nil {
		return fmt.Errorf("failed to append %d events: %w", len(batch), err)
	}

	m.publish(next, m.logSize+uint64(len(batch)))
	for _, p := range payloads {
		metrics.EventsAppended.WithLabelValues(p.EventType().String()).Inc()
	}
	return nil
}

// MarkTransactionSent flags the current signed variant of a withdrawal as
// handed to the network. The flag is volatile: it is never appended to the
// log, so a restart clears it and the send step simply rebroadcasts.
func (m *Minter) MarkTransactionSent(id uint64) error {
	return m.updateVolatile(func(s *state.State) error {
		s.Withdrawals.RecordTransactionSent(id)
		return nil
	})
}

// RescheduleWithdrawal moves a pending withdrawal to the back of the intake
// queue. Queue order is volatile: replay restores arrival order, and a
// request that still cannot be priced is simply rescheduled again.
func (m *Minter) RescheduleWithdrawal(id uint64) error {
	return m.updateVolatile(func(s *state.State) error {
		return s.Withdrawals.RescheduleWithdrawalRequest(id)
	})
}

// updateVolatile publishes a state change that is deliberately not recorded
// in the event log. Cloning keeps previously read snapshots immutable.
func (m *Minter) updateVolatile(f func(s *state.State) error) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	current := m.state
	m.mu.RUnlock()
	if current == nil {
		return ErrEmptyLog
	}
	next := current.Clone()
	if err := f(next); err != nil {
		return err
	}
	m.publish(next, m.logSize)
	return nil
}

// Replay rebuilds the state by streaming the full log through Apply. It
// returns ErrEmptyLog when nothing has been recorded yet, and a fatal error
// when the log contradicts itself.
func (m *Minter) Replay(ctx context.Context) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	var (
		st    *state.State
		start uint64
	)
	for {
		page, err := m.store.Events(ctx, start, replayPageSize)
		if err != nil {
			return fmt.Errorf("failed to read events from position %d: %w", start, err)
		}
		if len(page) == 0 {
			break
		}
		if st == nil {
			st, err = state.Replay(page)
			if err != nil {
				return err
			}
		} else {
			for i, ev := range page {
				if err := st.Apply(ev.Payload); err != nil {
					return fmt.Errorf("replaying event %d (%s): %w",
						start+uint64(i), ev.Payload.EventType(), err)
				}
			}
		}
		start += uint64(len(page))
	}
	if st == nil {
		return ErrEmptyLog
	}

	m.publish(st, start)
	m.logger.Info("replayed event log",
		zap.Uint64("events", start),
		zap.Uint64("last_scraped_block", st.LastScrapedBlock),
		zap.Int("pending_withdrawals", st.Withdrawals.QueueLen()))
	return nil
}

// Bootstrap seeds an empty log with the Init event and publishes the initial
// state. It refuses to run against a non-empty log.
func (m *Minter) Bootstrap(ctx context.Context, init *events.Init) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	total, err := m.store.TotalCount(ctx)
	if err != nil {
		return fmt.Errorf("failed to count events: %w", err)
	}
	if total != 0 {
		return fmt.Errorf("cannot bootstrap: log already holds %d events", total)
	}

	st, err := state.NewState(init)
	if err != nil {
		return err
	}
	batch := []events.Event{{Timestamp: m.now().UnixNano(), Payload: init}}
	if err := m.store.Append(ctx, batch); err != nil {
		return fmt.Errorf("failed to append init event: %w", err)
	}

	m.publish(st, 1)
	metrics.EventsAppended.WithLabelValues(init.EventType().String()).Inc()
	m.logger.Info("bootstrapped event log",
		zap.Uint64("chain_id", init.ChainID),
		zap.String("helper_address", init.HelperAddress.Hex()),
		zap.Uint64("last_scraped_block", init.LastScrapedBlock))
	return nil
}

// Events returns one page of the log plus the total count.
func (m *Minter) Events(ctx context.Context, start uint64, limit int) ([]events.Event, uint64, error) {
	page, err := m.store.Events(ctx, start, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read events from position %d: %w", start, err)
	}
	m.mu.RLock()
	total := m.logSize
	m.mu.RUnlock()
	return page, total, nil
}

// publish swaps in the new state and records the log size. Must only be
// called with writeMu held.
func (m *Minter) publish(s *state.State, size uint64) {
	m.mu.Lock()
	m.state = s
	m.logSize = size
	m.mu.Unlock()
	metrics.EventLogSize.Set(float64(size))
}
