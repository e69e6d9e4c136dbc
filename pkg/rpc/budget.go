package rpc

import (
	"errors"
	"sync"
	"time"
)

// ErrInsufficientBudget is returned when a fan-out would overdraw the request
// budget. Nothing is charged and nothing is dispatched; the caller retries
// after the next refill.
var ErrInsufficientBudget = errors.New("insufficient request budget")

// Budget is a token bucket metering outbound provider traffic in bytes of
// expected response size. Every fan-out charges its full cost up front, so a
// shortfall can never leave a query half-dispatched.
type Budget struct {
	mu       sync.Mutex
	level    uint64
	capacity uint64
	refill   uint64
	interval time.Duration
	last     time.Time
}

// NewBudget creates a bucket filled to capacity, refilled by refill units
// every interval.
func NewBudget(capacity, refill uint64, interval time.Duration) *Budget {
	return &Budget{
		level:    capacity,
		capacity: capacity,
		refill:   refill,
		interval: interval,
		last:     time.Now(),
	}
}

// Charge withdraws cost units or returns ErrInsufficientBudget without
// withdrawing anything.
func (b *Budget) Charge(cost uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	if b.level < cost {
		return ErrInsufficientBudget
	}
	b.level -= cost
	return nil
}

// Level reports the currently available units.
func (b *Budget) Level() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(time.Now())
	return b.level
}

func (b *Budget) refillLocked(now time.Time) {
	if b.interval <= 0 {
		return
	}
	elapsed := now.Sub(b.last)
	if elapsed < b.interval {
		return
	}
	ticks := uint64(elapsed / b.interval)
	b.last = b.last.Add(time.Duration(ticks) * b.interval)
	credit := ticks * b.refill
	if credit < ticks { // multiplication overflow
		credit = b.capacity
	}
	b.level += credit
	if b.level > b.capacity || b.level < credit {
		b.level = b.capacity
	}
}
