// Package guard serializes the minter's long-running passes and bounds
// withdrawal intake. A guard reserves a slot before any work starts; the
// returned release must run on every exit path.
package guard

import (
	"errors"
	"fmt"
	"sync"
)

// Task names one long-running pass. Each task runs at most once at a time.
type Task string

const (
	TaskScrapeLogs         Task = "scrape_logs"
	TaskProcessWithdrawals Task = "process_withdrawals"
	TaskReimbursement      Task = "reimbursement"
)

var (
	// ErrAlreadyProcessing rejects a start while the same task or caller is
	// still in flight.
	ErrAlreadyProcessing = errors.New("already processing")
	// ErrTooManyConcurrent rejects intake beyond the concurrent cap.
	ErrTooManyConcurrent = errors.New("too many concurrent requests")
	// ErrTooManyPending rejects intake while the withdrawal queue is full.
	ErrTooManyPending = errors.New("too many pending requests")
)

// TaskGuard admits one run per task at a time. Overlapping ticker fires and
// API-triggered passes contend on it instead of queueing.
type TaskGuard struct {
	mu     sync.Mutex
	active map[Task]struct{}
}

func NewTaskGuard() *TaskGuard {
	return &TaskGuard{active: make(map[Task]struct{})}
}

// Start reserves the task. The returned release is idempotent and must be
// called when the run ends.
func (g *TaskGuard) Start(task Task) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.active[task]; busy {
		return nil, fmt.Errorf("task %s: %w", task, ErrAlreadyProcessing)
	}
	g.active[task] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.active, task)
			g.mu.Unlock()
		})
	}, nil
}

// WithdrawGuard bounds withdrawal intake: one in-flight request per caller,
// maxConcurrent in-flight requests total, and no intake at all while
// maxPending requests sit in the withdrawal queue. The queue length comes
// from the pending callback so the guard never holds a state reference.
type WithdrawGuard struct {
	maxConcurrent int
	maxPending    int
	pending       func() int

	mu       sync.Mutex
	inFlight map[string]struct{}
}

func NewWithdrawGuard(maxConcurrent, maxPending int, pending func() int) *WithdrawGuard {
	return &WithdrawGuard{
		maxConcurrent: maxConcurrent,
		maxPending:    maxPending,
		pending:       pending,
		inFlight:      make(map[string]struct{}),
	}
}

// Start admits one withdrawal intake for the caller. The returned release is
// idempotent and must be called when the intake ends.
func (g *WithdrawGuard) Start(caller string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inFlight[caller]; busy {
		return nil, ErrAlreadyProcessing
	}
	if len(g.inFlight) >= g.maxConcurrent {
		return nil, ErrTooManyConcurrent
	}
	if g.pending() >= g.maxPending {
		return nil, ErrTooManyPending
	}
	g.inFlight[caller] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inFlight, caller)
			g.mu.Unlock()
		})
	}, nil
}
