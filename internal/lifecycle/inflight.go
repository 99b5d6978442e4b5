package lifecycle

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mixelka/mailwatch/internal/metrics"
)

// Operation is a tracked long-running task
type Operation struct {
	ID          uint64
	Description string
	StartedAt   time.Time
}

// Tracker is the process-wide registry of in-flight operations.
// Shutdown reads it to know what to wait for.
type Tracker struct {
	mu      sync.Mutex
	nextID  uint64
	ops     map[uint64]Operation
	changed chan struct{}
	now     func() time.Time
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		ops:     make(map[uint64]Operation),
		changed: make(chan struct{}),
		now:     time.Now,
	}
}

// Track registers an operation. The returned func removes it; calling it
// more than once is harmless.
func (t *Tracker) Track(description string) (done func()) {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.ops[id] = Operation{ID: id, Description: description, StartedAt: t.now()}
	t.mu.Unlock()
	metrics.InFlight.Inc()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.ops, id)
			close(t.changed)
			t.changed = make(chan struct{})
			t.mu.Unlock()
			metrics.InFlight.Dec()
		})
	}
}

// Snapshot returns the current operations, oldest first
func (t *Tracker) Snapshot() []Operation {
	t.mu.Lock()
	ops := make([]Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	t.mu.Unlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].ID < ops[j].ID })
	return ops
}

// Len returns the number of operations in flight
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Wait blocks until no operation is in flight or ctx is done
func (t *Tracker) Wait(ctx context.Context) error {
	for {
		t.mu.Lock()
		n := len(t.ops)
		changed := t.changed
		t.mu.Unlock()

		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
