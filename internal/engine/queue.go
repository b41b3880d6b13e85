package engine

import (
	"slices"
	"sync"
)

// triggerQueue collects drain requests for the Run loop.
//
// Reasons are deduplicated and the signal channel has a buffer of one, so
// any number of triggers arriving while a drain is running coalesce into a
// single wake-up.
//
// Thread-safety: Push may be called from any goroutine. Take is called only
// from the Run loop.
type triggerQueue struct {
	mu      sync.Mutex
	reasons []string
	closed  bool
	signal  chan struct{} // buffered, size 1
}

func newTriggerQueue() *triggerQueue {
	return &triggerQueue{signal: make(chan struct{}, 1)}
}

// Push records a trigger. Returns false if the queue is closed.
func (q *triggerQueue) Push(reason string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if !slices.Contains(q.reasons, reason) {
		q.reasons = append(q.reasons, reason)
	}

	// Non-blocking: a pending signal already covers this trigger.
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Take returns and clears the accumulated reasons.
func (q *triggerQueue) Take() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	reasons := q.reasons
	q.reasons = nil
	return reasons
}

// Wait returns the signal channel. It is closed by Close.
func (q *triggerQueue) Wait() <-chan struct{} {
	return q.signal
}

// Len returns the number of distinct pending reasons.
func (q *triggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.reasons)
}

// Close wakes the Run loop for the last time.
func (q *triggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
