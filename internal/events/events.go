// Package events delivers sync and authorization notifications to UI and
// reporting collaborators.
//
// Publishing never blocks: a subscriber whose buffer is full misses the event
// and the bus counts the drop. The core never waits on a consumer.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Kind names an event.
type Kind string

const (
	SyncStarted          Kind = "sync-started"
	SyncProgress         Kind = "sync-progress"
	SyncFinished         Kind = "sync-finished"
	AuthorizationChanged Kind = "authorization-changed"
)

// Event is a notification. Only the fields relevant to Kind are set:
//
//	sync-started           Total
//	sync-progress          Confirmed, Total
//	sync-finished          Confirmed, Failed
//	authorization-changed  State
type Event struct {
	Kind      Kind      `json:"kind"`
	Confirmed int       `json:"confirmed,omitempty"`
	Failed    int       `json:"failed,omitempty"`
	Total     int       `json:"total,omitempty"`
	State     string    `json:"state,omitempty"`
	At        time.Time `json:"at"`
}

// Bus fans events out to subscribers. A nil *Bus discards everything, so
// components can take one optionally.
type Bus struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	nextID  int
	closed  bool
	dropped atomic.Int64
	now     func() time.Time
	logger  *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[int]chan Event),
		now:    time.Now,
		logger: logger,
	}
}

// Subscribe registers a subscriber with the given buffer size and returns
// its channel plus a cancel func. Cancel closes the channel and is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers ev to every subscriber that has room. At is stamped if
// zero.
func (b *Bus) Publish(ev Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event dropped", "kind", ev.Kind)
		}
	}
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (b *Bus) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

// Close closes every subscriber channel. Later subscriptions receive a
// closed channel.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
