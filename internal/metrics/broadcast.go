package metrics

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types published by the engine.
const (
	EventCommand    = "command"
	EventFault      = "fault"
	EventDegraded   = "degraded"
	EventRecovered  = "recovered"
	EventProfileSet = "profile_set"
)

// Event is one item on the outbound event stream.
type Event struct {
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data any       `json:"data,omitempty"`
}

// Broadcaster fans events out to subscribers. Publish never blocks; a
// subscriber whose buffer is full misses events and the miss is counted.
type Broadcaster struct {
	mu      sync.Mutex
	subs    map[string]chan Event
	buffer  int
	dropped uint64
	closed  bool
}

// NewBroadcaster returns a broadcaster giving each subscriber buffer slots.
func NewBroadcaster(buffer int) *Broadcaster {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broadcaster{subs: make(map[string]chan Event), buffer: buffer}
}

// Subscribe registers a new subscriber. After Close it returns a closed
// channel.
func (b *Broadcaster) Subscribe() (string, <-chan Event) {
	id := uuid.NewString()
	ch := make(chan Event, b.buffer)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return id, ch
	}
	b.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber.
func (b *Broadcaster) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		close(ch)
		delete(b.subs, id)
	}
}

// Publish delivers ev to every subscriber that has room.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped++
		}
	}
}

// Subscribers returns the number of live subscribers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped for slow subscribers.
func (b *Broadcaster) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close closes every subscriber channel; later Publish calls are no-ops.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}
