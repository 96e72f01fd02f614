// SPDX-License-Identifier: MIT

// Package events provides fan-out of textual routing/health events: an
// in-process Bus any subsystem can broadcast to, and a websocket Hub that
// bridges the Bus to connected dashboard clients.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one broadcast text message.
type Event struct {
	Time    time.Time `json:"time"`
	Message string    `json:"message"`
}

// subscriberBuffer is the per-subscriber queue depth. A subscriber that
// falls further behind than this starts losing events rather than blocking
// the broadcaster.
const subscriberBuffer = 256

// Bus fans events out to subscribers. Broadcasts never block: each
// subscriber has its own buffered queue and events are dropped per
// subscriber when the queue is full. Delivery is FIFO per subscriber; no
// ordering is guaranteed across subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	log    zerolog.Logger
}

// NewBus creates an empty Bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{
		subs: make(map[uint64]chan Event),
		log:  log.With().Str("component", "event-bus").Logger(),
	}
}

// Subscribe registers a new subscriber. The returned cancel function
// removes the subscription and closes the channel; it is safe to call more
// than once.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Broadcast formats and publishes an event to all current subscribers. The
// message is also logged at info level.
func (b *Bus) Broadcast(format string, args ...interface{}) {
	ev := Event{Time: time.Now(), Message: fmt.Sprintf(format, args...)}
	b.log.Info().Msg(ev.Message)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Uint64("subscriber", id).Msg("subscriber queue full, dropping event")
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
