// Package bus implements the broadcast event channel that every engine
// publishes EventEnvelopes onto and every consumer (reducer loop, UI,
// sampler) subscribes to. Go has no built-in broadcast channel
// equivalent to a single-producer/multi-consumer fanout with lag
// tracking, so this hand-rolls one over a set of per-subscriber
// buffered channels.
package bus

import (
	"sync"

	"github.com/orkesy/orkesy/pkg/runtime"
)

// DefaultCapacity is the default per-subscriber buffer depth.
const DefaultCapacity = 1000

// Subscription is a consumer's view onto the bus. Unsubscribe detaches it
// from the bus; its channels are not closed.
type Subscription struct {
	ch      chan runtime.EventEnvelope
	lagged  chan uint64
	bus     *Bus
	id      uint64
}

// Events returns the channel of delivered envelopes.
func (s *Subscription) Events() <-chan runtime.EventEnvelope { return s.ch }

// Lagged returns a channel that receives the value 1 when an envelope
// was dropped on this subscriber's behalf. It holds one pending
// notification; drops that happen while it is unread are not counted.
func (s *Subscription) Lagged() <-chan uint64 { return s.lagged }

// Unsubscribe removes the subscription; further sends to it are dropped.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s.id)
}

// Bus is a broadcast event channel: every Publish is fanned out to every
// live Subscription. A slow subscriber never blocks the publisher or
// other subscribers — if its buffer is full, its oldest buffered
// envelope is dropped to make room and a notification is offered on
// its Lagged channel.
type Bus struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription
	nextID   uint64
	capacity int
}

// New returns a Bus whose subscriber buffers hold capacity envelopes.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{subs: make(map[uint64]*Subscription), capacity: capacity}
}

// Subscribe registers a new consumer and returns its Subscription.
func (b *Bus) Subscribe() *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		ch:     make(chan runtime.EventEnvelope, b.capacity),
		lagged: make(chan uint64, 1),
		bus:    b,
		id:     b.nextID,
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
}

// Publish fans env out to every current subscriber. Non-blocking: a
// full subscriber buffer has its oldest entry evicted to make room.
func (b *Bus) Publish(env runtime.EventEnvelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- env:
		default:
			// Buffer full: drop the oldest entry and retry once.
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- env:
			default:
			}
			select {
			case sub.lagged <- 1:
			default:
			}
		}
	}
}

// SubscriberCount returns the number of live subscriptions, for tests
// and diagnostics.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
