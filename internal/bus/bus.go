// Package bus implements the typed pub/sub event bus. Delivery is at-most-once
// and never blocks the publisher: a subscriber whose channel is full loses the
// event and its drop counter is incremented.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"mindloop/internal/logging"
	"mindloop/internal/types"
)

// DefaultSubscriberBuffer is the channel depth for new subscriptions.
const DefaultSubscriberBuffer = 64

// Subscription is one subscriber's attachment to the bus.
type Subscription struct {
	topics  map[types.Topic]struct{} // empty means all topics
	ch      chan types.Event
	dropped atomic.Uint64
	closed  atomic.Bool
}

// Events returns the receive channel. Closed when the subscription is removed
// or the bus shuts down.
func (s *Subscription) Events() <-chan types.Event {
	return s.ch
}

// Dropped reports how many events this subscriber lost to a full channel.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *Subscription) wants(topic types.Topic) bool {
	if len(s.topics) == 0 {
		return true
	}
	_, ok := s.topics[topic]
	return ok
}

// Bus dispatches events to subscribers. Publication order is preserved per
// topic because dispatch happens under the bus lock; no cross-topic ordering
// is guaranteed to observers on different subscriptions.
type Bus struct {
	mu        sync.Mutex
	subs      []*Subscription
	seq       atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64
	closed    bool
	now       func() time.Time
}

// New creates an event bus.
func New() *Bus {
	return &Bus{now: time.Now}
}

// Subscribe attaches a subscriber to the given topics (all topics when none
// are named). The returned channel is buffered; slow consumers drop events
// rather than stalling the loop.
func (b *Bus) Subscribe(topics ...types.Topic) *Subscription {
	return b.SubscribeBuffered(DefaultSubscriberBuffer, topics...)
}

// SubscribeBuffered is Subscribe with an explicit channel depth.
func (b *Bus) SubscribeBuffered(buffer int, topics ...types.Topic) *Subscription {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	sub := &Subscription{ch: make(chan types.Event, buffer)}
	if len(topics) > 0 {
		sub.topics = make(map[types.Topic]struct{}, len(topics))
		for _, t := range topics {
			sub.topics[t] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		sub.closed.Store(true)
		return sub
	}
	b.subs = append(b.subs, sub)
	logging.BusDebug("subscriber attached (topics=%d, total=%d)", len(topics), len(b.subs))
	return sub
}

// Unsubscribe detaches a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			if !s.closed.Swap(true) {
				close(s.ch)
			}
			return
		}
	}
}

// Publish delivers an event to every interested subscriber. Safe to call from
// any goroutine; never blocks on a subscriber.
func (b *Bus) Publish(topic types.Topic, payload interface{}) {
	event := types.Event{
		ID:      b.seq.Add(1),
		Topic:   topic,
		At:      b.now(),
		Payload: payload,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.published.Add(1)
	for _, sub := range b.subs {
		if !sub.wants(topic) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			logging.BusDebug("dropped %s for slow subscriber", topic)
		}
	}
}

// Close shuts down the bus and closes every subscriber channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil
	logging.Bus("event bus closed (published=%d dropped=%d)", b.published.Load(), b.dropped.Load())
}

// Stats summarizes bus activity.
type Stats struct {
	Subscribers int
	Published   uint64
	Dropped     uint64
}

// Stats returns current counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Subscribers: len(b.subs),
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
	}
}
