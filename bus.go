package main

import (
	"sync"
	"sync/atomic"
)

// busBacklog is how many undelivered events a subscriber may accumulate before
// it is considered lagging.
const busBacklog = 16

// Bus is a channel's broadcast endpoint. Publishing never blocks: a subscriber
// whose delivery channel is full is flagged as lagged and the event is dropped
// for it. Lag is fatal to the subscribing session; the bridge does not resync.
type Bus struct {
	mu   sync.Mutex
	subs map[*BusSub]struct{}
}

// BusSub is one subscription on a Bus. Sessions may point several
// subscriptions at the same delivery channel so a single select covers all of
// their channels.
type BusSub struct {
	bus    *Bus
	ch     chan<- BusEvent
	lagged atomic.Bool
}

// NewBus creates an empty broadcast bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[*BusSub]struct{})}
}

// Attach subscribes the given delivery channel to the bus. The channel should
// be buffered to at least busBacklog.
func (b *Bus) Attach(ch chan<- BusEvent) *BusSub {
	sub := &BusSub{bus: b, ch: ch}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers the event to every subscriber that has room for it.
func (b *Bus) Publish(ev BusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.lagged.Store(true)
		}
	}
}

// Cancel removes the subscription from its bus.
func (s *BusSub) Cancel() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
}

// Lagged reports whether the subscriber missed an event.
func (s *BusSub) Lagged() bool {
	return s.lagged.Load()
}
