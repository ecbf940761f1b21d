package relay

import (
	"sync"

	"github.com/Shaostoul/Humanity-sub000/internal/metrics"
	"github.com/Shaostoul/Humanity-sub000/internal/models"
)

// Bus is the single in-process fan-out channel. Every active session
// holds one subscription; every publish goes through here.
//
// Publish iterates subscribers under the mutex, so all subscribers
// observe publishes in the same total order. Sends never block: a
// subscriber whose buffer is full misses the message instead of
// stalling the publisher, and the outbound loop keeps running on the
// messages it did get (lag skips, it does not disconnect).
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	capacity int
}

// Subscription is one subscriber's buffered view of the bus.
type Subscription struct {
	ch chan models.RoutedMessage
}

// Messages returns the channel of broadcasts for this subscriber. It is
// closed on Unsubscribe.
func (s *Subscription) Messages() <-chan models.RoutedMessage {
	return s.ch
}

// NewBus creates a bus whose subscribers buffer up to capacity messages.
func NewBus(capacity int) *Bus {
	if capacity <= 0 {
		capacity = 64
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscriber.
func (b *Bus) Subscribe() *Subscription {
	sub := &Subscription{ch: make(chan models.RoutedMessage, b.capacity)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	b.mu.Lock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.mu.Unlock()
}

// Publish fans a message out to every subscriber.
func (b *Bus) Publish(msg models.RoutedMessage) {
	metrics.MessagesRouted.WithLabelValues(string(msg.Type)).Inc()

	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			metrics.BusDropped.Inc()
		}
	}
}

// Subscribers returns the current subscriber count.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
