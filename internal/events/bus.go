// Package events provides a publish-subscribe bus of configuration views for
// streaming consumers.
package events

import (
	"sync"

	"github.com/tienda-app/tienda-go/internal/models"
)

const subBufferSize = 8

// Bus is a non-blocking publish-subscribe event bus.
// A subscriber that is slow to consume has intermediate views dropped rather
// than blocking the publisher; every view is a full state, so the latest one
// is always enough to converge.
type Bus struct {
	mu     sync.Mutex
	subs   map[string]chan models.ConfigView
	closed bool
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[string]chan models.ConfigView),
	}
}

// Subscribe creates a new subscription with the given ID.
// The returned channel will receive view updates.
// Call Unsubscribe when done to clean up. Subscribing to a closed bus returns
// a closed channel.
func (b *Bus) Subscribe(id string) <-chan models.ConfigView {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan models.ConfigView, subBufferSize)
	if b.closed {
		close(ch)
		return ch
	}
	if old, ok := b.subs[id]; ok {
		close(old)
	}
	b.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish sends a view to all subscribers.
// When a subscriber's buffer is full the oldest queued view is discarded to
// make room, so the newest view is never lost.
func (b *Bus) Publish(v models.ConfigView) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- v:
			continue
		default:
		}
		// Full: drop the oldest, then retry once.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- v:
		default:
		}
	}
}

// Close closes every subscriber channel. Later subscriptions receive a closed
// channel and Publish becomes a no-op. Close is idempotent.
func (b *Bus) Close() {
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

// SubscriberCount returns the current number of subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
