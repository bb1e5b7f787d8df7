package media

import (
	"sync"

	"github.com/babelcloud/camrelay/internal/util"
)

// Broadcaster fans encoded pictures out to any number of subscribers. The
// latest picture is cached and handed to new subscribers right away, so a
// viewer does not stare at a blank screen until the next frame.
type Broadcaster struct {
	name        string
	mu          sync.RWMutex
	subscribers map[string]chan<- []byte
	latest      []byte
	closed      bool
}

// NewBroadcaster creates a broadcaster; name only shows up in logs.
func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{
		name:        name,
		subscribers: make(map[string]chan<- []byte),
	}
}

// Subscribe adds a subscriber with the given ID and returns its channel.
// Subscribing an ID twice replaces the earlier channel.
func (b *Broadcaster) Subscribe(subscriberID string, bufferSize int) <-chan []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan []byte)
		close(ch)
		return ch
	}
	if bufferSize < 1 {
		bufferSize = 1
	}

	if old, ok := b.subscribers[subscriberID]; ok {
		close(old)
	}
	ch := make(chan []byte, bufferSize)
	b.subscribers[subscriberID] = ch
	if len(b.latest) > 0 {
		ch <- b.latest
	}

	util.GetLogger().Debug("Display subscriber added", "display", b.name, "id", subscriberID, "total", len(b.subscribers))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[subscriberID]; ok {
		close(ch)
		delete(b.subscribers, subscriberID)
		util.GetLogger().Debug("Display subscriber removed", "display", b.name, "id", subscriberID, "remaining", len(b.subscribers))
	}
}

// Broadcast sends data to every subscriber. A subscriber whose channel is
// full is dropped; its channel is closed so the reader notices.
func (b *Broadcaster) Broadcast(data []byte) {
	if len(data) == 0 {
		return
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.latest = data
	subscribers := make(map[string]chan<- []byte, len(b.subscribers))
	for id, ch := range b.subscribers {
		subscribers[id] = ch
	}
	b.mu.Unlock()

	var dropped []string
	b.mu.RLock()
	for id, ch := range subscribers {
		// Skip channels closed by a concurrent Unsubscribe.
		if b.subscribers[id] != ch {
			continue
		}
		select {
		case ch <- data:
		default:
			dropped = append(dropped, id)
		}
	}
	b.mu.RUnlock()

	if len(dropped) > 0 {
		b.mu.Lock()
		for _, id := range dropped {
			if ch, ok := b.subscribers[id]; ok && ch == subscribers[id] {
				close(ch)
				delete(b.subscribers, id)
				util.GetLogger().Warn("Dropping slow display subscriber", "display", b.name, "id", id)
			}
		}
		b.mu.Unlock()
	}
}

// Close closes every subscriber channel. Later subscribers get a closed channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subscribers {
		close(ch)
	}
	b.subscribers = make(map[string]chan<- []byte)
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
