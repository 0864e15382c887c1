package bridge

import (
	"log/slog"
	"sync"

	edgesync "github.com/soilsnap/edge/internal/sync"
)

// Bus re-publishes sync events to every local subscriber. It implements
// edgesync.Broadcaster so a local replay pass reports through it too.
type Bus struct {
	mu   sync.Mutex
	subs map[int]chan edgesync.Event
	next int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[int]chan edgesync.Event)}
}

// Subscribe returns a channel receiving every published event and a func
// that unsubscribes and closes it. A subscriber that falls buffer events
// behind misses events.
func (b *Bus) Subscribe(buffer int) (<-chan edgesync.Event, func()) {
	ch := make(chan edgesync.Event, buffer)
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber without blocking.
func (b *Bus) Publish(ev edgesync.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			slog.Debug("subscriber behind, event dropped",
				"component", "bridge",
				"subscriber", id,
				"type", ev.Type,
			)
		}
	}
}

// Broadcast implements edgesync.Broadcaster.
func (b *Bus) Broadcast(ev edgesync.Event) {
	b.Publish(ev)
}

// Subscribers returns the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
