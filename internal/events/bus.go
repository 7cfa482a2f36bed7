package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

const defaultBuffer = 64

// Bus fans events out to in-process subscribers such as websocket clients.
// A subscriber whose buffer is full misses the event rather than stalling
// the publisher.
type Bus struct {
	mu          sync.Mutex
	nextID      int
	buffer      int
	subscribers map[int]chan Event
}

func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Bus{
		buffer:      buffer,
		subscribers: make(map[int]chan Event),
	}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
			log.Warn().
				Str("component", "event_bus").
				Int("subscriber", id).
				Str("event_type", string(e.Type)).
				Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	ch := make(chan Event, b.buffer)
	b.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
	return ch, cancel
}

func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}
