package events

import (
	"context"
	"sync"
)

// Stream is what the SSE and WebSocket handlers consume.
type Stream interface {
	Publisher
	Subscribe(batchID string) chan Event
	Unsubscribe(batchID string, ch chan Event)
}

// Broker is the in-process stream. Slow subscribers drop events instead of
// blocking the engine.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan Event]struct{} // batchId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan Event]struct{}{}}
}

func (b *Broker) Subscribe(batchID string) chan Event {
	ch := make(chan Event, 8)
	b.mu.Lock()
	if b.subs[batchID] == nil {
		b.subs[batchID] = map[chan Event]struct{}{}
	}
	b.subs[batchID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(batchID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[batchID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, batchID)
	}
	close(ch)
}

func (b *Broker) Publish(_ context.Context, e Event) error {
	b.mu.Lock()
	for ch := range b.subs[e.BatchID] {
		select {
		case ch <- e:
		default:
		}
	}
	b.mu.Unlock()
	count("stream", e)
	return nil
}

// Subscribers reports the number of open subscriptions for a batch.
func (b *Broker) Subscribers(batchID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[batchID])
}
