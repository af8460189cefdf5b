package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBroker implements Stream over Redis Pub/Sub so every API replica
// sees events produced by any engine.
type RedisBroker struct {
	rdb    redis.UniversalClient
	prefix string

	mu   sync.Mutex
	subs map[chan Event]*redis.PubSub
}

func NewRedisBroker(rdb redis.UniversalClient) *RedisBroker {
	return &RedisBroker{rdb: rdb, prefix: "batch:", subs: map[chan Event]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(batchID string) chan Event {
	ch := make(chan Event, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, b.chanName(batchID))
	// initial consume to ensure subscription
	if _, err := ps.Receive(ctx); err != nil {
		log.Printf("op=events.subscribe batch=%s err=%v", batchID, err)
	}
	b.mu.Lock()
	b.subs[ch] = ps
	b.mu.Unlock()
	go func() {
		defer close(ch)
		for msg := range ps.Channel() {
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				continue
			}
			select {
			case ch <- e:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the pub/sub connection; the reader goroutine then
// closes ch.
func (b *RedisBroker) Unsubscribe(batchID string, ch chan Event) {
	b.mu.Lock()
	ps := b.subs[ch]
	delete(b.subs, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if err := b.rdb.Publish(ctx, b.chanName(e.BatchID), data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", e.Type, err)
	}
	count("redis", e)
	return nil
}

func (b *RedisBroker) chanName(batchID string) string { return b.prefix + batchID }
