// Package conditions provides the external traffic/weather feed consumed
// by the adjustment monitor.
package conditions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	redis "github.com/redis/go-redis/v9"

	"batchnav/internal/model"
)

// Source returns the latest snapshot. Before anything has been observed it
// reports clear conditions. OrderChanges marks a single pushed update and
// is never part of the stored snapshot.
type Source interface {
	Latest(ctx context.Context) (model.Conditions, error)
}

// Notifier pushes snapshots as they arrive. Slow readers miss
// intermediate values, never the latest one.
type Notifier interface {
	Updates() <-chan model.Conditions
}

// Publisher accepts a new snapshot from a host.
type Publisher interface {
	Publish(ctx context.Context, c model.Conditions) error
}

// Static is an in-process feed, settable by the host or tests.
type Static struct {
	v       atomic.Pointer[model.Conditions]
	updates chan model.Conditions
}

func NewStatic(initial model.Conditions) *Static {
	s := &Static{updates: make(chan model.Conditions, 1)}
	s.v.Store(&initial)
	return s
}

func (s *Static) Latest(context.Context) (model.Conditions, error) { return *s.v.Load(), nil }

func (s *Static) Updates() <-chan model.Conditions { return s.updates }

func (s *Static) Publish(_ context.Context, c model.Conditions) error {
	if c.ObservedAt.IsZero() {
		c.ObservedAt = time.Now().UTC()
	}
	offer(s.updates, c)
	state := stateOf(c)
	s.v.Store(&state)
	return nil
}

// stateOf drops the one-shot order change flag from a snapshot.
func stateOf(c model.Conditions) model.Conditions {
	c.OrderChanges = false
	return c
}

// offer replaces any unread value with c.
func offer(ch chan model.Conditions, c model.Conditions) {
	for {
		select {
		case ch <- c:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}

// RedisFeed follows a Redis pub/sub channel. The last snapshot is also kept
// under a key so a fresh process starts from current conditions.
type RedisFeed struct {
	rdb     redis.UniversalClient
	channel string
	key     string
	latest  atomic.Pointer[model.Conditions]
	updates chan model.Conditions
}

func NewRedisFeed(rdb redis.UniversalClient, channel string) *RedisFeed {
	if channel == "" {
		channel = "conditions"
	}
	return &RedisFeed{rdb: rdb, channel: channel, key: channel + ":latest", updates: make(chan model.Conditions, 1)}
}

func (f *RedisFeed) Updates() <-chan model.Conditions { return f.updates }

func (f *RedisFeed) Latest(ctx context.Context) (model.Conditions, error) {
	if c := f.latest.Load(); c != nil {
		return *c, nil
	}
	raw, err := f.rdb.Get(ctx, f.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.ClearConditions(), nil
	}
	if err != nil {
		return model.Conditions{}, fmt.Errorf("conditions latest: %w", err)
	}
	var c model.Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return model.Conditions{}, fmt.Errorf("conditions decode: %w", err)
	}
	c = stateOf(c)
	f.latest.Store(&c)
	return c, nil
}

func (f *RedisFeed) Publish(ctx context.Context, c model.Conditions) error {
	if c.ObservedAt.IsZero() {
		c.ObservedAt = time.Now().UTC()
	}
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	state, err := json.Marshal(stateOf(c))
	if err != nil {
		return err
	}
	pipe := f.rdb.TxPipeline()
	pipe.Set(ctx, f.key, state, 0)
	pipe.Publish(ctx, f.channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("conditions publish: %w", err)
	}
	return nil
}

// Run consumes the channel until ctx is done. ready, if not nil, is closed
// once the subscription is confirmed.
func (f *RedisFeed) Run(ctx context.Context, ready chan<- struct{}) error {
	ps := f.rdb.Subscribe(ctx, f.channel)
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("conditions subscribe: %w", err)
	}
	if ready != nil {
		close(ready)
	}
	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var c model.Conditions
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Printf("op=conditions.decode channel=%s err=%v", f.channel, err)
				continue
			}
			state := stateOf(c)
			f.latest.Store(&state)
			offer(f.updates, c)
		}
	}
}
