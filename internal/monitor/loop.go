package monitor

import (
	"context"
	"log"
	"time"

	"batchnav/internal/conditions"
	"batchnav/internal/model"
)

const DefaultInterval = 45 * time.Second

// Loop turns the cadence ticker and pushed feed updates into triggers.
// The host owns it; Fire is normally a registry-wide fan-out.
type Loop struct {
	Interval time.Duration
	Source   conditions.Source
	Updates  <-chan model.Conditions
	Fire     func(Trigger)
	Stop     chan struct{}
}

func NewLoop(src conditions.Source, interval time.Duration, fire func(Trigger)) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	l := &Loop{Interval: interval, Source: src, Fire: fire, Stop: make(chan struct{})}
	if n, ok := src.(conditions.Notifier); ok {
		l.Updates = n.Updates()
	}
	return l
}

func (l *Loop) Start() {
	go func() {
		ticker := time.NewTicker(l.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-l.Stop:
				return
			case <-ticker.C:
				l.tick()
			case c, ok := <-l.Updates:
				if !ok {
					l.Updates = nil
					continue
				}
				l.Fire(Trigger{Conditions: c, OrdersChanged: c.OrderChanges, Source: "feed"})
			}
		}
	}()
}

func (l *Loop) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := l.Source.Latest(ctx)
	if err != nil {
		log.Printf("op=monitor.tick err=%v", err)
		return
	}
	// order changes only count when pushed; a cadence read is plain state
	c.OrderChanges = false
	l.Fire(Trigger{Conditions: c, Source: "cadence"})
}
