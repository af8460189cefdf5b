// Package events carries the notifications produced by batch engines to
// live streams, the wallet webhook and the message bus.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"batchnav/internal/metrics"
)

const (
	OrderDelivered      = "order.delivered"
	RouteUpdated        = "route.updated"
	AdjustmentEvaluated = "adjustment.evaluated"
	BatchStatus         = "batch.status"
	BatchDegraded       = "batch.degraded"
)

type Event struct {
	ID      string    `json:"id"`
	Type    string    `json:"type"`
	BatchID string    `json:"batchId"`
	TS      time.Time `json:"ts"`
	Data    any       `json:"data,omitempty"`
}

func New(typ, batchID string, data any) Event {
	return Event{ID: "evt_" + uuid.NewString(), Type: typ, BatchID: batchID, TS: time.Now().UTC(), Data: data}
}

// DeliveredData is the whole payload of order.delivered. The wallet needs
// nothing else.
type DeliveredData struct {
	OrderID     string    `json:"orderId"`
	CompletedAt time.Time `json:"completedAt"`
}

type DegradedData struct {
	Reason          string   `json:"reason"`
	RemainingOrders []string `json:"remainingOrders"`
}

type StatusData struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops everything.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to every sink; one failing sink does not stop the
// others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Filter forwards only the listed event types.
type Filter struct {
	Next  Publisher
	Types []string
}

func (f Filter) Publish(ctx context.Context, e Event) error {
	for _, t := range f.Types {
		if t == e.Type {
			return f.Next.Publish(ctx, e)
		}
	}
	return nil
}

func count(sink string, e Event) {
	metrics.EventsPublished.WithLabelValues(sink, e.Type).Inc()
}
