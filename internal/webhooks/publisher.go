package webhooks

import (
	"context"
	"encoding/json"
	"errors"

	"batchnav/internal/events"
	"batchnav/internal/metrics"
	"batchnav/internal/store"
)

// Target is one configured receiver, e.g. the wallet service.
type Target struct {
	URL    string
	Secret string
	// Events lists the event types sent to URL; empty means all.
	Events []string
}

func (t Target) wants(eventType string) bool {
	if len(t.Events) == 0 {
		return true
	}
	for _, e := range t.Events {
		if e == eventType {
			return true
		}
	}
	return false
}

// Publisher enqueues events for the worker; it never calls out itself.
type Publisher struct {
	Store   store.Store
	Targets []Target
}

func NewPublisher(s store.Store, targets ...Target) *Publisher {
	return &Publisher{Store: s, Targets: targets}
}

func (p *Publisher) Publish(ctx context.Context, e events.Event) error {
	var body []byte
	var errs []error
	for _, t := range p.Targets {
		if t.URL == "" || !t.wants(e.Type) {
			continue
		}
		if body == nil {
			b, err := json.Marshal(e)
			if err != nil {
				return err
			}
			body = b
		}
		if _, err := p.Store.EnqueueWebhook(ctx, e.Type, t.URL, t.Secret, body); err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.EventsPublished.WithLabelValues("webhook", e.Type).Inc()
	}
	return errors.Join(errs...)
}
