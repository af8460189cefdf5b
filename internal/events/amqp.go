package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultExchange is the topic exchange the wallet service binds to.
const DefaultExchange = "batch_events"

type amqpChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQP publishes events to a durable topic exchange, routed by event type,
// and waits for the broker confirm.
type AMQP struct {
	conn     *amqp.Connection
	ch       amqpChannel
	acks     <-chan amqp.Confirmation
	exchange string

	mu sync.Mutex // confirms are matched in publish order
}

func DialAMQP(url, exchange string) (*AMQP, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp declare %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("amqp confirm mode: %w", err)
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	return &AMQP{conn: conn, ch: ch, acks: acks, exchange: exchange}, nil
}

func (a *AMQP) Ping() error {
	if a.conn == nil || a.conn.IsClosed() {
		return errors.New("amqp connection is closed")
	}
	return nil
}

func (a *AMQP) Close() {
	if a.ch != nil {
		_ = a.ch.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
}

func (a *AMQP) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err = a.ch.PublishWithContext(ctx, a.exchange, e.Type, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    e.ID,
		Timestamp:    time.Now().UTC(),
		Headers:      amqp.Table{"batch_id": e.BatchID},
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("amqp publish %s: %w", e.Type, err)
	}
	select {
	case conf, ok := <-a.acks:
		if !ok {
			return errors.New("amqp confirm channel closed")
		}
		if !conf.Ack {
			return fmt.Errorf("amqp publish %s: nack from broker", e.Type)
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	count("amqp", e)
	return nil
}
