package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Queue publishes messages to a durable RabbitMQ queue. The connection
// is held for the lifetime of the process.
type Queue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	now  func() time.Time
}

// OpenQueue dials the broker and declares the queue so that messages
// survive broker restarts.
func OpenQueue(url, name string) (*Queue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("notify: dial broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("notify: declare queue %q: %w", name, err)
	}
	return &Queue{conn: conn, ch: ch, name: name, now: time.Now}, nil
}

// Publish implements Publisher. Messages are persistent and routed via
// the default exchange straight to the queue.
func (q *Queue) Publish(ctx context.Context, m Message) error {
	if m.QueuedAt.IsZero() {
		m.QueuedAt = q.now().UTC()
	}
	body, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("notify: marshal message: %w", err)
	}
	err = q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    m.QueuedAt,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (q *Queue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Consume delivers queued messages to handler, acking on success and
// requeueing on failure. It returns when ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, handler func(Message) error) error {
	deliveries, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("notify: consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			var m Message
			if err := json.Unmarshal(d.Body, &m); err != nil {
				d.Nack(false, false) // poison message, drop it
				continue
			}
			if err := handler(m); err != nil {
				d.Nack(false, true)
				continue
			}
			d.Ack(false)
		}
	}
}
