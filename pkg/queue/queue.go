// Package queue wraps the publish/consume/ack/nack semantics of RabbitMQ
// into the minimal transport the dispatcher and workers need.
package queue

import (
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csvflow/csvflow/pkg/types"
)

const (
	defaultMaxRetries = 10
	defaultRetryDelay = 5 * time.Second
)

// TransportError is a connection-level fault. Connection loss is retried
// internally with a bounded backoff and surfaced only when retries
// exhaust.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Delivery is one broker delivery of a task. The consumer invokes the
// handler with it; the handler must end the delivery with exactly one
// Ack or Nack.
type Delivery interface {
	// Body is the raw message body.
	Body() []byte
	// Task decodes the delivered message body.
	Task() (*types.Task, error)
	// Redelivered reports whether the broker has delivered this message
	// before (after a nack or an unacknowledged consumer death).
	Redelivered() bool
	// Ack permanently removes the message from the queue.
	Ack() error
	// Nack fails the message; with requeue the broker redelivers it to
	// this or another worker, without it the message is dropped.
	Nack(requeue bool) error
}

// connectWithRetry attempts to connect to RabbitMQ with a bounded backoff.
func connectWithRetry(url string, maxRetries int, delay time.Duration) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for i := 0; i < maxRetries; i++ {
		log.Printf("Attempting to connect to RabbitMQ (attempt %d/%d)...\n", i+1, maxRetries)
		conn, err = amqp.Dial(url)
		if err == nil {
			log.Println("✓ Connected to RabbitMQ")
			return conn, nil
		}

		log.Printf("Failed to connect: %s\n", err)
		if i < maxRetries-1 {
			log.Printf("Retrying in %v...\n", delay)
			time.Sleep(delay)
		}
	}

	return nil, &TransportError{Op: fmt.Sprintf("dial after %d attempts", maxRetries), Err: err}
}

// openChannel dials (with bounded retry), opens a channel and declares
// the queue. Used both at construction time and when re-establishing a
// dropped connection.
func openChannel(url, queueName string, maxRetries int, delay time.Duration) (*amqp.Connection, *amqp.Channel, error) {
	conn, err := connectWithRetry(url, maxRetries, delay)
	if err != nil {
		return nil, nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %s", err)
	}

	_, err = channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}

	return conn, channel, nil
}
