package queue

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csvflow/csvflow/pkg/types"
)

// Consumer delivers tasks from a durable queue one at a time. Prefetch
// is pinned to 1 so a worker never holds more than one unacknowledged
// message: distribution stays fair and a crash forfeits at most one
// in-flight task. A lost broker connection is re-established with a
// bounded backoff; Consume returns a TransportError only when the
// redial retries exhaust.
type Consumer struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	url        string
	maxRetries int
	retryDelay time.Duration
	done       chan struct{}
	closeOnce  sync.Once
}

// NewConsumer connects to the broker (with bounded retry), declares the
// queue and sets the one-in-flight QoS.
func NewConsumer(rabbitURL, queueName string) (*Consumer, error) {
	conn, channel, err := openChannel(rabbitURL, queueName, defaultMaxRetries, defaultRetryDelay)
	if err != nil {
		return nil, err
	}

	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to set QoS: %s", err)
	}

	log.Printf("✓ Consumer ready, queue: %s\n", queueName)

	return &Consumer{
		conn:       conn,
		channel:    channel,
		queueName:  queueName,
		url:        rabbitURL,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		done:       make(chan struct{}),
	}, nil
}

// Consume blocks, invoking handler once per delivered task. The handler
// runs on the calling goroutine and must ack or nack before the next
// delivery arrives. Returns nil after Close; when the broker connection
// drops it redials with a bounded backoff and re-registers, returning a
// TransportError only once the retries exhaust. An in-flight handler
// always finishes first.
func (c *Consumer) Consume(handler func(Delivery)) error {
	for {
		c.mu.Lock()
		channel := c.channel
		c.mu.Unlock()

		msgs, err := channel.Consume(
			c.queueName,
			"",    // consumer
			false, // auto-ack
			false, // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			return &TransportError{Op: "consume", Err: err}
		}

		log.Println("[*] Waiting for tasks. To exit press CTRL+C")

		if died := c.drain(msgs, handler); !died {
			return nil
		}

		// The broker closed the delivery channel on us: connection
		// loss, not shutdown.
		log.Println("[!] Delivery channel closed unexpectedly, reconnecting...")
		if err := c.redial(); err != nil {
			return err
		}
	}
}

// drain dispatches deliveries until the channel dies or Close is
// called. Reports true when the channel closed without Close, which
// means the connection was lost and the caller should redial.
func (c *Consumer) drain(msgs <-chan amqp.Delivery, handler func(Delivery)) bool {
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				select {
				case <-c.done:
					return false
				default:
					return true
				}
			}
			handler(&amqpDelivery{msg: msg})
		case <-c.done:
			return false
		}
	}
}

// redial re-establishes the connection, channel and QoS after a drop.
func (c *Consumer) redial() error {
	conn, channel, err := openChannel(c.url, c.queueName, c.maxRetries, c.retryDelay)
	if err != nil {
		return err
	}

	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		return fmt.Errorf("failed to set QoS: %s", err)
	}

	c.mu.Lock()
	c.conn, c.channel = conn, channel
	c.mu.Unlock()
	return nil
}

// Close stops the consume loop and closes the connection. Safe to call
// more than once and from multiple goroutines.
func (c *Consumer) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

type amqpDelivery struct {
	msg amqp.Delivery
}

func (d *amqpDelivery) Body() []byte {
	return d.msg.Body
}

func (d *amqpDelivery) Task() (*types.Task, error) {
	var task types.Task
	if err := json.Unmarshal(d.msg.Body, &task); err != nil {
		return nil, fmt.Errorf("failed to parse task: %s", err)
	}
	return &task, nil
}

func (d *amqpDelivery) Redelivered() bool {
	return d.msg.Redelivered
}

func (d *amqpDelivery) Ack() error {
	return d.msg.Ack(false)
}

func (d *amqpDelivery) Nack(requeue bool) error {
	return d.msg.Nack(false, requeue)
}
