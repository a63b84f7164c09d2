package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/csvflow/csvflow/pkg/types"
)

// Producer publishes tasks to a durable work queue. A publish that
// fails after the connection dropped triggers one redial (itself a
// bounded retry loop) and a second attempt before surfacing a
// TransportError.
type Producer struct {
	mu         sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	queueName  string
	url        string
	maxRetries int
	retryDelay time.Duration
}

// NewProducer connects to the broker (with bounded retry) and declares
// the queue.
func NewProducer(rabbitURL, queueName string) (*Producer, error) {
	conn, channel, err := openChannel(rabbitURL, queueName, defaultMaxRetries, defaultRetryDelay)
	if err != nil {
		return nil, err
	}

	log.Printf("✓ Producer ready, queue: %s\n", queueName)

	return &Producer{
		conn:       conn,
		channel:    channel,
		queueName:  queueName,
		url:        rabbitURL,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
	}, nil
}

// Publish sends a task to the work queue. The message id is set to the
// task's identity key so the broker's own deduplication features can
// cooperate; persistence follows the task's delivery mode.
func (p *Producer) Publish(ctx context.Context, task *types.Task) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %s", err)
	}

	mode := amqp.Transient
	if task.DeliveryMode == types.Persistent {
		mode = amqp.Persistent
	}

	err = p.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: mode,
		MessageId:    task.Identity.Key(),
		Timestamp:    time.Unix(task.Identity.SubmissionEpoch, 0),
	})
	if err != nil {
		return err
	}

	log.Printf("  Published task %s (size: %d bytes)\n", shortKey(task.Identity.Key()), len(body))
	return nil
}

// PublishResult sends a processing result to the queue, message id set
// to the identity key so the consuming side can deduplicate redelivered
// results. Results are always persistent.
func (p *Producer) PublishResult(ctx context.Context, result *types.Result) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %s", err)
	}

	err = p.publish(ctx, amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		MessageId:    result.Identity.Key(),
	})
	if err != nil {
		return err
	}

	log.Printf("  Published result %s (status: %s)\n", shortKey(result.Identity.Key()), result.Status)
	return nil
}

// publish sends one message, redialing once on failure so a dropped
// connection does not lose the publish.
func (p *Producer) publish(ctx context.Context, msg amqp.Publishing) error {
	if err := p.send(ctx, msg); err != nil {
		log.Printf("[!] Publish failed (%v), reconnecting...\n", err)
		if rerr := p.redial(); rerr != nil {
			return rerr
		}
		if err := p.send(ctx, msg); err != nil {
			return &TransportError{Op: "publish", Err: err}
		}
	}
	return nil
}

func (p *Producer) send(ctx context.Context, msg amqp.Publishing) error {
	p.mu.Lock()
	channel := p.channel
	p.mu.Unlock()

	return channel.PublishWithContext(ctx,
		"",          // exchange
		p.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		msg,
	)
}

// redial re-establishes the connection and channel after a drop.
func (p *Producer) redial() error {
	conn, channel, err := openChannel(p.url, p.queueName, p.maxRetries, p.retryDelay)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.conn, p.channel = conn, channel
	p.mu.Unlock()
	return nil
}

// Close closes the producer connection.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}
