// Package notify carries processing outcomes to whoever is watching.
// Delivery is best-effort and lives outside the dedup/ack protocol: a
// failed notification never changes an ack/nack decision.
package notify

import (
	"context"

	"github.com/csvflow/csvflow/pkg/queue"
	"github.com/csvflow/csvflow/pkg/types"
)

// Notifier receives one Result per terminal task outcome.
type Notifier interface {
	Notify(ctx context.Context, result *types.Result) error
}

// QueueNotifier publishes results to the durable results queue, where
// the dispatcher process picks them up and pushes them to subscribers.
type QueueNotifier struct {
	producer *queue.Producer
}

func NewQueueNotifier(producer *queue.Producer) *QueueNotifier {
	return &QueueNotifier{producer: producer}
}

func (n *QueueNotifier) Notify(ctx context.Context, result *types.Result) error {
	return n.producer.PublishResult(ctx, result)
}
