package worker

import (
	"context"
	"testing"
	"time"

	"github.com/csvflow/csvflow/pkg/dispatch"
	"github.com/csvflow/csvflow/pkg/types"
)

type capturePublisher struct {
	tasks []*types.Task
}

func (p *capturePublisher) Publish(ctx context.Context, task *types.Task) error {
	p.tasks = append(p.tasks, task)
	return nil
}

// Full pipeline walk: duplicate submission suppressed at the dispatcher,
// the single queued task processed once, a simulated redelivery
// short-circuited at the worker.
func TestSubmitProcessRedeliver(t *testing.T) {
	ctx := context.Background()
	payload := []byte("a,b\n1,2\n")

	pub := &capturePublisher{}
	d := dispatch.New(dispatch.Options{Publisher: pub, DedupCapacity: 100})

	first, published, err := d.Submit(ctx, payload, "test.csv", time.Unix(100, 0))
	if err != nil || !published {
		t.Fatalf("first submit: published=%v err=%v", published, err)
	}

	second, published, err := d.Submit(ctx, payload, "test.csv", time.Unix(101, 0))
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if published || second.Key() != first.Key() {
		t.Fatal("expected second submit suppressed with the first identity")
	}
	if len(pub.tasks) != 1 {
		t.Fatalf("expected 1 task on the queue, got %d", len(pub.tasks))
	}

	notifier := &fakeNotifier{}
	calls := 0
	p := New(Options{
		WorkerID:      "w1",
		DedupCapacity: 100,
		MaxRetries:    3,
		Notifier:      notifier,
		Process: func(payload []byte) (*types.ResultData, error) {
			calls++
			return &types.ResultData{RowCount: 1}, nil
		},
	})

	delivery := &fakeDelivery{task: pub.tasks[0]}
	p.Handle(delivery)

	if calls != 1 || delivery.acks != 1 {
		t.Fatalf("expected one processed ack, got calls=%d acks=%d", calls, delivery.acks)
	}
	if len(notifier.results) != 1 || notifier.results[0].Status != types.StatusSuccess {
		t.Fatal("expected a single success notification")
	}

	redelivery := &fakeDelivery{task: pub.tasks[0], redelivered: true}
	p.Handle(redelivery)

	if calls != 1 {
		t.Errorf("expected redelivery not reprocessed, collaborator ran %d times", calls)
	}
	if redelivery.acks != 1 {
		t.Errorf("expected redelivery acked as duplicate, got %d acks", redelivery.acks)
	}
	if len(notifier.results) != 1 {
		t.Errorf("expected no extra notification, got %d", len(notifier.results))
	}
}
