package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/csvflow/csvflow/pkg/identity"
	"github.com/csvflow/csvflow/pkg/types"
)

type fakeDelivery struct {
	task        *types.Task
	redelivered bool
	acks        int
	nacks       int
	requeued    bool
}

func (d *fakeDelivery) Body() []byte {
	body, _ := json.Marshal(d.task)
	return body
}

func (d *fakeDelivery) Task() (*types.Task, error) {
	if d.task == nil {
		return nil, errors.New("malformed body")
	}
	return d.task, nil
}

func (d *fakeDelivery) Redelivered() bool { return d.redelivered }

func (d *fakeDelivery) Ack() error {
	d.acks++
	return nil
}

func (d *fakeDelivery) Nack(requeue bool) error {
	d.nacks++
	d.requeued = requeue
	return nil
}

type fakeNotifier struct {
	results []*types.Result
}

func (n *fakeNotifier) Notify(ctx context.Context, result *types.Result) error {
	n.results = append(n.results, result)
	return nil
}

func newTask(payload string) *types.Task {
	return &types.Task{
		Identity:     identity.New([]byte(payload), time.Unix(100, 0)),
		Payload:      []byte(payload),
		DeliveryMode: types.Persistent,
	}
}

func TestHandleSuccess(t *testing.T) {
	t.Run("success acks once and emits one success notification", func(t *testing.T) {
		notifier := &fakeNotifier{}
		calls := 0
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				calls++
				return &types.ResultData{RowCount: 1}, nil
			},
		})

		d := &fakeDelivery{task: newTask("a,b\n1,2\n")}
		p.Handle(d)

		if calls != 1 {
			t.Errorf("expected 1 process call, got %d", calls)
		}
		if d.acks != 1 || d.nacks != 0 {
			t.Errorf("expected exactly 1 ack, got %d acks %d nacks", d.acks, d.nacks)
		}
		if len(notifier.results) != 1 {
			t.Fatalf("expected 1 notification, got %d", len(notifier.results))
		}
		if notifier.results[0].Status != types.StatusSuccess {
			t.Errorf("expected success status, got %s", notifier.results[0].Status)
		}
		if notifier.results[0].WorkerID != "w1" {
			t.Errorf("expected worker id on result, got %q", notifier.results[0].WorkerID)
		}
	})

	t.Run("redelivery of a completed task is acked without reprocessing", func(t *testing.T) {
		notifier := &fakeNotifier{}
		calls := 0
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				calls++
				return &types.ResultData{RowCount: 1}, nil
			},
		})

		task := newTask("a,b\n1,2\n")
		p.Handle(&fakeDelivery{task: task})

		redelivered := &fakeDelivery{task: task, redelivered: true}
		p.Handle(redelivered)

		if calls != 1 {
			t.Errorf("expected collaborator invoked once, got %d", calls)
		}
		if redelivered.acks != 1 {
			t.Errorf("expected duplicate to be acked, got %d acks", redelivered.acks)
		}
		if len(notifier.results) != 1 {
			t.Errorf("expected no second notification, got %d", len(notifier.results))
		}
	})
}

func TestHandleFailures(t *testing.T) {
	t.Run("retryable failure nacks with requeue and unmarks the identity", func(t *testing.T) {
		notifier := &fakeNotifier{}
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				return nil, types.RetryableError(errors.New("downstream hiccup"))
			},
		})

		task := newTask("a,b\n1,2\n")
		d := &fakeDelivery{task: task}
		p.Handle(d)

		if d.nacks != 1 || !d.requeued {
			t.Errorf("expected nack with requeue, got %d nacks requeue=%v", d.nacks, d.requeued)
		}
		if d.acks != 0 {
			t.Errorf("expected no ack, got %d", d.acks)
		}
		if len(notifier.results) != 0 {
			t.Errorf("expected no notification on requeue, got %d", len(notifier.results))
		}
		if p.seen.Contains(task.Identity.Key()) {
			t.Error("expected identity unmarked so the redelivery is reprocessed")
		}
	})

	t.Run("permanent failure acks and emits one failure notification", func(t *testing.T) {
		notifier := &fakeNotifier{}
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				return nil, types.PermanentError(errors.New("missing required column: value"))
			},
		})

		d := &fakeDelivery{task: newTask("a,b\n1,2\n")}
		p.Handle(d)

		if d.acks != 1 || d.nacks != 0 {
			t.Errorf("expected immediate ack, got %d acks %d nacks", d.acks, d.nacks)
		}
		if len(notifier.results) != 1 {
			t.Fatalf("expected 1 failure notification, got %d", len(notifier.results))
		}
		if notifier.results[0].Status != types.StatusFailed {
			t.Errorf("expected failed status, got %s", notifier.results[0].Status)
		}
	})

	t.Run("retryable failures hit the ceiling and end as permanent failure", func(t *testing.T) {
		notifier := &fakeNotifier{}
		calls := 0
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				calls++
				return nil, types.RetryableError(errors.New("still failing"))
			},
		})

		task := newTask("a,b\n1,2\n")

		// Simulated broker loop: redeliver until the worker acks.
		var last *fakeDelivery
		for i := 0; i < 10; i++ {
			last = &fakeDelivery{task: task, redelivered: i > 0}
			p.Handle(last)
			if last.acks > 0 {
				break
			}
		}

		if calls != 3 {
			t.Errorf("expected exactly 3 attempts at ceiling 3, got %d", calls)
		}
		if last.acks != 1 {
			t.Errorf("expected terminal delivery acked, got %d", last.acks)
		}
		if len(notifier.results) != 1 {
			t.Fatalf("expected exactly 1 failure notification, got %d", len(notifier.results))
		}
		if notifier.results[0].Status != types.StatusFailed {
			t.Errorf("expected failed status, got %s", notifier.results[0].Status)
		}

		// The identity is settled now; a late redelivery is a duplicate.
		late := &fakeDelivery{task: task, redelivered: true}
		p.Handle(late)
		if late.acks != 1 || calls != 3 {
			t.Error("expected late redelivery short-circuited as duplicate")
		}
	})

	t.Run("untagged errors count as retryable", func(t *testing.T) {
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Process: func(payload []byte) (*types.ResultData, error) {
				return nil, errors.New("unexpected")
			},
		})

		d := &fakeDelivery{task: newTask("a,b\n1,2\n")}
		p.Handle(d)

		if d.nacks != 1 || !d.requeued {
			t.Errorf("expected requeue for untagged error, got %d nacks requeue=%v", d.nacks, d.requeued)
		}
	})

	t.Run("unreadable task is dropped, not requeued", func(t *testing.T) {
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			Process: func(payload []byte) (*types.ResultData, error) {
				t.Error("collaborator must not run for unreadable tasks")
				return nil, nil
			},
		})

		d := &fakeDelivery{task: nil}
		p.Handle(d)

		if d.nacks != 1 || d.requeued {
			t.Errorf("expected drop nack, got %d nacks requeue=%v", d.nacks, d.requeued)
		}
	})

	t.Run("missing blob store for referenced payload is permanent", func(t *testing.T) {
		notifier := &fakeNotifier{}
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Notifier:      notifier,
			Process: func(payload []byte) (*types.ResultData, error) {
				t.Error("collaborator must not run without a payload")
				return nil, nil
			},
		})

		task := newTask("")
		task.Payload = nil
		task.PayloadRef = task.Identity.Key()
		d := &fakeDelivery{task: task}
		p.Handle(d)

		if d.acks != 1 {
			t.Errorf("expected permanent-failure ack, got %d acks %d nacks", d.acks, d.nacks)
		}
		if len(notifier.results) != 1 || notifier.results[0].Status != types.StatusFailed {
			t.Error("expected one failure notification")
		}
	})
}

func TestAttemptAccounting(t *testing.T) {
	t.Run("attempt counters stay bounded when retries settle elsewhere", func(t *testing.T) {
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 5,
			MaxRetries:    3,
			Process: func(payload []byte) (*types.ResultData, error) {
				return nil, types.RetryableError(errors.New("downstream hiccup"))
			},
		})

		// Each requeued task lands on another worker and never reaches
		// a terminal outcome here, so nothing clears its counter.
		for i := 0; i < 100; i++ {
			d := &fakeDelivery{task: newTask(fmt.Sprintf("a,b\n%d,2\n", i))}
			p.Handle(d)
			if d.nacks != 1 || !d.requeued {
				t.Fatalf("expected requeue for task %d", i)
			}
			if len(p.attempts) > 5 {
				t.Fatalf("attempts grew to %d beyond the dedup bound 5", len(p.attempts))
			}
		}
		if len(p.attempts) != 5 || len(p.attemptOrder) != 5 {
			t.Errorf("expected exactly 5 tracked counters, got %d (%d ordered)",
				len(p.attempts), len(p.attemptOrder))
		}
	})

	t.Run("terminal outcomes clear the counter", func(t *testing.T) {
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Process: func(payload []byte) (*types.ResultData, error) {
				return &types.ResultData{RowCount: 1}, nil
			},
		})

		task := newTask("a,b\n1,2\n")
		p.Handle(&fakeDelivery{task: task})

		if len(p.attempts) != 0 || len(p.attemptOrder) != 0 {
			t.Errorf("expected counters cleared after success, got %d (%d ordered)",
				len(p.attempts), len(p.attemptOrder))
		}
	})
}

type fakeBlobs struct {
	objects map[string][]byte
	fail    bool
}

func (b *fakeBlobs) Get(ctx context.Context, key string) ([]byte, error) {
	if b.fail {
		return nil, errors.New("object store unreachable")
	}
	data, ok := b.objects[key]
	if !ok {
		return nil, errors.New("not found")
	}
	return data, nil
}

func TestHandleOffloadedPayload(t *testing.T) {
	t.Run("referenced payload is fetched and processed", func(t *testing.T) {
		task := newTask("a,b\n1,2\n")
		blobs := &fakeBlobs{objects: map[string][]byte{
			task.Identity.Key(): task.Payload,
		}}
		task.PayloadRef = task.Identity.Key()
		task.Payload = nil

		var got []byte
		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Blobs:         blobs,
			Process: func(payload []byte) (*types.ResultData, error) {
				got = payload
				return &types.ResultData{RowCount: 1}, nil
			},
		})

		d := &fakeDelivery{task: task}
		p.Handle(d)

		if string(got) != "a,b\n1,2\n" {
			t.Errorf("expected fetched payload, got %q", got)
		}
		if d.acks != 1 {
			t.Errorf("expected ack, got %d", d.acks)
		}
	})

	t.Run("fetch failure is transient and requeues", func(t *testing.T) {
		task := newTask("a,b\n1,2\n")
		task.PayloadRef = task.Identity.Key()
		task.Payload = nil

		p := New(Options{
			WorkerID:      "w1",
			DedupCapacity: 10,
			MaxRetries:    3,
			Blobs:         &fakeBlobs{fail: true},
			Process: func(payload []byte) (*types.ResultData, error) {
				t.Error("collaborator must not run when the fetch fails")
				return nil, nil
			},
		})

		d := &fakeDelivery{task: task}
		p.Handle(d)

		if d.nacks != 1 || !d.requeued {
			t.Errorf("expected requeue, got %d nacks requeue=%v", d.nacks, d.requeued)
		}
	})
}
