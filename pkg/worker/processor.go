// Package worker consumes tasks one at a time and turns processing
// outcomes into ack/nack decisions.
package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/csvflow/csvflow/pkg/dedup"
	"github.com/csvflow/csvflow/pkg/notify"
	"github.com/csvflow/csvflow/pkg/queue"
	"github.com/csvflow/csvflow/pkg/types"
)

// ProcessFunc is the injected processing collaborator: a pure function
// from payload bytes to a result. It must not touch the queue; failures
// are tagged retryable or permanent via types.ProcessingError.
type ProcessFunc func(payload []byte) (*types.ResultData, error)

// BlobStore fetches payloads that were offloaded instead of inlined.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
}

// StatusCache mirrors terminal outcomes into the shared status store.
// Best-effort.
type StatusCache interface {
	SetStatus(ctx context.Context, digest, status string, ttl time.Duration) error
}

// Options configures a Processor. Process is required; Notifier, Blobs
// and Statuses are optional and nil disables each of them.
type Options struct {
	WorkerID      string
	DedupCapacity int
	MaxRetries    int
	Process       ProcessFunc
	Notifier      notify.Notifier
	Blobs         BlobStore
	Statuses      StatusCache
}

// Processor is the worker-side state machine. One delivery is handled
// at a time (the transport's prefetch-1 enforces it), so the dedup
// cache and attempt counters need no locking.
type Processor struct {
	opts         Options
	seen         *dedup.Cache
	attempts     map[string]int
	attemptOrder []string
}

func New(opts Options) *Processor {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.DedupCapacity < 1 {
		opts.DedupCapacity = 1
	}
	return &Processor{
		opts:     opts,
		seen:     dedup.New(opts.DedupCapacity),
		attempts: make(map[string]int),
	}
}

// bumpAttempts increments the attempt counter for key. The counter map
// shares the dedup cache's bound: a task requeued here but settled by
// another worker never sees a terminal outcome locally, so without the
// bound its entry would outlive the process. An evicted counter restarts
// the cycle at attempt 1, costing at most extra retries of an already
// long-lived identity.
func (p *Processor) bumpAttempts(key string) int {
	if _, ok := p.attempts[key]; !ok {
		if len(p.attemptOrder) >= p.opts.DedupCapacity {
			oldest := p.attemptOrder[0]
			p.attemptOrder = p.attemptOrder[1:]
			delete(p.attempts, oldest)
		}
		p.attemptOrder = append(p.attemptOrder, key)
	}
	p.attempts[key]++
	return p.attempts[key]
}

// clearAttempts drops the counter on a terminal outcome.
func (p *Processor) clearAttempts(key string) {
	if _, ok := p.attempts[key]; !ok {
		return
	}
	delete(p.attempts, key)
	for i, k := range p.attemptOrder {
		if k == key {
			p.attemptOrder = append(p.attemptOrder[:i], p.attemptOrder[i+1:]...)
			break
		}
	}
}

// Handle runs one delivery through
// RECEIVED → (DUPLICATE | PROCESSING) → (ACKED_SUCCESS |
// ACKED_PERMANENT_FAILURE | NACKED_REQUEUED) and always ends it with
// exactly one ack or nack.
func (p *Processor) Handle(d queue.Delivery) {
	ctx := context.Background()

	task, err := d.Task()
	if err != nil {
		// Poison message: no identity to report against, drop it so it
		// cannot cycle forever.
		log.Printf("[✗] Worker %s: unreadable task: %v\n", p.opts.WorkerID, err)
		d.Nack(false)
		return
	}

	key := task.Identity.Key()

	if p.seen.Contains(key) {
		// Already done or already claimed by this worker instance.
		log.Printf("[↷] Worker %s: skipping duplicate task %s\n", p.opts.WorkerID, shortKey(key))
		d.Ack()
		return
	}
	p.seen.Add(key)
	attempt := p.bumpAttempts(key)

	log.Printf("[→] Worker %s: processing task %s (attempt %d/%d, redelivered: %v)\n",
		p.opts.WorkerID, shortKey(key), attempt, p.opts.MaxRetries, d.Redelivered())

	start := time.Now()
	data, err := p.resolveAndProcess(ctx, task)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		p.ackSuccess(ctx, d, task, data, elapsed)
	case types.IsRetryable(err) && attempt < p.opts.MaxRetries:
		p.nackRequeue(d, task, err)
	default:
		p.ackPermanentFailure(ctx, d, task, err, elapsed)
	}
}

// resolveAndProcess fetches an offloaded payload if needed and invokes
// the processing collaborator. A blob fetch fault is transient.
func (p *Processor) resolveAndProcess(ctx context.Context, task *types.Task) (*types.ResultData, error) {
	payload := task.Payload
	if task.PayloadRef != "" {
		if p.opts.Blobs == nil {
			return nil, types.PermanentError(fmt.Errorf("task %s references blob %s but no blob store is configured",
				shortKey(task.Identity.Key()), task.PayloadRef))
		}
		fetched, err := p.opts.Blobs.Get(ctx, task.PayloadRef)
		if err != nil {
			return nil, types.RetryableError(fmt.Errorf("failed to fetch payload: %w", err))
		}
		payload = fetched
	}
	return p.opts.Process(payload)
}

func (p *Processor) ackSuccess(ctx context.Context, d queue.Delivery, task *types.Task, data *types.ResultData, elapsed time.Duration) {
	if err := d.Ack(); err != nil {
		log.Printf("[!] Worker %s: ack failed for %s: %v\n", p.opts.WorkerID, shortKey(task.Identity.Key()), err)
	}
	p.clearAttempts(task.Identity.Key())

	result := &types.Result{
		Identity:       task.Identity,
		WorkerID:       p.opts.WorkerID,
		Status:         types.StatusSuccess,
		RowCount:       data.RowCount,
		Rows:           data.Rows,
		ProcessedAt:    time.Now().UTC(),
		ProcessingTime: elapsed.Seconds(),
	}
	p.emit(ctx, result)
	p.setStatus(ctx, task.Identity.Key(), "completed")

	log.Printf("[✓] Worker %s: completed task %s (%d rows, %.2fs)\n",
		p.opts.WorkerID, shortKey(task.Identity.Key()), data.RowCount, elapsed.Seconds())
}

// nackRequeue returns the task to the queue for another attempt. The
// identity is removed from the cache first so the redelivered copy is
// genuinely reprocessed rather than short-circuited as a duplicate; the
// attempt counter survives and caps the cycle.
func (p *Processor) nackRequeue(d queue.Delivery, task *types.Task, cause error) {
	p.seen.Remove(task.Identity.Key())
	if err := d.Nack(true); err != nil {
		log.Printf("[!] Worker %s: nack failed for %s: %v\n", p.opts.WorkerID, shortKey(task.Identity.Key()), err)
	}
	log.Printf("[!] Worker %s: requeued task %s after transient failure: %v\n",
		p.opts.WorkerID, shortKey(task.Identity.Key()), cause)
}

func (p *Processor) ackPermanentFailure(ctx context.Context, d queue.Delivery, task *types.Task, cause error, elapsed time.Duration) {
	// Ack to stop further redelivery; the identity stays cached so a
	// late redelivered copy is recognized as already settled.
	if err := d.Ack(); err != nil {
		log.Printf("[!] Worker %s: ack failed for %s: %v\n", p.opts.WorkerID, shortKey(task.Identity.Key()), err)
	}
	p.clearAttempts(task.Identity.Key())

	result := &types.Result{
		Identity:       task.Identity,
		WorkerID:       p.opts.WorkerID,
		Status:         types.StatusFailed,
		Error:          cause.Error(),
		ProcessedAt:    time.Now().UTC(),
		ProcessingTime: elapsed.Seconds(),
	}
	p.emit(ctx, result)
	p.setStatus(ctx, task.Identity.Key(), "failed")

	log.Printf("[✗] Worker %s: permanent failure for task %s: %v\n",
		p.opts.WorkerID, shortKey(task.Identity.Key()), cause)
}

// emit forwards a result to the notification collaborator. Best-effort:
// the ack/nack decision has already been made.
func (p *Processor) emit(ctx context.Context, result *types.Result) {
	if p.opts.Notifier == nil {
		return
	}
	if err := p.opts.Notifier.Notify(ctx, result); err != nil {
		log.Printf("[!] Worker %s: failed to publish result %s: %v\n",
			p.opts.WorkerID, shortKey(result.Identity.Key()), err)
	}
}

func (p *Processor) setStatus(ctx context.Context, digest, status string) {
	if p.opts.Statuses == nil {
		return
	}
	if err := p.opts.Statuses.SetStatus(ctx, digest, status, 24*time.Hour); err != nil {
		log.Printf("[!] Worker %s: failed to set status: %v\n", p.opts.WorkerID, err)
	}
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}
