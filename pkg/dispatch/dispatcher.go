// Package dispatch turns incoming files into queued tasks, admitting
// each distinct content at most once per dispatcher lifetime.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/csvflow/csvflow/pkg/dedup"
	"github.com/csvflow/csvflow/pkg/identity"
	"github.com/csvflow/csvflow/pkg/types"
)

// DispatchError is a submission-level failure. The caller may retry;
// the optimistic dedup insertion has already been rolled back.
type DispatchError struct {
	Err error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch: %v", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// Publisher sends a task to the work queue.
type Publisher interface {
	Publish(ctx context.Context, task *types.Task) error
}

// BlobStore holds payloads too large to ride inline on the queue.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
}

// StatusCache tracks per-digest task status for dashboards and fast
// duplicate answers. Best-effort.
type StatusCache interface {
	SetStatus(ctx context.Context, digest, status string, ttl time.Duration) error
}

// Ledger records submission history for audit. Best-effort.
type Ledger interface {
	RecordSubmission(ctx context.Context, id types.TaskIdentity, filename string) error
}

// Options configures a Dispatcher. Publisher and DedupCapacity are
// required; the storage collaborators are optional and nil disables
// each of them.
type Options struct {
	Publisher      Publisher
	DedupCapacity  int
	Blobs          BlobStore
	Statuses       StatusCache
	Ledger         Ledger
	InlineMaxBytes int
}

// Dispatcher owns the submit-side dedup cache. Safe for concurrent use:
// the check-then-add on the cache is a single critical section, so two
// racing submissions of identical content publish once.
type Dispatcher struct {
	mu   sync.Mutex
	seen *dedup.Cache
	opts Options
}

func New(opts Options) *Dispatcher {
	return &Dispatcher{
		seen: dedup.New(opts.DedupCapacity),
		opts: opts,
	}
}

// Submit fingerprints the payload and publishes a persistent task unless
// identical content was already admitted. The returned bool reports
// whether a task was published; false means the content was a duplicate,
// which is not an error, and the identity of the admitted content is
// returned either way.
func (d *Dispatcher) Submit(ctx context.Context, payload []byte, filename string, submittedAt time.Time) (types.TaskIdentity, bool, error) {
	id := identity.New(payload, submittedAt)
	key := id.Key()

	d.mu.Lock()
	if d.seen.Contains(key) {
		d.mu.Unlock()
		log.Printf("    [↷] Skip: duplicate content %s\n", shortKey(key))
		return id, false, nil
	}
	d.seen.Add(key)
	d.mu.Unlock()

	task := &types.Task{
		Identity:     id,
		Filename:     filename,
		DeliveryMode: types.Persistent,
	}

	if d.opts.Blobs != nil && d.opts.InlineMaxBytes > 0 && len(payload) > d.opts.InlineMaxBytes {
		if err := d.opts.Blobs.Put(ctx, key, payload); err != nil {
			d.rollback(key)
			return types.TaskIdentity{}, false, &DispatchError{Err: fmt.Errorf("failed to store payload: %w", err)}
		}
		task.PayloadRef = key
		log.Printf("    [↑] Offloaded payload %s (%d bytes)\n", shortKey(key), len(payload))
	} else {
		task.Payload = payload
	}

	if err := d.opts.Publisher.Publish(ctx, task); err != nil {
		d.rollback(key)
		return types.TaskIdentity{}, false, &DispatchError{Err: err}
	}

	if d.opts.Ledger != nil {
		if err := d.opts.Ledger.RecordSubmission(ctx, id, filename); err != nil {
			log.Printf("    [!] Warning: failed to record submission: %v\n", err)
		}
	}
	if d.opts.Statuses != nil {
		if err := d.opts.Statuses.SetStatus(ctx, key, "queued", 24*time.Hour); err != nil {
			log.Printf("    [!] Warning: failed to set status: %v\n", err)
		}
	}

	log.Printf("    [✓] Queued %s (%s)\n", shortKey(key), filename)
	return id, true, nil
}

// rollback removes an optimistic dedup insertion after a failed publish
// so a later retry of the same content is not treated as a duplicate.
func (d *Dispatcher) rollback(key string) {
	d.mu.Lock()
	d.seen.Remove(key)
	d.mu.Unlock()
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}
