package server

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/csvflow/csvflow/pkg/dedup"
	"github.com/csvflow/csvflow/pkg/queue"
	"github.com/csvflow/csvflow/pkg/types"
)

// Ledger mirrors terminal outcomes into the audit store. Best-effort.
type Ledger interface {
	MarkCompleted(ctx context.Context, contentDigest string) error
	MarkFailed(ctx context.Context, contentDigest, errorMessage string) error
}

// ResultStore persists the most recent result. Best-effort.
type ResultStore interface {
	SetLatestResult(ctx context.Context, result *types.Result, ttl time.Duration) error
}

// Hub consumes worker results, suppresses duplicates with its own
// bounded cache (redelivered results carry the same identity key),
// retains the latest result and fans it out to subscribers.
type Hub struct {
	mu      sync.Mutex
	seen    *dedup.Cache
	latest  *types.Result
	subs    map[chan *types.Result]struct{}
	ledger  Ledger
	results ResultStore
}

// NewHub creates a hub whose result dedup cache holds dedupCapacity
// identity keys. Ledger and results store may be nil.
func NewHub(dedupCapacity int, ledger Ledger, results ResultStore) *Hub {
	return &Hub{
		seen:    dedup.New(dedupCapacity),
		subs:    make(map[chan *types.Result]struct{}),
		ledger:  ledger,
		results: results,
	}
}

// HandleResult is the handler for the results-queue consumer. Duplicate
// results are acked and dropped; fresh ones update the latest snapshot,
// the optional stores, and every subscriber, then ack.
func (h *Hub) HandleResult(d queue.Delivery) {
	ctx := context.Background()

	var result types.Result
	if err := json.Unmarshal(d.Body(), &result); err != nil {
		log.Printf("[✗] Unreadable result message: %v\n", err)
		d.Nack(false)
		return
	}

	key := result.Identity.Key()

	h.mu.Lock()
	if h.seen.Contains(key) {
		h.mu.Unlock()
		log.Printf("[↷] Duplicate result detected: %s\n", shortKey(key))
		d.Ack()
		return
	}
	h.seen.Add(key)
	h.latest = &result
	for sub := range h.subs {
		select {
		case sub <- &result:
		default:
			// Slow subscriber, skip rather than block the consumer.
		}
	}
	h.mu.Unlock()

	if h.ledger != nil {
		var err error
		if result.Status == types.StatusSuccess {
			err = h.ledger.MarkCompleted(ctx, result.Identity.ContentDigest)
		} else {
			err = h.ledger.MarkFailed(ctx, result.Identity.ContentDigest, result.Error)
		}
		if err != nil {
			log.Printf("[!] Warning: failed to update ledger: %v\n", err)
		}
	}
	if h.results != nil {
		if err := h.results.SetLatestResult(ctx, &result, 24*time.Hour); err != nil {
			log.Printf("[!] Warning: failed to store latest result: %v\n", err)
		}
	}

	d.Ack()
	log.Printf("[✓] Result %s from worker %s (%s)\n", shortKey(key), result.WorkerID, result.Status)
}

// Latest returns the most recently received result, or nil.
func (h *Hub) Latest() *types.Result {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest
}

// Subscribe registers a channel receiving every fresh result. The
// returned cancel func must be called when the subscriber goes away.
func (h *Hub) Subscribe() (<-chan *types.Result, func()) {
	ch := make(chan *types.Result, 8)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
	}
	return ch, cancel
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12] + "..."
	}
	return key
}
