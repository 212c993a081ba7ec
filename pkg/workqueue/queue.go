// Package workqueue implements the lock-protected FIFO of
// JSON-payload work items described in spec §4.2. The queue has no
// capacity limit: Enqueue refuses items only after Destroy. It is backed by
// k8s.io/client-go's workqueue the same way pkg/operator.Operator
// backs its reconcile loop with one.
package workqueue

import (
	"sync"
	"time"

	"k8s.io/client-go/util/workqueue"
)

// Item is one opaque JSON work item, timestamped at insertion.
type Item struct {
	payload     string
	timeAdded   int64
}

// GetPayload returns the item's opaque JSON payload.
func (i Item) GetPayload() string { return i.payload }

// GetTimeAdded returns the epoch-seconds insertion time.
func (i Item) GetTimeAdded() int64 { return i.timeAdded }

// Queue is a FIFO of Items. The zero value is not usable; use Create.
// Safe for concurrent Enqueue from multiple producers; GetNext is
// meant to be called from the single worker goroutine but is also
// safe to call concurrently.
type Queue struct {
	inner workqueue.RateLimitingInterface
	mu    sync.Mutex
	// items maps a queue token back to the Item carrying it, since
	// client-go's workqueue only tracks comparable keys, not payloads.
	items map[int64]Item
	next  int64
}

// Create returns a new, empty Queue.
func Create(name string) *Queue {
	return &Queue{
		inner: workqueue.NewNamedRateLimitingQueue(workqueue.DefaultControllerRateLimiter(), name),
		items: make(map[int64]Item),
	}
}

// Enqueue appends a JSON payload to the tail of the queue, timestamped
// now. It always succeeds unless the queue has been destroyed, in
// which case it returns false.
func (q *Queue) Enqueue(payloadJSON string) bool {
	if q.inner.ShuttingDown() {
		return false
	}
	q.mu.Lock()
	token := q.next
	q.next++
	q.items[token] = Item{payload: payloadJSON, timeAdded: time.Now().Unix()}
	q.mu.Unlock()
	q.inner.Add(token)
	return true
}

// GetNext pops the oldest item without blocking. ok is false if the
// queue is currently empty. Items still queued when Destroy is called
// are still returned, one per call, until the queue is empty.
func (q *Queue) GetNext() (item Item, ok bool) {
	if q.inner.Len() == 0 {
		return Item{}, false
	}
	tokenAny, shutdown := q.inner.Get()
	if shutdown {
		return Item{}, false
	}
	defer q.inner.Done(tokenAny)

	token := tokenAny.(int64)
	q.mu.Lock()
	item, ok = q.items[token]
	delete(q.items, token)
	q.mu.Unlock()
	q.inner.Forget(tokenAny)
	return item, ok
}

// Len reports the number of items currently queued.
func (q *Queue) Len() int { return q.inner.Len() }

// Destroy shuts the queue down: later Enqueue calls return false, and
// GetNext returns ok=false once the items already queued are drained.
func (q *Queue) Destroy() {
	q.inner.ShutDown()
}
